package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/badgerstore"
	"github.com/cern-cta/CTA-sub017/internal/catalogue"
	natsbackend "github.com/cern-cta/CTA-sub017/internal/nats"
	"github.com/cern-cta/CTA-sub017/internal/rdbms"
)

// Stores are the external stores the daemon works on.
type Stores struct {
	Backend   backend.Backend
	Catalogue catalogue.Catalogue
	// NATS is set when the backend or the tape events use NATS.
	NATS *natsbackend.Client

	closers []func() error
}

// OpenStores opens the object store, the catalogue and, if configured, the
// NATS connection.
func OpenStores(ctx context.Context, cfg Config) (*Stores, error) {
	s := &Stores{}
	u, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend url %q: %w", cfg.BackendURL, err)
	}
	lockOpts := []backend.LockerOption{backend.WithHolderLabel(cfg.AgentName + "@" + backend.DefaultHolderLabel())}

	switch u.Scheme {
	case "memory":
		s.Backend = backend.NewMemory(lockOpts...)
	case "nats":
		nc, err := natsbackend.New(cfg.BackendURL)
		if err != nil {
			return nil, err
		}
		s.NATS = nc
		s.closers = append(s.closers, nc.Close)
		be, err := nc.ObjectBackend(ctx, cfg.Namespace, lockOpts...)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Backend = be
	case "sqlite":
		be, err := rdbms.NewSQLiteBackend(filePath(u), lockOpts...)
		if err != nil {
			return nil, err
		}
		s.Backend = be
	case "badger":
		be, err := badgerstore.Open(filePath(u), lockOpts...)
		if err != nil {
			return nil, err
		}
		s.Backend = be
	default:
		return nil, fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	s.closers = append(s.closers, s.Backend.Close)

	if s.NATS == nil && cfg.NatsURL != "" {
		nc, err := natsbackend.New(cfg.NatsURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.NATS = nc
		s.closers = append(s.closers, nc.Close)
	}

	cat, err := openCatalogue(cfg.CatalogueURL)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Catalogue = cat
	if c, ok := cat.(*catalogue.SQLite); ok {
		s.closers = append(s.closers, c.Close)
	}
	return s, nil
}

func openCatalogue(raw string) (catalogue.Catalogue, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing catalogue url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "memory":
		return catalogue.NewInMemory()
	case "sqlite":
		return catalogue.NewSQLite(filePath(u))
	case "dummy":
		return catalogue.NewDummy(), nil
	default:
		return nil, fmt.Errorf("unsupported catalogue url scheme %q", u.Scheme)
	}
}

// filePath returns the path of a scheme:///path URL. An empty path is kept
// empty so that badger opens in memory.
func filePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	if u.Host != "" {
		return u.Host + u.Path
	}
	if u.Path == "/:memory:" {
		return rdbms.MemoryPath
	}
	return strings.TrimSuffix(u.Path, "/")
}

// Close closes the stores in reverse opening order and returns the first
// error.
func (s *Stores) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

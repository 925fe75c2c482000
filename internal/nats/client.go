// Package nats connects to NATS and exposes the JetStream-backed object
// store and the tape event broker.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/kv"
)

// Client owns one NATS connection and its JetStream context.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// New connects to NATS.
func New(natsURL string) (*Client, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("cta-maintd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

// Conn returns the underlying NATS connection for use by auxiliary services (e.g., pub/sub broker).
func (c *Client) Conn() *nats.Conn {
	return c.nc
}

// ObjectBackend sets up the namespace's buckets and returns a backend on
// them.
func (c *Client) ObjectBackend(ctx context.Context, namespace string, opts ...backend.LockerOption) (*kv.Backend, error) {
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := SetupJetStream(setupCtx, c.js, namespace); err != nil {
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (*kv.Store, error) {
		bucket, err := c.js.KeyValue(setupCtx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return kv.NewStore(bucket), nil
	}

	objects, err := openKV(ObjectsBucket(namespace))
	if err != nil {
		return nil, err
	}
	locks, err := openKV(LocksBucket(namespace))
	if err != nil {
		return nil, err
	}
	return kv.NewBackend(objects, locks, opts...), nil
}

// DeleteNamespace removes the buckets of a namespace.
func (c *Client) DeleteNamespace(ctx context.Context, namespace string) error {
	var firstErr error
	for _, name := range []string{ObjectsBucket(namespace), LocksBucket(namespace)} {
		if err := c.js.DeleteKeyValue(ctx, name); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting KV bucket %s: %w", name, err)
		}
	}
	return firstErr
}

func (c *Client) Close() error {
	c.nc.Close()
	return nil
}

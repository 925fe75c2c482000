package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cern-cta/CTA-sub017/internal/api"
	"github.com/cern-cta/CTA-sub017/internal/cleanup"
	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/maintenance"
	natsbackend "github.com/cern-cta/CTA-sub017/internal/nats"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
	"github.com/cern-cta/CTA-sub017/internal/scheduler"
)

// App is one maintenance daemon: an agent in the object store running the
// garbage collector and the queue cleanup, and serving the admin API.
type App struct {
	cfg    Config
	log    *slog.Logger
	stores *Stores

	AgentRef    *objectstore.AgentReference
	DB          *scheduler.DB
	Scheduler   *scheduler.Scheduler
	GC          *objectstore.GarbageCollector
	Runner      *cleanup.Runner
	Maintenance *maintenance.Service
	Broker      *natsbackend.TapeEventBroker
	Router      http.Handler

	unsubscribe func()
}

// NewApp bootstraps the object store, registers the daemon's agent and wires
// the components. On success the App owns the stores.
func NewApp(ctx context.Context, cfg Config, stores *Stores, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log, stores: stores}
	a.AgentRef = objectstore.NewAgentReference(cfg.AgentName)

	if _, err := objectstore.Bootstrap(ctx, stores.Backend, a.AgentRef); err != nil {
		return nil, fmt.Errorf("bootstrapping object store: %w", err)
	}
	if err := objectstore.RegisterAgent(ctx, stores.Backend, a.AgentRef, "maintenance daemon", cfg.AgentTimeout); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}
	log = log.With("agent_address", a.AgentRef.Address())
	a.log = log

	a.DB = scheduler.NewDB(stores.Backend, a.AgentRef, stores.Catalogue, scheduler.WithDBLogger(log))
	a.GC = objectstore.NewGarbageCollector(stores.Backend, a.AgentRef, stores.Catalogue,
		objectstore.WithMaxWatchedAgents(cfg.MaxWatchedAgents), objectstore.WithGCLogger(log))

	var publisher scheduler.EventPublisher
	if stores.NATS != nil {
		a.Broker = natsbackend.NewTapeEventBroker(stores.NATS.Conn())
		publisher = a.Broker
	} else {
		publisher = &kickPublisher{app: a}
	}
	a.Scheduler = scheduler.New(a.DB, stores.Catalogue, scheduler.WithEventPublisher(publisher), scheduler.WithLogger(log))
	a.Runner = cleanup.New(a.DB, stores.Catalogue, a.Scheduler,
		cleanup.WithBatchSize(cfg.CleanupBatchSize),
		cleanup.WithTimeout(cfg.CleanupTimeout),
		cleanup.WithLogger(log))
	a.Maintenance = maintenance.New(a.GC, a.Runner, maintenance.Config{
		GCSchedule:      cfg.GCSchedule,
		CleanupSchedule: cfg.CleanupSchedule,
		PassTimeout:     cfg.PassTimeout,
		Repack:          a.DB,
		RepackSchedule:  cfg.RepackSchedule,
		RepackBatch:     uint64(max(cfg.RepackBatchSize, 0)),
	}, log)

	handler := api.NewHandler(a.Scheduler, a.DB, stores.Catalogue, a.health, stores.Backend.Describe())
	a.Router = NewRouter(handler, cfg.APIKey)
	return a, nil
}

// Start starts the scheduled passes and, with NATS, follows tape events.
func (a *App) Start() error {
	if err := a.Maintenance.Start(); err != nil {
		return err
	}
	if a.Broker != nil {
		events, unsubscribe, err := a.Broker.SubscribeTapeEvents()
		if err != nil {
			a.Maintenance.Stop()
			return fmt.Errorf("subscribing to tape events: %w", err)
		}
		a.unsubscribe = unsubscribe
		a.Maintenance.WatchTapeEvents(events)
	}
	return nil
}

// Close stops the passes, unregisters the agent and closes the stores. An
// agent that still owns objects is left registered for another daemon's
// collector to recover.
func (a *App) Close(ctx context.Context) error {
	a.Maintenance.Stop()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.log.Warn("failed to close tape event broker", "error", err)
		}
	}
	err := objectstore.UnregisterAgent(ctx, a.stores.Backend, a.AgentRef)
	if errors.Is(err, core.ErrAgentNotEmpty) {
		a.log.Warn("agent still owns objects, leaving it to the garbage collector", "error", err)
		err = nil
	}
	if cerr := a.stores.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) health(ctx context.Context) error {
	_, err := a.stores.Backend.Exists(ctx, objectstore.RootAddress)
	return err
}

// kickPublisher requests a cleanup pass in-process when no event bus is
// configured.
type kickPublisher struct {
	app *App
}

func (p *kickPublisher) PublishTapeStateChange(ev *core.TapeStateEvent) error {
	if ev.Cleanup && p.app.Maintenance != nil {
		p.app.Maintenance.Kick()
	}
	return nil
}

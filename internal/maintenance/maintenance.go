// Package maintenance schedules the garbage collector and queue cleanup
// passes of the daemon.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/cern-cta/CTA-sub017/internal/cleanup"
	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/metrics"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
)

const instrumentationName = "github.com/cern-cta/CTA-sub017/internal/maintenance"

// Default schedules.
const (
	DefaultGCSchedule      = "@every 5s"
	DefaultCleanupSchedule = "@every 10s"
	DefaultRepackSchedule  = "@every 30s"
)

// DefaultRepackBatch is how many pending repack requests one pass promotes.
const DefaultRepackBatch = 2

// GarbageCollector runs collector passes.
type GarbageCollector interface {
	RunOnePass(ctx context.Context) (objectstore.GCPassStats, error)
}

// CleanupRunner runs queue cleanup passes.
type CleanupRunner interface {
	RunOnePass(ctx context.Context) (cleanup.PassStats, error)
}

// RepackPromoter moves pending repack requests to expansion.
type RepackPromoter interface {
	PromoteRepackRequestsToToExpand(ctx context.Context, n uint64) (int, error)
}

// Config holds the pass schedules, in cron syntax or @every descriptors.
type Config struct {
	GCSchedule      string
	CleanupSchedule string
	// PassTimeout bounds the context of a single pass. Zero means no bound.
	PassTimeout time.Duration

	// Repack passes only run when Repack is set.
	Repack         RepackPromoter
	RepackSchedule string
	RepackBatch    uint64

	// Nil providers fall back to the global OpenTelemetry ones.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Service runs the passes on their schedules. Passes of one kind never
// overlap, and a cleanup pass can be requested out of schedule with Kick.
type Service struct {
	gc     GarbageCollector
	runner CleanupRunner
	cfg    Config
	log    *slog.Logger

	tracer       trace.Tracer
	passDuration metric.Float64Histogram

	cron      *cron.Cron
	gcMu      sync.Mutex
	cleanupMu sync.Mutex
	repackMu  sync.Mutex

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a stopped service.
func New(gc GarbageCollector, runner CleanupRunner, cfg Config, log *slog.Logger) *Service {
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = DefaultGCSchedule
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.RepackSchedule == "" {
		cfg.RepackSchedule = DefaultRepackSchedule
	}
	if cfg.RepackBatch == 0 {
		cfg.RepackBatch = DefaultRepackBatch
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "maintenance")
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	passDuration, err := mp.Meter(instrumentationName).Float64Histogram("cta.maintenance.pass.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of garbage collector and queue cleanup passes."))
	if err != nil {
		log.Warn("pass duration histogram unavailable", "error", err)
		passDuration, _ = noop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("cta.maintenance.pass.duration")
	}
	cl := cronLogger{log: log}
	return &Service{
		gc:           gc,
		runner:       runner,
		cfg:          cfg,
		log:          log,
		tracer:       tp.Tracer(instrumentationName),
		passDuration: passDuration,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Start registers the passes and starts the scheduler.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.GCSchedule, s.RunGC); err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("Invalid GC schedule: %s", s.cfg.GCSchedule),
			map[string]any{"schedule": s.cfg.GCSchedule, "error": err.Error()})
	}
	if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, s.RunCleanup); err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("Invalid cleanup schedule: %s", s.cfg.CleanupSchedule),
			map[string]any{"schedule": s.cfg.CleanupSchedule, "error": err.Error()})
	}
	if s.cfg.Repack != nil {
		if _, err := s.cron.AddFunc(s.cfg.RepackSchedule, s.RunRepackPromotion); err != nil {
			return core.NewInvalidRequestError(fmt.Sprintf("Invalid repack schedule: %s", s.cfg.RepackSchedule),
				map[string]any{"schedule": s.cfg.RepackSchedule, "error": err.Error()})
		}
	}
	s.wg.Add(1)
	go s.kickLoop()
	s.cron.Start()
	s.log.Info("maintenance started", "gc_schedule", s.cfg.GCSchedule, "cleanup_schedule", s.cfg.CleanupSchedule)
	return nil
}

// Stop halts the scheduler and waits for running passes. It is safe to call
// more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.cron.Stop().Done()
		s.wg.Wait()
		s.log.Info("maintenance stopped")
	})
}

// Kick requests a cleanup pass as soon as possible. Requests made while one
// is pending are merged.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// WatchTapeEvents kicks a cleanup pass for every event that armed a cleanup,
// until events is closed or the service stops.
func (s *Service) WatchTapeEvents(events <-chan *core.TapeStateEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stop:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Cleanup {
					s.log.Debug("cleanup requested by tape event", "vid", ev.VID, "state", string(ev.State))
					s.Kick()
				}
			}
		}
	}()
}

func (s *Service) kickLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
			s.RunCleanup()
		}
	}
}

func (s *Service) passContext() (context.Context, context.CancelFunc) {
	if s.cfg.PassTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.PassTimeout)
	}
	return context.WithCancel(context.Background())
}

// RunGC runs one collector pass.
func (s *Service) RunGC() {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	ctx, cancel := s.passContext()
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "maintenance.gc_pass")
	defer span.End()

	start := time.Now()
	stats, err := s.gc.RunOnePass(ctx)
	elapsed := time.Since(start)
	metrics.GCPass(stats.Watched, stats.Cleaned, stats.Objects, elapsed, err)
	s.endPass(ctx, span, "gc", elapsed, err,
		attribute.Int("gc.watched", stats.Watched),
		attribute.Int("gc.cleaned", stats.Cleaned),
		attribute.Int("gc.objects", stats.Objects))
	if err != nil {
		s.log.Error("gc pass failed", "error", err)
		return
	}
	if stats.Cleaned > 0 {
		s.log.Info("gc pass recovered dead agents", "cleaned", stats.Cleaned, "objects", stats.Objects)
	}
}

// RunCleanup runs one queue cleanup pass.
func (s *Service) RunCleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	ctx, cancel := s.passContext()
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "maintenance.cleanup_pass")
	defer span.End()

	start := time.Now()
	stats, err := s.runner.RunOnePass(ctx)
	elapsed := time.Since(start)
	metrics.CleanupPass(stats.Flagged, stats.Requeued, stats.Failed, elapsed, err)
	s.endPass(ctx, span, "cleanup", elapsed, err,
		attribute.Int("cleanup.flagged", stats.Flagged),
		attribute.Int("cleanup.cleaned", stats.Cleaned),
		attribute.Int("cleanup.skipped", stats.Skipped),
		attribute.Int("cleanup.requeued", stats.Requeued),
		attribute.Int("cleanup.failed", stats.Failed))
	if err != nil {
		s.log.Error("queue cleanup pass failed", "error", err)
		return
	}
	if stats.Cleaned > 0 {
		s.log.Info("queue cleanup pass done", "cleaned", stats.Cleaned, "requeued", stats.Requeued, "failed", stats.Failed)
	}
}

// RunRepackPromotion promotes pending repack requests to expansion. It is a
// no-op without a RepackPromoter.
func (s *Service) RunRepackPromotion() {
	if s.cfg.Repack == nil {
		return
	}
	s.repackMu.Lock()
	defer s.repackMu.Unlock()
	ctx, cancel := s.passContext()
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "maintenance.repack_pass")
	defer span.End()

	start := time.Now()
	n, err := s.cfg.Repack.PromoteRepackRequestsToToExpand(ctx, s.cfg.RepackBatch)
	s.endPass(ctx, span, "repack", time.Since(start), err, attribute.Int("repack.promoted", n))
	if err != nil {
		s.log.Error("repack promotion pass failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("promoted repack requests to expansion", "requests", n)
	}
}

func (s *Service) endPass(ctx context.Context, span trace.Span, pass string, elapsed time.Duration, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.passDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("pass", pass),
		attribute.String("result", result)))
}

// cronLogger routes cron's logs to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

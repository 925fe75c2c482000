package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cern-cta/CTA-sub017/internal/metrics"
	"github.com/cern-cta/CTA-sub017/internal/server"
	"github.com/cern-cta/CTA-sub017/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := server.ParseFlags("cta-maintd", os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	if err := cfg.CheckAuth(); err != nil {
		slog.Error("refusing to start without API authentication", "error", err)
		os.Exit(1)
	}
	if cfg.AllowInsecureNoAuth {
		slog.Warn("running without authentication, this is intended for local development only, set CTA_API_KEY for any shared or production environment")
	}

	ctx := context.Background()

	// OpenTelemetry export is opt-in via CTA_OTEL_ENABLED or OTEL_EXPORTER_OTLP_ENDPOINT
	otelShutdown, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("cta-maintd", version))
	if err != nil {
		slog.Error("failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	stores, err := server.OpenStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "backend", cfg.BackendURL, "error", err)
		os.Exit(1)
	}
	slog.Info("object store opened", "backend", stores.Backend.Describe())

	metrics.Init(version, stores.Backend.Describe())

	app, err := server.NewApp(ctx, cfg, stores, slog.Default())
	if err != nil {
		slog.Error("failed to start daemon", "error", err)
		stores.Close()
		os.Exit(1)
	}
	if err := app.Start(); err != nil {
		slog.Error("failed to start maintenance", "error", err)
		_ = app.Close(ctx)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.Router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("admin server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("cta.maintd", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	healthSrv.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		slog.Error("daemon shutdown error", "error", err)
	}

	slog.Info("daemon stopped")
}

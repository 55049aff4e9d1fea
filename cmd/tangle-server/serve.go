package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/metrics"
	"github.com/tanglenomicon/tangle-jobs/internal/server"
	"github.com/tanglenomicon/tangle-jobs/internal/telemetry"
)

const grpcServiceName = "tangle.v1.JobServer"

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job server",
		RunE:  runServe,
	}
	flags := cmd.Flags()
	flags.String("port", "8080", "HTTP listen port")
	flags.String("grpc-port", "9090", "gRPC health listen port")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("store", "memory", "storage backend (memory, nats, mongo)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := server.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log.Level, cfg.Log.Format))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: core.Version,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	stores, err := server.OpenStores(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	defer stores.Close()

	app, err := server.NewApp(ctx, cfg, stores)
	if err != nil {
		return err
	}

	metrics.Init(core.Version, cfg.Store.Backend)
	prometheus.MustRegister(metrics.NewQueueCollector(app.Service.StatisticsByKind))

	app.Scheduler.Start()
	defer app.Scheduler.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tangle server listening", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen for gRPC on %s: %w", cfg.Server.GRPCPort, err)
		}
		slog.Info("gRPC health server listening", "port", cfg.Server.GRPCPort)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		healthSrv.Shutdown()
		app.Scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Whatever workers reported before the signal is still worth keeping.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if n, err := app.Service.FlushComplete(flushCtx); err != nil {
		slog.Error("final flush of complete jobs", "stored", n, "error", err)
	} else if n > 0 {
		slog.Info("final flush of complete jobs", "stored", n)
	}
	slog.Info("server stopped")
	return nil
}

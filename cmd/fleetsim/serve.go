package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/fleet-simulator/internal/config"
	"github.com/signalsfoundry/fleet-simulator/internal/feeder"
	"github.com/signalsfoundry/fleet-simulator/internal/gateway"
	"github.com/signalsfoundry/fleet-simulator/internal/health"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/internal/sim"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator with its HTTP, gRPC health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			log := logging.NewFromEnv()
			lis, err := listen(cfg)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log, lis)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	return cmd
}

// listeners are opened before run so tests can bind ephemeral ports.
type listeners struct {
	http    net.Listener
	grpc    net.Listener
	metrics net.Listener // optional
}

func listen(cfg *config.Config) (listeners, error) {
	var out listeners
	var err error
	if out.http, err = net.Listen("tcp", cfg.HTTP.Addr); err != nil {
		return out, fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
	}
	if out.grpc, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
		_ = out.http.Close()
		return out, fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
	}
	if cfg.Metrics.Addr != "" {
		if out.metrics, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			_ = out.http.Close()
			_ = out.grpc.Close()
			return out, fmt.Errorf("listen metrics %s: %w", cfg.Metrics.Addr, err)
		}
	}
	return out, nil
}

func (l listeners) close() {
	for _, lis := range []net.Listener{l.http, l.grpc, l.metrics} {
		if lis != nil {
			_ = lis.Close()
		}
	}
}

// run wires the engine and its adapters and serves until ctx is done or
// one of the servers fails. The servers own the listeners once started.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, lis listeners) error {
	serving := false
	defer func() {
		if !serving {
			lis.close()
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability().WithEnv(os.LookupEnv), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := observability.NewFleetCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	engine, err := sim.New(
		sim.WithConfig(cfg.Engine()),
		sim.WithLogger(log),
		sim.WithMetrics(collector),
		sim.WithTracerProvider(otel.GetTracerProvider()),
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	for _, r := range cfg.SeedRobots() {
		if _, err := engine.UpsertRobot(ctx, r); err != nil {
			return fmt.Errorf("seed robot %s: %w", r.ID, err)
		}
	}

	api := gateway.New(engine, gateway.Options{
		APIKey:      cfg.HTTP.APIKey,
		CreateRate:  cfg.HTTP.CreateRate,
		CreateBurst: cfg.HTTP.CreateBurst,
		Logger:      log,
		Metrics:     collector,
	})
	healthSrv := health.New(engine, health.Options{Logger: log, Metrics: collector})

	var demo *feeder.Feeder
	if cfg.FeederEnabled() {
		if demo, err = feeder.New(engine, cfg.Feeder.Schedule, log); err != nil {
			return err
		}
	}

	serving = true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, lis.http) })
	g.Go(func() error { return healthSrv.Serve(gctx, lis.grpc) })
	if lis.metrics != nil {
		g.Go(func() error { return serveMetrics(gctx, lis.metrics, collector, log) })
	}
	if demo != nil {
		g.Go(func() error { return demo.Run(gctx) })
	}

	engine.Start(0)
	healthSrv.Refresh()
	g.Go(func() error {
		<-gctx.Done()
		engine.Stop()
		return nil
	})

	log.Info(ctx, "fleet simulator running",
		logging.Int("robots", len(cfg.SeedRobots())),
		logging.Bool("feeder", cfg.FeederEnabled()),
	)
	return g.Wait()
}

func serveMetrics(ctx context.Context, lis net.Listener, collector *observability.FleetCollector, log logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/camclient"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/config"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/coordinator"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/katcp"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/metric"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/natsclient"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/sensors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

const shutdownTimeout = 10 * time.Second

// app holds the shared infrastructure every subcommand wires its component
// into: the store connection, alert bus, metrics and logging.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	levelVar  *slog.LevelVar
	nats      *natsclient.Client
	subarrays *store.Subarrays
	bus       *alerts.Bus
	registry  *metric.Registry
	metricSrv *metric.Server
}

// setup loads configuration, connects to the store and starts the metrics
// endpoint. Callers defer teardown.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, levelVar := setupLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	slog.SetDefault(log)
	log.Info("starting backend interface",
		"version", Version, "build", BuildTime,
		"config", viper.GetString("config"), "nats", cfg.NATS.URL)

	registry := metric.NewRegistry()
	metrics := registry.Metrics()

	nats, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(appName),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			metrics.RecordNATSStatus(healthy)
			if !healthy {
				metrics.RecordNATSReconnect()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create store client: %w", err)
	}
	if err := nats.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	metrics.RecordNATSStatus(true)

	st, err := store.NewNATSStore(ctx, nats, cfg.NATS.Bucket, log)
	if err != nil {
		_ = nats.Close(ctx)
		return nil, fmt.Errorf("open store bucket: %w", err)
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		levelVar:  levelVar,
		nats:      nats,
		subarrays: store.NewSubarrays(st),
		bus:       alerts.NewBus(st),
		registry:  registry,
	}

	if cfg.Metrics.Addr != "" {
		a.metricSrv = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry)
		errCh := make(chan error, 1)
		if err := a.metricSrv.Start(errCh); err != nil {
			a.teardown()
			return nil, fmt.Errorf("start metrics endpoint: %w", err)
		}
		go func() {
			if err := <-errCh; err != nil {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}
	return a, nil
}

func (a *app) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.metricSrv != nil {
		if err := a.metricSrv.Stop(ctx); err != nil {
			a.log.Warn("metrics endpoint stop failed", "error", err)
		}
	}
	if err := a.nats.Close(ctx); err != nil {
		a.log.Warn("store connection close failed", "error", err)
	}
}

func (a *app) metrics() *metric.Metrics {
	return a.registry.Metrics()
}

// runServer serves the control protocol until ctx ends or a halt request
// stops the server.
func (a *app) runServer(ctx context.Context) error {
	registry := katcp.NewRegistry()
	lifecycle := katcp.NewLifecycle(a.subarrays, a.bus, a.log, a.metrics())
	if err := lifecycle.Register(registry); err != nil {
		return err
	}
	srv := katcp.NewServer(a.cfg.Server.Addr, registry,
		katcp.WithLogger(a.log),
		katcp.WithMetrics(a.metrics()),
		katcp.WithLogLevelVar(a.levelVar),
	)
	return srv.Serve(ctx)
}

// runSensors runs the sensor subscription manager.
func (a *app) runSensors(ctx context.Context) error {
	manager := sensors.NewManager(a.subarrays, a.bus,
		camclient.Dialer(camclient.WithLogger(a.log)),
		a.cfg.Sensors,
		sensors.WithLogger(a.log),
		sensors.WithMetrics(a.metrics()),
	)
	return manager.Run(ctx)
}

// runCoordinator runs the node coordinator.
func (a *app) runCoordinator(ctx context.Context) error {
	coord := coordinator.New(a.subarrays, a.bus, a.cfg.CoordinatorConfig(),
		coordinator.WithLogger(a.log),
		coordinator.WithMetrics(a.metrics()),
		coordinator.WithDwellPause(a.cfg.Coordinator.DwellPause.Std()),
		coordinator.WithTargetRetry(a.cfg.Coordinator.TargetRetries, a.cfg.Coordinator.TargetRetryWait.Std()),
	)
	return coord.Run(ctx)
}

// runComponents runs the given components until the first one fails or ctx
// ends, then tears the rest down via context cancellation.
func runComponents(ctx context.Context, components map[string]func(context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(components))
	for name, run := range components {
		go func(name string, run func(context.Context) error) {
			err := run(runCtx)
			if err != nil && runCtx.Err() == nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errCh <- err
		}(name, run)
	}

	var firstErr error
	for range components {
		err := <-errCh
		if err != nil && firstErr == nil && ctx.Err() == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the protocol server, sensor manager and coordinator together",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.teardown()
			return runComponents(cmd.Context(), map[string]func(context.Context) error{
				"server":      a.runServer,
				"sensors":     a.runSensors,
				"coordinator": a.runCoordinator,
			})
		},
	}
}

func newServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the control-protocol server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.teardown()
			return a.runServer(cmd.Context())
		},
	}
}

func newSensorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sensors",
		Short: "Run the sensor subscription manager",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.teardown()
			return a.runSensors(cmd.Context())
		},
	}
}

func newCoordinatorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the processing-node coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.teardown()
			return a.runCoordinator(cmd.Context())
		},
	}
}

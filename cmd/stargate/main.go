// Stargate daemon -- federates Lutron RadioRa2, DSC PowerSeries, and Vera
// gateways into one device model with queryable state, push notification,
// event history, and cross-gateway automation rules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/metamatt/stargate/internal/api"
	"github.com/metamatt/stargate/internal/config"
	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/gwloader"
	"github.com/metamatt/stargate/internal/healthcheck"
	"github.com/metamatt/stargate/internal/metrics"
	"github.com/metamatt/stargate/internal/notify"
	"github.com/metamatt/stargate/internal/persistence"
	"github.com/metamatt/stargate/internal/reporting"
	"github.com/metamatt/stargate/internal/timer"
	appversion "github.com/metamatt/stargate/internal/version"
	"github.com/metamatt/stargate/internal/watchdog"
)

// shutdownTimeout bounds how long the HTTP servers get to drain active
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// errNoGatewaysLoaded is returned when every configured gateway failed or
// was skipped, matching spec.md §7's ConfigurationError policy: "If zero
// gateways load, process exits non-zero."
var errNoGatewaysLoaded = errors.New("stargate: no gateways loaded")

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "config.yaml"
	flag.StringVar(&configPath, "config", configPath, "path to configuration file (YAML)")
	flag.StringVar(&configPath, "c", configPath, "path to configuration file (YAML), shorthand")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	if cfg.WorkingDir != "" && cfg.WorkingDir != "." {
		if err := os.Chdir(cfg.WorkingDir); err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to chdir to working_dir",
				slog.String("dir", cfg.WorkingDir), slog.String("error", err.Error()))
			return 1
		}
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to open logfile",
			slog.String("error", err.Error()))
		return 1
	}
	defer func() { _ = closeLog() }()

	logger.Info("stargate starting",
		slog.String("version", appversion.Version),
		slog.Int("server_port", cfg.Server.Port),
	)

	if err := runDaemon(cfg, logger); err != nil {
		logger.Error("stargate exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("stargate stopped")
	return 0
}

// runDaemon wires every core component together and runs until a
// terminating signal arrives, per spec.md §2's component graph.
func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	store, err := persistence.Open(ctx, logger, cfg.Database.Datafile)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer func() { _ = store.Close() }()

	house, err := devicemodel.New(ctx, store, "house")
	if err != nil {
		return fmt.Errorf("create house: %w", err)
	}

	bus := eventbus.New()
	tmr := timer.New(logger)
	defer tmr.Stop()

	notifier := notify.New(logger, cfg.Notifications)
	reporter := reporting.New(logger, notifier, cfg.Reporting)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	wd := watchdog.New(ctx, logger,
		watchdog.WithConnectedCallback(func(id string) { collector.SetGatewayConnected(id, true) }),
		watchdog.WithDisconnectedCallback(func(id string) {
			collector.SetGatewayConnected(id, false)
			collector.IncReconnect(id)
		}),
	)
	defer wd.Stop()

	bus.SubscribeAll(func(device eventbus.DeviceID, synthetic bool) {
		if synthetic {
			collector.IncEventPublished("synthetic")
			return
		}
		collector.IncEventPublished("changed")
	})

	g, gctx := errgroup.WithContext(ctx)

	apiSrv := api.NewServer(logger, house, store).HTTPServer(fmt.Sprintf(":%d", cfg.Server.Port))
	healthSrv := healthcheck.NewServer(fmt.Sprintf(":%d", cfg.Healthcheck.Port), cfg.Healthcheck.Response)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g.Go(func() error { return listenAndServe(gctx, apiSrv, "api", logger) })
	g.Go(func() error { return listenAndServe(gctx, healthSrv, "healthcheck", logger) })
	g.Go(func() error { return listenAndServe(gctx, metricsSrv, "metrics", logger) })

	deps := gwloader.Deps{
		Logger:     logger,
		House:      house,
		Bus:        bus,
		Timer:      tmr,
		Watchdog:   wd,
		Notifier:   notifier,
		HTTPClient: http.DefaultClient,
		Metrics:    collector,
	}
	plugins := gwloader.BuildPlugins(deps, cfg)
	results := gwloader.Load(ctx, logger, plugins)

	loaded := 0
	for _, r := range results {
		if r.Err == nil && !r.Skipped {
			loaded++
		}
	}
	if len(plugins) > 0 && loaded == 0 {
		return errNoGatewaysLoaded
	}

	for _, dev := range house.AllDevices() {
		collector.RegisterDevice(dev.GatewayID())
	}

	g.Go(func() error { return runCheckpointTicker(gctx, store, cfg.Database.CheckpointInterval, collector, logger) })
	g.Go(func() error { return runSighup(gctx, store, collector, logger) })

	reporter.Startup(ctx)
	notifyReady(logger)

	g.Go(func() error {
		<-gctx.Done()
		return gracefulShutdown(store, reporter, collector, logger, apiSrv, healthSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// runCheckpointTicker periodically flushes a CHECKPOINT event for every
// device, per spec.md §4.5's "invoked periodically by a timer" policy.
func runCheckpointTicker(ctx context.Context, store *persistence.Store, interval time.Duration, collector *metrics.Collector, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := store.CheckpointAll(ctx); err != nil {
				logger.Error("periodic checkpoint failed", slog.String("error", err.Error()))
				continue
			}
			collector.IncPersistenceOp("checkpoint")
		}
	}
}

// runSighup implements spec.md §6's HUP handling: flush a checkpoint
// without exiting the process.
func runSighup(ctx context.Context, store *persistence.Store, collector *metrics.Collector, logger *slog.Logger) error {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	defer signal.Stop(sigHUP)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigHUP:
			logger.Info("received SIGHUP, checkpointing")
			if err := store.CheckpointAll(ctx); err != nil {
				logger.Error("SIGHUP checkpoint failed", slog.String("error", err.Error()))
				continue
			}
			collector.IncPersistenceOp("checkpoint")
		}
	}
}

// gracefulShutdown flushes a final checkpoint, notifies the shutdown
// alias, and drains the HTTP servers. Background gateway goroutines are
// daemons (spec.md §5) and are not waited on.
func gracefulShutdown(store *persistence.Store, reporter *reporting.Reporter, collector *metrics.Collector, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := store.CheckpointAll(shutdownCtx); err != nil {
		logger.Error("final checkpoint failed", slog.String("error", err.Error()))
	} else {
		collector.IncPersistenceOp("checkpoint")
	}
	reporter.Shutdown(shutdownCtx)

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, srv *http.Server, name string, logger *slog.Logger) error {
	logger.Info("http server listening", slog.String("server", name), slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s on %s: %w", name, srv.Addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

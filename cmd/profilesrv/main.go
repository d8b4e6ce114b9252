// profilesrv -- Neighborhood Synchronization Core daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/profilesrv/internal/actionproc"
	"github.com/dantte-lp/profilesrv/internal/adminapi"
	"github.com/dantte-lp/profilesrv/internal/config"
	"github.com/dantte-lp/profilesrv/internal/coordination"
	"github.com/dantte-lp/profilesrv/internal/lbnclient"
	profilemetrics "github.com/dantte-lp/profilesrv/internal/metrics"
	"github.com/dantte-lp/profilesrv/internal/neighborhood"
	"github.com/dantte-lp/profilesrv/internal/storage"
	appversion "github.com/dantte-lp/profilesrv/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	identityKeyOverride := flag.String("identity-key", "", "path to the PEM-encoded identity public key (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("profilesrv starting",
		slog.String("version", appversion.Version),
		slog.String("lbn_endpoint", cfg.LBN.Endpoint),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	keyPath := cfg.Identity.IdentityKeyPath
	if *identityKeyOverride != "" {
		keyPath = *identityKeyOverride
	}
	identity, err := loadIdentity(keyPath, cfg.Identity)
	if err != nil {
		logger.Error("failed to load identity", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	collector := profilemetrics.NewCollector(reg)

	if err := runDaemon(cfg, identity, collector, reg, logger); err != nil {
		logger.Error("profilesrv exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("profilesrv stopped")
	return 0
}

// runDaemon wires the in-memory store, reconciler, LBN session engine, and
// metrics/health HTTP server together under an errgroup with signal-aware
// shutdown.
func runDaemon(
	cfg *config.Config,
	identity lbnclient.Identity,
	collector *profilemetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locks := coordination.NewLockRegistry()
	store := storage.NewMemoryStore(locks)
	actionSignal := actionproc.NewChannelSignal()
	readiness := coordination.NewReadiness()
	shutdown := coordination.NewShutdown(ctx)

	reconciler := neighborhood.New(
		func() storage.UnitOfWork { return store.NewUnitOfWork() },
		cfg.Neighborhood.MaxSize,
		cfg.Neighborhood.IdentifierLength,
		actionSignal,
		logger.With(slog.String("component", "reconciler")),
	)

	session := lbnclient.New(
		cfg.LBN.Endpoint,
		identity,
		reconciler,
		shutdown,
		readiness,
		logger.With(slog.String("component", "session")),
	)

	metricsSrv := newMetricsServer(cfg.Metrics, reg, readiness, adminapi.New(store, session))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("metrics_path", cfg.Metrics.MetricsPath),
			slog.String("health_path", cfg.Metrics.HealthPath),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return collectNeighborhoodSize(gCtx, store, collector)
	})

	g.Go(func() error {
		return watchReadiness(gCtx, readiness, logger)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdown.Trigger()
		return gracefulShutdown(gCtx, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// collectNeighborhoodSize periodically refreshes the NeighborhoodSize gauge
// from the committed store snapshot.
func collectNeighborhoodSize(ctx context.Context, store *storage.MemoryStore, collector *profilemetrics.Collector) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		collector.NeighborhoodSize.Set(float64(len(store.Snapshot())))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// watchReadiness notifies systemd once the initial full neighborhood sync
// completes.
func watchReadiness(ctx context.Context, readiness *coordination.Readiness, logger *slog.Logger) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if readiness.Initialized() {
			notifyReady(logger)
			<-ctx.Done()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed its initial full neighborhood sync.
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

// notifyStopping sends STOPPING=1 to systemd.
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

// gracefulShutdown shuts down the metrics HTTP server within a bounded
// timeout. The session engine observes shutdown.Done() directly and
// tears itself down as part of its own Run loop.
func gracefulShutdown(ctx context.Context, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// listenAndServe creates a TCP listener and serves HTTP requests until the
// server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server exposing the Prometheus metrics
// endpoint, a health endpoint backed by Readiness.Initialized(), and the
// neighborctl admin JSON API.
func newMetricsServer(
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	readiness *coordination.Readiness,
	admin *adminapi.Handler,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		if !readiness.Initialized() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("sync pending\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	admin.Register(mux)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// loadIdentity reads the PEM-encoded public key at keyPath and combines it
// with the identity section of the configuration.
func loadIdentity(keyPath string, cfg config.IdentityConfig) (lbnclient.Identity, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return lbnclient.Identity{}, fmt.Errorf("read identity key %s: %w", keyPath, err)
	}
	if len(raw) == 0 {
		return lbnclient.Identity{}, fmt.Errorf("identity key %s is empty", keyPath)
	}

	return lbnclient.Identity{
		PublicKey:       raw,
		ServerIP:        cfg.ServerInterface,
		PrimaryRolePort: uint16(cfg.PrimaryRolePort),
	}, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

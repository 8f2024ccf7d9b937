package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/karateway/internal/audit"
	"github.com/wudi/karateway/internal/bootstrap"
	"github.com/wudi/karateway/internal/configloader"
	"github.com/wudi/karateway/internal/gatewaycore"
	"github.com/wudi/karateway/internal/health"
	"github.com/wudi/karateway/internal/logging"
	"github.com/wudi/karateway/internal/metrics"
	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/proxy"
	"github.com/wudi/karateway/internal/ratelimit"
	"github.com/wudi/karateway/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// snapshotServiceSource adapts configloader.Loader to health.ServiceSource,
// reading the service set from whatever snapshot is current at probe time.
type snapshotServiceSource struct {
	loader *configloader.Loader
}

func (s snapshotServiceSource) Services() []model.BackendService {
	return s.loader.Snapshot().Services()
}

func main() {
	configPath := flag.String("config", "/etc/karateway/karateway.yaml", "Path to bootstrap config")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Karateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := bootstrap.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load bootstrap config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Config{Level: cfg.LogLevel, Output: cfg.LogOutput})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetGlobal(logger)

	logging.Info("starting karateway", zap.String("version", version), zap.String("listen_addr", cfg.ListenAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		logging.Error("failed to open config store", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	collector := metrics.New("karateway", "gateway")

	loader := configloader.New(configloader.AdaptStore(st), configloader.Config{
		Interval:      cfg.ConfigReloadInterval,
		ListenEnabled: cfg.ConfigReloadListen,
		NotifyChannel: cfg.ConfigNotifyChannel,
		Collector:     collector,
	})
	if err := loader.Reload(ctx); err != nil {
		logging.Error("initial config load failed", zap.Error(err))
		os.Exit(1)
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.New(rdb)
	} else {
		logging.Info("redis_addr not configured, rate limiting disabled")
	}

	checker := health.New(snapshotServiceSource{loader}, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, collector)
	engine := proxy.New(cfg.ProxyTimeout)
	auditSink := audit.New(st)

	handler := gatewaycore.New(loader, checker, limiter, engine, auditSink, collector, st)

	proxyServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if loader.Snapshot() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loader.Run(gctx)
	})

	g.Go(func() error {
		return checker.Run(gctx)
	})

	g.Go(func() error {
		return auditSink.Run(gctx)
	})

	g.Go(func() error {
		logging.Info("proxy listener starting", zap.String("addr", cfg.ListenAddr))
		errCh := make(chan error, 1)
		go func() { errCh <- proxyServer.ListenAndServe() }()
		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("proxy listener: %w", err)
			}
			return nil
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return proxyServer.Shutdown(shutdownCtx)
		}
	})

	g.Go(func() error {
		logging.Info("metrics listener starting", zap.String("addr", cfg.MetricsAddr))
		errCh := make(chan error, 1)
		go func() { errCh <- metricsServer.ListenAndServe() }()
		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		}
	})

	if err := g.Wait(); err != nil {
		logging.Error("karateway stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("karateway stopped cleanly")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/okian/bawo/internal/adapters/http/api"
	"github.com/okian/bawo/internal/adapters/http/docs"
	"github.com/okian/bawo/internal/adapters/lock"
	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/adapters/repository"
	service "github.com/okian/bawo/internal/app"
	"github.com/okian/bawo/internal/config"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 30 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 15 * time.Second
	redisPingTimeout          = 3 * time.Second
	nanosecondsPerMillisecond = 1e6
	lockPrefix                = "bawo:"
)

func main() {
	// Custom system metrics replace the default Go collectors.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		os.Stderr.WriteString("bawo: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	db, err := repository.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := repository.Close(db); err != nil {
			log.Error(ctx, "close store", logger.Error(err))
		}
	}()

	var opts []service.Option
	opts = append(opts, service.WithLogger(log.Named("service")))
	locker, closeRedis, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()
	if locker != nil {
		opts = append(opts, service.WithLocker(locker))
	}

	svc, err := service.New(cfg, db, newRail(cfg, log), opts...)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(ctx, cfg, svc, log),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr), logger.String("rail", cfg.RailMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	// Drains queued payouts before the store closes.
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "service stop failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newRail selects the configured payment rail and bounds every call.
func newRail(cfg *config.Config, log logger.Logger) rail.Rail {
	var r rail.Rail
	switch cfg.RailMode {
	case "http":
		r = rail.NewHTTP(cfg.RailURL, cfg.RailClientID, cfg.RailSecret, rail.WithRailLogger(log.Named("rail")))
	default:
		r = rail.NewSimulated()
	}
	return rail.NewBounded(r, cfg.SendTimeout, cfg.ConfirmTimeout)
}

// newLocker returns a Redis lease lock when redis_addr is set. A nil locker
// leaves the service on its in-process lock.
func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return lock.NewRedis(client, lockPrefix), func() { _ = client.Close() }, nil
}

// newRouter mounts the API and its documentation.
func newRouter(ctx context.Context, cfg *config.Config, svc *service.Service, log logger.Logger) *mux.Router {
	opts := []api.Option{api.WithLogger(log.Named("api"))}
	if cfg.JWTSecret != "" {
		opts = append(opts, api.WithAuthenticator(api.NewAuthenticator(cfg.JWTSecret, 0)))
	}
	r := mux.NewRouter()
	api.NewServer(svc, svc, opts...).Register(ctx, r)
	docs.Register(ctx, r)
	return r
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the queue and pool gauges, which
// GetStats sets as a side effect.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = svc.GetStats()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

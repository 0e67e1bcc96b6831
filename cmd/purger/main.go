// Command purger runs the Cup Streaming maintenance daemon: it sweeps
// expired session tokens and stale view-dedup markers out of the shared
// durable store on an interval, and exposes health and metrics endpoints
// for the deployment to scrape.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cupstream/internal/auth"
	"cupstream/internal/clock"
	"cupstream/internal/engagement"
	"cupstream/internal/kv"
	"cupstream/internal/observability/logging"
	"cupstream/internal/observability/metrics"
	"cupstream/internal/serverutil"
)

func main() {
	storeDriver := flag.String("store", "", "durable store driver (memory, redis, or postgres)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the durable store")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the durable store")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections in the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	interval := flag.Duration("interval", 0, "delay between maintenance sweeps")
	opTimeout := flag.Duration("sweep-timeout", 0, "deadline for a single sweep")
	retention := flag.Duration("retention", 0, "how long expired tokens are kept before removal")
	window := flag.Duration("window", 0, "view deduplication window")
	opsAddr := flag.String("ops-addr", "", "listen address for /healthz and /metrics")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CUPSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CUPSTREAM_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	driver := resolveStoreDriver(*storeDriver, os.Getenv("CUPSTREAM_STORE_DRIVER"))
	store, closeStore, err := openStore(driver, storeConfig{
		RedisAddr:        firstNonEmpty(*redisAddr, os.Getenv("CUPSTREAM_REDIS_ADDR")),
		RedisAddrs:       splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("CUPSTREAM_REDIS_ADDRS"))),
		RedisUsername:    firstNonEmpty(*redisUsername, os.Getenv("CUPSTREAM_REDIS_USERNAME")),
		RedisPassword:    firstNonEmpty(*redisPassword, os.Getenv("CUPSTREAM_REDIS_PASSWORD")),
		RedisMasterName:  firstNonEmpty(*redisMasterName, os.Getenv("CUPSTREAM_REDIS_MASTER_NAME")),
		RedisPoolSize:    resolveInt(*redisPoolSize, "CUPSTREAM_REDIS_POOL_SIZE"),
		PostgresDSN:      firstNonEmpty(*postgresDSN, os.Getenv("CUPSTREAM_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		PostgresMaxConns: resolveInt(*postgresMaxConns, "CUPSTREAM_POSTGRES_MAX_CONNS"),
		PostgresMinConns: resolveInt(*postgresMinConns, "CUPSTREAM_POSTGRES_MIN_CONNS"),
		PostgresAppName:  firstNonEmpty(*postgresAppName, os.Getenv("CUPSTREAM_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open durable store", "driver", driver, "error", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenManager(store,
		auth.WithClock(clock.System()),
		auth.WithRetention(resolveDuration(*retention, "CUPSTREAM_TOKEN_RETENTION", auth.DefaultRetention)),
		auth.WithRecorder(recorder),
	)
	counter := engagement.NewCounter(store,
		engagement.WithClock(clock.System()),
		engagement.WithWindow(resolveDuration(*window, "CUPSTREAM_VIEW_WINDOW", engagement.DefaultWindow)),
		engagement.WithRecorder(recorder),
	)

	sweepInterval := resolveDuration(*interval, "CUPSTREAM_PURGE_INTERVAL", 15*time.Minute)
	sweepTimeout := resolveDuration(*opTimeout, "CUPSTREAM_SWEEP_TIMEOUT", time.Minute)
	listenAddr := firstNonEmpty(*opsAddr, os.Getenv("CUPSTREAM_OPS_ADDR"), ":9090")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(tokens))
	mux.Handle("/metrics", recorder.Handler())
	opsServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("cupstream purger starting",
		"store", driver,
		"interval", sweepInterval.String(),
		"ops_addr", listenAddr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runSweeper(groupCtx, logging.WithComponent(logger, "sweeper"), tokens, counter, sweepInterval, sweepTimeout, nil)
	})
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{Server: opsServer})
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("purger stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeStore != nil {
		if err := closeStore(shutdownCtx); err != nil {
			logger.Warn("failed to close durable store", "error", err)
		}
	}
	logger.Info("purger stopped")
}

type storeConfig struct {
	RedisAddr        string
	RedisAddrs       []string
	RedisUsername    string
	RedisPassword    string
	RedisMasterName  string
	RedisPoolSize    int
	PostgresDSN      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresAppName  string
}

func openStore(driver string, cfg storeConfig) (kv.Store, func(context.Context) error, error) {
	switch driver {
	case "memory":
		return kv.NewMemoryStore(), nil, nil
	case "redis":
		store, err := kv.NewRedisStore(kv.RedisConfig{
			Addr:       cfg.RedisAddr,
			Addrs:      cfg.RedisAddrs,
			Username:   cfg.RedisUsername,
			Password:   cfg.RedisPassword,
			MasterName: cfg.RedisMasterName,
			PoolSize:   cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres store selected without DSN")
		}
		var opts []kv.PostgresOption
		if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
			opts = append(opts, kv.WithPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)))
		}
		if cfg.PostgresAppName != "" {
			opts = append(opts, kv.WithApplicationName(cfg.PostgresAppName))
		}
		store, err := kv.NewPostgresStore(context.Background(), cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func healthHandler(pinger interface {
	Ping(ctx context.Context) error
}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			slog.Default().Warn("health check failed", "error", err)
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func resolveStoreDriver(flagValue, envValue string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	return "memory"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetglass/fleetglass/internal/api"
	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/janitor"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/notify"
	"github.com/fleetglass/fleetglass/internal/ratelimit"
	"github.com/fleetglass/fleetglass/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	redisURL      string
	secretKey     string
	sessionSecret string
	sessionIssuer string
	gracePeriod   int
	corsOrigins   []string
	heartbeat     time.Duration
	regTTL        time.Duration
	pushURL       string
	iconBaseURL   string
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetglass-server",
		Short: "FleetGlass server - fleet monitoring control plane",
		Long: `FleetGlass server is the control plane of the FleetGlass monitoring
system. It terminates agent WebSocket sessions, fans status changes out to
client event streams, and runs the registration code flow that binds agents
to their owners.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETGLASS_HTTP_ADDR", ":8080"), "HTTP listen address (REST, SSE and agent WebSocket)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETGLASS_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETGLASS_DB_DSN", "./fleetglass.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envOrDefault("FLEETGLASS_REDIS_URL", ""), "Redis URL for the cluster broker; empty runs the in-memory broker")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FLEETGLASS_SECRET_KEY", ""), "Master secret for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.sessionSecret, "session-secret", envOrDefault("FLEETGLASS_SESSION_SECRET", ""), "Shared secret the identity service signs session tokens with (required)")
	root.PersistentFlags().StringVar(&cfg.sessionIssuer, "session-issuer", envOrDefault("FLEETGLASS_SESSION_ISSUER", "fleetglass"), "Expected issuer of session tokens")
	root.PersistentFlags().IntVar(&cfg.gracePeriod, "grace-period", envIntOrDefault("FLEETGLASS_GRACE_PERIOD", 120), "Default grace period in seconds before a silent agent goes offline")
	root.PersistentFlags().StringSliceVar(&cfg.corsOrigins, "cors-origins", envSlice("FLEETGLASS_CORS_ORIGINS"), "Allowed Origins for browser SSE clients")
	root.PersistentFlags().DurationVar(&cfg.heartbeat, "heartbeat", 30*time.Second, "SSE keep-alive cadence")
	root.PersistentFlags().DurationVar(&cfg.regTTL, "registration-ttl", time.Minute, "How long a registration code stays claimable")
	root.PersistentFlags().StringVar(&cfg.pushURL, "push-url", envOrDefault("FLEETGLASS_PUSH_URL", notify.DefaultExpoURL), "Push gateway endpoint; empty disables device pushes")
	root.PersistentFlags().StringVar(&cfg.iconBaseURL, "icon-base-url", envOrDefault("FLEETGLASS_ICON_BASE_URL", ""), "Base URL for notification icons")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETGLASS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetglass-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required, set --secret-key or FLEETGLASS_SECRET_KEY")
	}
	if cfg.sessionSecret == "" {
		return fmt.Errorf("session secret is required, set --session-secret or FLEETGLASS_SESSION_SECRET")
	}

	logger.Info("starting fleetglass server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Bool("redis_broker", cfg.redisURL != ""),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The encryption key is derived, not used raw, so the operator secret
	// can be any length.
	derived := sha256.Sum256([]byte(cfg.secretKey))
	if err := db.InitEncryption(derived[:]); err != nil {
		return fmt.Errorf("initializing field encryption: %w", err)
	}

	gdb, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(ctx, gdb); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	bus, err := buildBroker(ctx, cfg, m, logger)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	st := store.New(gdb, clock, logger)

	var pusher notify.Pusher
	if cfg.pushURL != "" {
		pusher = notify.NewExpoPusher(cfg.pushURL, logger)
	}
	st.SetNotifier(notify.New(bus, st, pusher, cfg.iconBaseURL, logger))

	limiter := ratelimit.New()
	go pruneLimiter(ctx, limiter)

	jan, err := janitor.New(st, m.RegistrationsPurged, logger)
	if err != nil {
		return err
	}
	if err := jan.Start(); err != nil {
		return err
	}
	defer func() {
		if err := jan.Stop(); err != nil {
			logger.Warn("stopping janitor", zap.Error(err))
		}
	}()

	router := api.NewRouter(api.RouterConfig{
		Store:              st,
		Broker:             bus,
		Clock:              clock,
		Resolver:           auth.NewSessionResolver([]byte(cfg.sessionSecret), cfg.sessionIssuer),
		Limiter:            limiter,
		Logger:             logger,
		Metrics:            m,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		RegistrationTTL:    cfg.regTTL,
		DefaultGracePeriod: cfg.gracePeriod,
		Heartbeat:          cfg.heartbeat,
		CORSOrigins:        cfg.corsOrigins,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down fleetglass server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildBroker picks the cluster Redis broker when a URL is configured and
// the in-memory one otherwise. Either way the drop hook feeds the metrics.
func buildBroker(ctx context.Context, cfg *config, m *metrics.Metrics, logger *zap.Logger) (broker.Broker, error) {
	if cfg.redisURL == "" {
		b := broker.NewMemory(logger)
		b.SetDropHook(func(string) { m.BrokerDrops.Inc() })
		return b, nil
	}

	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	b := broker.NewRedis(rdb, logger)
	b.SetDropHook(func(string) { m.BrokerDrops.Inc() })
	return b, nil
}

// pruneLimiter reclaims idle rate-limit buckets until ctx ends.
func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limiter.Prune(time.Hour)
		case <-ctx.Done():
			return
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

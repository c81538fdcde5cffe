package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"deptgate/internal/alert"
	"deptgate/internal/api"
	"deptgate/internal/circuitbreaker"
	"deptgate/internal/config"
	"deptgate/internal/conversation"
	"deptgate/internal/cost"
	"deptgate/internal/crypto"
	"deptgate/internal/domain"
	"deptgate/internal/gateway"
	"deptgate/internal/httputil"
	"deptgate/internal/metrics"
	"deptgate/internal/provider"
	"deptgate/internal/provider/anthropicmsg"
	"deptgate/internal/provider/bedrock"
	"deptgate/internal/provider/openaicompat"
	"deptgate/internal/quota"
	"deptgate/internal/ratelimit"
	"deptgate/internal/registry"
	"deptgate/internal/secrets"
	"deptgate/internal/telemetry"
	"deptgate/internal/usage"
)

// departmentLister is implemented by both department store backends; the
// budget monitor sweep needs the full roster.
type departmentLister interface {
	quota.DepartmentStore
	ListDepartments(ctx context.Context) ([]*domain.Department, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting deptgate", "addr", cfg.Addr, "admin_addr", cfg.AdminAddr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "deptgate", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	var awsCfg *aws.Config
	if cfg.AWSRegion != "" {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			pingCancel()
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		pingCancel()
		slog.Info("connected to postgres")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			pingCancel()
			slog.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		pingCancel()
		slog.Info("connected to redis")
	}

	// Stores: postgres when a database is configured, in-memory otherwise.
	var (
		configStore api.WritableConfigStore
		deptStore   departmentLister
		convStore   conversation.Store
		sink        usage.Sink
	)
	if db != nil {
		configStore = registry.NewPostgresConfigStore(db)
		deptStore = quota.NewPostgresDepartmentStore(db)
		convStore = conversation.NewPostgresStore(db)
		sink = usage.NewPostgresSink(db)
	} else {
		configStore = registry.NewInMemoryConfigStore()
		deptStore = quota.NewInMemoryDepartmentStore()
		convStore = conversation.NewInMemoryStore()
		sink = usage.NewInMemorySink()
		slog.Warn("no DATABASE_URL configured, using in-memory stores")
	}

	if cfg.UsageQueueURL != "" && awsCfg != nil {
		sink = usage.NewMultiSink(sink, usage.NewSQSSinkWithConfig(*awsCfg, cfg.UsageQueueURL))
		slog.Info("forwarding usage events to SQS", "queue", cfg.UsageQueueURL)
	}

	// Quota ledger, rate limiter and alert dedup share the Redis client so
	// multiple gateway instances agree on budget state.
	var (
		ledger  quota.Ledger
		quotas  api.QuotaReader
		limiter ratelimit.RateLimiter
		dedup   alert.Deduplicator
	)
	if redisClient != nil {
		redisLedger := quota.NewRedisLedgerWithClient(redisClient, deptStore)
		ledger, quotas = redisLedger, redisLedger
		limiter = ratelimit.NewRedisRateLimiter(redisClient)
		dedup = alert.NewRedisDeduplicator(redisClient, time.Hour)
		slog.Info("using redis quota ledger")
	} else {
		memLedger := quota.NewMemoryLedger(deptStore)
		ledger, quotas = memLedger, memLedger
		limiter = ratelimit.NewInMemoryRateLimiter()
		dedup = alert.NewInMemoryDeduplicator()
		slog.Info("using in-memory quota ledger")
	}

	var awsSecrets *secrets.AWSSecretsManager
	if awsCfg != nil {
		awsSecrets = secrets.NewAWSSecretsManagerWithConfig(*awsCfg)
	}
	resolver := secrets.NewChainResolver(awsSecrets)

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor = crypto.NewEncryptor(cfg.EncryptionKey)
	}

	factories := map[domain.Provider]registry.Factory{
		domain.ProviderOpenAICompat: func(mc *domain.ModelConfig, credential string) (provider.Adapter, error) {
			return openaicompat.New(credential, httputil.StreamingClient()), nil
		},
		domain.ProviderAnthropic: func(mc *domain.ModelConfig, credential string) (provider.Adapter, error) {
			return anthropicmsg.New(credential, httputil.StreamingClient()), nil
		},
	}
	if awsCfg != nil {
		bedrockAdapter := bedrock.NewWithConfig(*awsCfg)
		factories[domain.ProviderBedrock] = func(mc *domain.ModelConfig, credential string) (provider.Adapter, error) {
			return bedrockAdapter, nil
		}
	}

	reg := registry.New(configStore, resolver, encryptor, factories)
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())

	orch := gateway.New(gateway.Deps{
		Registry:      reg,
		Ledger:        ledger,
		Departments:   deptStore,
		Estimator:     cost.NewEstimator(),
		Usage:         sink,
		Conversations: conversation.NewReconciler(convStore),
		Limiter:       limiter,
		Breakers:      breakers,
	}, gateway.Config{
		MaxMessageBytes: cfg.MaxMessageBytes,
		StreamTimeout:   cfg.StreamTimeout,
	})

	monitor := alert.NewMonitor(quotas, dedup, alert.DefaultThresholds())
	monitor.OnAlert(alert.LogHandler)
	if cfg.AlertTopicARN != "" && awsCfg != nil {
		monitor.OnAlert(alert.NotifyHandler(alert.NewSNSNotifier(*awsCfg, cfg.AlertTopicARN)))
		slog.Info("publishing budget alerts to SNS", "topic", cfg.AlertTopicARN)
	}
	go runBudgetSweep(ctx, monitor, deptStore, quotas)

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: orch,
		Breakers:     breakers,
	})
	adminHandler := api.NewAdminHandler(configStore, reg, quotas)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Write timeout must exceed the longest allowed stream.
		WriteTimeout: cfg.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	adminSrv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		slog.Info("admin server listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// runBudgetSweep periodically evaluates every department against its budget
// thresholds and refreshes the usage-ratio gauge.
func runBudgetSweep(ctx context.Context, monitor *alert.Monitor, depts departmentLister, quotas api.QuotaReader) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			all, err := depts.ListDepartments(ctx)
			if err != nil {
				slog.Warn("budget sweep: failed to list departments", "error", err)
				continue
			}
			for _, dept := range all {
				if _, err := monitor.Check(ctx, dept); err != nil {
					slog.Warn("budget sweep: check failed", "department_id", dept.ID, "error", err)
					continue
				}
				if dept.MonthlyBudgetUSD > 0 {
					if snap, err := quotas.Snapshot(ctx, dept.ID); err == nil {
						metrics.SetBudgetUsage(dept.ID, snap.CommittedUSD/dept.MonthlyBudgetUSD)
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

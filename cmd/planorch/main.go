// Command planorch runs the plan orchestrator: the HTTP API, the plan
// queue worker loop, the background retention sweep, and the health
// monitor of the remote tool agent at TOOL_AGENT_TARGET (default
// localhost:9090).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"

	"github.com/planmesh/orchestrator/pkg/api"
	"github.com/planmesh/orchestrator/pkg/approval"
	"github.com/planmesh/orchestrator/pkg/authsession"
	"github.com/planmesh/orchestrator/pkg/cleanup"
	"github.com/planmesh/orchestrator/pkg/config"
	"github.com/planmesh/orchestrator/pkg/dedup"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planrun"
	"github.com/planmesh/orchestrator/pkg/planstate"
	"github.com/planmesh/orchestrator/pkg/policy"
	"github.com/planmesh/orchestrator/pkg/queueadapter"
	"github.com/planmesh/orchestrator/pkg/ratelimit"
	"github.com/planmesh/orchestrator/pkg/sse"
	"github.com/planmesh/orchestrator/pkg/toolagent"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// defaultCapabilityGrants is the built-in capability -> role/scope table.
// A deployment that needs a different mapping supplies its own subjects
// with the capability already present as a scope (Enforcer.granted checks
// scopes verbatim), so this table only needs to cover the roles this
// distribution ships with.
var defaultCapabilityGrants = map[string][]string{
	"plan.create":  {"user", "admin"},
	"plan.events":  {"user", "admin"},
	"plan.decide":  {"approver", "admin"},
	"plan.approve": {"approver", "admin"},
	"chat.route":   {"user", "admin"},
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v; continuing with existing environment", envPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	logger := slog.With("component", "planorch")
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	store, closeStore, err := buildPlanStateStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to build plan state store: %v", err)
	}
	defer closeStore()

	dedupeSvc, closeDedupe, err := buildDedupeService(cfg)
	if err != nil {
		log.Fatalf("failed to build dedup service: %v", err)
	}
	defer closeDedupe()

	bus := eventbus.New(200, 256)

	metrics := queueadapter.NewMetrics(nil)
	queue, closeQueue, err := buildQueueAdapter(cfg, dedupeSvc, metrics)
	if err != nil {
		log.Fatalf("failed to build queue adapter: %v", err)
	}
	defer closeQueue()

	enforcer := policy.NewEnforcer(defaultCapabilityGrants)

	toolTarget := getEnv("TOOL_AGENT_TARGET", "localhost:9090")
	toolClient, err := toolagent.NewClient(toolagent.Config{Target: toolTarget})
	if err != nil {
		log.Fatalf("failed to dial tool agent at %s: %v", toolTarget, err)
	}
	defer func() { _ = toolClient.Close() }()
	healthMonitor := toolagent.NewHealthMonitor(toolClient)

	rt := planrun.New(store, bus, queue, dedupeSvc, enforcer, toolClient, planrun.Config{
		DedupTTL: cfg.Dedupe.SweepInterval,
	})

	if err := rt.Recover(ctx); err != nil {
		log.Fatalf("failed to recover in-flight plans: %v", err)
	}

	runtimeDone := make(chan error, 1)
	go func() { runtimeDone <- rt.Run(ctx) }()

	approvals := approval.NewService(rt, bus, store, enforcer, approval.NewSlogAuditSink(nil))

	sessions := authsession.NewStore()

	rateLimitMgr := ratelimit.NewManager(buildRateLimitStore(cfg), map[string]ratelimit.EndpointConfig{
		"plan":      {WindowMs: cfg.Server.RateLimits.Plan.WindowMs, MaxRequests: cfg.Server.RateLimits.Plan.MaxRequests},
		"chat":      {WindowMs: cfg.Server.RateLimits.Chat.WindowMs, MaxRequests: cfg.Server.RateLimits.Chat.MaxRequests},
		"auth":      {WindowMs: cfg.Server.RateLimits.Auth.WindowMs, MaxRequests: cfg.Server.RateLimits.Auth.MaxRequests},
		"remote_fs": {WindowMs: cfg.Server.RateLimits.RemoteFS.WindowMs, MaxRequests: cfg.Server.RateLimits.RemoteFS.MaxRequests},
	})

	sseQuota := sse.NewQuota(sse.QuotaConfig{
		PerIP:      cfg.Server.SSEQuotaPerIP,
		PerSubject: cfg.Server.SSEQuotaPerSubject,
	})

	cleanupSvc := cleanup.NewService(cleanup.Config{
		PlanArtifactRetention: cfg.Retention.Duration(),
	}, store, bus, sessions)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	srv := api.NewServer(api.Deps{
		Config:          cfg,
		Runtime:         rt,
		Approvals:       approvals,
		Bus:             bus,
		Store:           store,
		Sessions:        sessions,
		PolicyEnf:       enforcer,
		Limiter:         rateLimitMgr,
		SSEQuota:        sseQuota,
		Queue:           queue,
		CompletionQueue: "step-completions",
	})
	srv.SetToolHealthMonitor(healthMonitor)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Server.Addr, err)
	}

	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.StartWithListener(ln) }()

	logger.Info("planorch started", "addr", cfg.Server.Addr, "run_mode", cfg.RunMode)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runtimeDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("plan runtime exited", "error", err)
		}
	case err := <-httpDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildPlanStateStore(ctx context.Context, cfg *config.Config) (planstate.Store, func(), error) {
	switch cfg.PlanState.Backend {
	case config.PlanStatePostgres:
		store, err := planstate.NewPostgresStore(ctx, planstate.PostgresConfig{
			DSN:         cfg.PlanState.Postgres.DSN,
			MaxConns:    cfg.PlanState.Postgres.MaxConns,
			MinConns:    cfg.PlanState.Postgres.MinConns,
			RetentionMs: cfg.PlanState.RetentionMs,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		path := cfg.PlanState.FilePath
		if path == "" {
			path = "plan-state.json"
		}
		store := planstate.NewFileStore(path, cfg.PlanState.RetentionMs)
		return store, func() { _ = store.Close() }, nil
	}
}

func buildDedupeService(cfg *config.Config) (dedup.Service, func(), error) {
	switch cfg.Dedupe.Provider {
	case config.KVBackendSharedKV:
		client := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_URL", "localhost:6379")})
		svc := dedup.NewRedisService(client, cfg.Dedupe.RedisKeyPrefix)
		return svc, func() { _ = svc.Close() }, nil
	default:
		svc := dedup.NewMemoryService(cfg.Dedupe.SweepInterval)
		return svc, func() { _ = svc.Close() }, nil
	}
}

func buildQueueAdapter(cfg *config.Config, dedupeSvc dedup.Service, metrics *queueadapter.Metrics) (queueadapter.Adapter, func(), error) {
	onDeadLetter := func(dl queueadapter.DeadLetter) {
		slog.Error("message dead-lettered", "queue", dl.Queue, "attempts", dl.Attempts, "reason", dl.Reason)
	}

	switch cfg.Messaging.Type {
	case config.MessagingAMQP:
		adapter := queueadapter.NewAMQPAdapter(queueadapter.AMQPConfig{
			URL:          cfg.Messaging.AMQP.URL,
			Prefetch:     cfg.Messaging.AMQP.Prefetch,
			MaxAttempts:  cfg.Messaging.AMQP.MaxAttempts,
			ReconnectMin: cfg.Messaging.AMQP.ReconnectMin,
			ReconnectMax: cfg.Messaging.AMQP.ReconnectMax,
			Tenant:       cfg.Messaging.AMQP.Tenant,
		}, dedupeSvc, metrics, onDeadLetter)
		return adapter, func() { _ = adapter.Close() }, nil
	case config.MessagingLogBased:
		adapter := queueadapter.NewNATSLogAdapter(queueadapter.NATSConfig{
			URL:          cfg.Messaging.NATS.URL,
			Partitions:   cfg.Messaging.NATS.Partitions,
			MaxAttempts:  cfg.Messaging.NATS.MaxAttempts,
			FetchTimeout: cfg.Messaging.NATS.FetchTimeout,
			Tenant:       cfg.Messaging.NATS.Tenant,
		}, dedupeSvc, metrics, onDeadLetter)
		return adapter, func() { _ = adapter.Close() }, nil
	default:
		adapter := queueadapter.NewMemoryAdapter(dedupeSvc, metrics, "default",
			cfg.Messaging.Memory.MaxAttempts, cfg.Messaging.Memory.RetryDelay,
			queueadapter.WithOnDeadLetter(onDeadLetter))
		return adapter, func() { _ = adapter.Close() }, nil
	}
}

func buildRateLimitStore(cfg *config.Config) limiter.Store {
	if cfg.Server.RateLimits.Backend == config.KVBackendSharedKV {
		client := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_URL", "localhost:6379")})
		store, err := ratelimit.NewRedisStore(client, "ratelimit:")
		if err != nil {
			log.Fatalf("failed to build redis rate limit store: %v", err)
		}
		return store
	}
	return ratelimit.NewMemoryStore()
}

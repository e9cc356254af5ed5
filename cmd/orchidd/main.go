// orchidd is the orchestration daemon: the run API and the outbox delivery
// worker in one process. State lives in Postgres, plans in MinIO, delivered
// events go to Redis Streams. Provider-side execution is handled by the
// in-process mock adapter and, when enabled, a Temporal cluster.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchid-labs/orchid-go/internal/api"
	"github.com/orchid-labs/orchid-go/internal/auth"
	busredis "github.com/orchid-labs/orchid-go/internal/bus/redis"
	"github.com/orchid-labs/orchid-go/internal/engine"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
	"github.com/orchid-labs/orchid-go/internal/outbox"
	"github.com/orchid-labs/orchid-go/internal/planfetch"
	"github.com/orchid-labs/orchid-go/internal/platform/auditlog"
	"github.com/orchid-labs/orchid-go/internal/platform/env"
	"github.com/orchid-labs/orchid-go/internal/platform/httpserver"
	"github.com/orchid-labs/orchid-go/internal/platform/objectstore"
	"github.com/orchid-labs/orchid-go/internal/platform/postgres"
	"github.com/orchid-labs/orchid-go/internal/provider"
	"github.com/orchid-labs/orchid-go/internal/provider/mock"
	"github.com/orchid-labs/orchid-go/internal/provider/temporal"
	repopg "github.com/orchid-labs/orchid-go/internal/repo/postgres"
)

const service = "orchidd"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHID_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ORCHID_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store := repopg.NewStore(db)
	outboxStore := repopg.NewOutbox(db)

	busCfg, err := busredis.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	eventBus, err := busredis.NewStreamBus(busCfg)
	if err != nil {
		logger.Error("redis bus init failed", "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	planSource, err := planfetch.NewObjectSource(storeClient, storeCfg.BucketPlans)
	if err != nil {
		logger.Error("plan source init failed", "error", err)
		os.Exit(2)
	}
	planCfg, err := planfetch.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid plan fetch config", "error", err)
		os.Exit(2)
	}
	fetcher, err := planfetch.NewFetcher(planSource, planCfg)
	if err != nil {
		logger.Error("plan fetcher init failed", "error", err)
		os.Exit(2)
	}

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := provider.NewRegistry()
	mockAdapter, err := mock.NewAdapter(store, fetcher, nil, interpreter.Config{
		MaxLayersPerExecution: 50,
		MaxContinuations:      1000,
	}, logger)
	if err != nil {
		logger.Error("mock adapter init failed", "error", err)
		os.Exit(2)
	}
	if err := registry.Register(mockAdapter); err != nil {
		logger.Error("adapter registration failed", "error", err)
		os.Exit(2)
	}

	temporalEnabled, err := env.Bool("ORCHID_TEMPORAL_ENABLED", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if temporalEnabled {
		temporalCfg, err := temporal.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid temporal config", "error", err)
			os.Exit(2)
		}
		temporalClient, err := temporal.Dial(temporalCfg)
		if err != nil {
			logger.Error("temporal unavailable", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		temporalAdapter, err := temporal.NewAdapter(temporalClient, temporalCfg)
		if err != nil {
			logger.Error("temporal adapter init failed", "error", err)
			os.Exit(2)
		}
		if err := registry.Register(temporalAdapter); err != nil {
			logger.Error("adapter registration failed", "error", err)
			os.Exit(2)
		}
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("authenticator init failed", "error", err)
		os.Exit(2)
	}

	var policy *auth.PolicySpec
	if policyPath := env.String("ORCHID_SIGNAL_POLICY_PATH", ""); policyPath != "" {
		raw, err := os.ReadFile(policyPath)
		if err != nil {
			logger.Error("signal policy unreadable", "path", policyPath, "error", err)
			os.Exit(2)
		}
		parsed, err := auth.ParsePolicy(raw)
		if err != nil {
			logger.Error("signal policy invalid", "path", policyPath, "error", err)
			os.Exit(2)
		}
		policy = &parsed
		logger.Info("signal policy loaded", "path", policyPath, "rules", len(parsed.Rules))
	}

	engineCfg, err := engine.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid engine config", "error", err)
		os.Exit(2)
	}
	eng, err := engine.New(engine.Deps{
		Store:    store,
		Registry: registry,
		Fetcher:  fetcher,
		Policy:   policy,
		Audit:    auditlog.NewRecorder(db, logger),
		Logger:   logger,
		Metrics:  metricsReg,
		Config:   engineCfg,
		ExtraChecks: map[string]func(context.Context) error{
			"outbox": outboxStore.Ping,
			"bus":    eventBus.Healthy,
		},
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	outboxCfg, err := outbox.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid outbox config", "error", err)
		os.Exit(2)
	}
	outboxWorker, err := outbox.NewWorker(outboxStore, eventBus, outboxCfg, logger, metricsReg)
	if err != nil {
		logger.Error("outbox worker init failed", "error", err)
		os.Exit(2)
	}
	go func() {
		if err := outboxWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox worker stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			service,
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "redis",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return eventBus.Healthy(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		report := eng.HealthCheck(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})

	api.New(logger, eng).Register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics", "/v1/health"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

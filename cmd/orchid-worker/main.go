// orchid-worker hosts the Temporal side of run execution: the interpreter
// workflow and its activities (plan fetch, event persistence, step work).
// It shares the Postgres event store and MinIO plan bucket with orchidd.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.temporal.io/sdk/worker"

	"github.com/orchid-labs/orchid-go/internal/planfetch"
	"github.com/orchid-labs/orchid-go/internal/platform/objectstore"
	"github.com/orchid-labs/orchid-go/internal/platform/postgres"
	"github.com/orchid-labs/orchid-go/internal/provider/temporal"
	repopg "github.com/orchid-labs/orchid-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

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
	if err := objectstore.CheckBuckets(startupCtx, storeClient, storeCfg); err != nil {
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

	activities, err := temporal.NewActivities(store, fetcher, temporal.EchoExecutor{})
	if err != nil {
		logger.Error("activities init failed", "error", err)
		os.Exit(2)
	}

	w := temporal.NewWorker(temporalClient, temporalCfg, activities)
	logger.Info("worker starting",
		"namespace", temporalCfg.Namespace,
		"task_queue", temporalCfg.TaskQueue,
	)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

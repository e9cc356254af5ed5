package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

var (
	_ repo.StateStore  = (*Store)(nil)
	_ repo.OutboxStore = (*Outbox)(nil)
)

// openTestDB connects to the database named by DATABASE_URL, applies the
// schema and empties the tables. Tests in this file are integration tests:
// they skip unless DATABASE_URL is set.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("postgres unreachable: %v", err)
	}

	ddl, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	// pgx's extended protocol takes one statement per exec.
	for _, stmt := range strings.Split(string(ddl), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	for _, table := range []string{"run_events", "run_snapshots", "run_metadata", "outbox", "outbox_dead_letters"} {
		if _, err := db.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return db
}

func integrationMetadata(runID string) domain.RunMetadata {
	return domain.RunMetadata{
		TenantID:      "t-1",
		ProjectID:     "p-1",
		EnvironmentID: "env-1",
		RunID:         runID,
		PlanID:        "plan-1",
		PlanVersion:   "v1",
		Provider:      domain.ProviderMock,
	}
}

func integrationEnvelope(key string, eventType domain.EventType) domain.EventEnvelope {
	return domain.EventEnvelope{
		Type:           eventType,
		LogicalAttempt: 1,
		IdempotencyKey: key,
		EmittedAt:      time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestIntegrationBootstrapConflict(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	if _, err := store.BootstrapRun(ctx, integrationMetadata("run-1"), []domain.EventEnvelope{
		integrationEnvelope("k1", domain.EventRunQueued),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.BootstrapRun(ctx, integrationMetadata("run-1"), nil); !errors.Is(err, repo.ErrRunExists) {
		t.Fatalf("duplicate bootstrap must fail with ErrRunExists, got %v", err)
	}
}

func TestIntegrationAppendIdempotent(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.AppendEvents(ctx, "run-1", []domain.EventEnvelope{integrationEnvelope("k1", domain.EventRunStarted)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Appended) != 1 || len(first.Deduped) != 0 {
		t.Fatalf("first append: appended=%d deduped=%d", len(first.Appended), len(first.Deduped))
	}

	second, err := store.AppendEvents(ctx, "run-1", []domain.EventEnvelope{integrationEnvelope("k1", domain.EventRunStarted)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Appended) != 0 || len(second.Deduped) != 1 {
		t.Fatalf("second append: appended=%d deduped=%d", len(second.Appended), len(second.Deduped))
	}
	if second.Deduped[0].EventID != first.Appended[0].EventID {
		t.Fatal("dedup must return the originally stored envelope")
	}
	if second.Deduped[0].RunSeq != first.Appended[0].RunSeq {
		t.Fatalf("deduped seq = %d, want %d", second.Deduped[0].RunSeq, first.Appended[0].RunSeq)
	}

	events, err := store.ListEvents(ctx, "run-1", repo.EventQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one stored event, got %d", len(events))
	}
}

func TestIntegrationSequenceDenseAcrossDuplicates(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	batch := []domain.EventEnvelope{
		integrationEnvelope("k1", domain.EventRunQueued),
		integrationEnvelope("k2", domain.EventRunStarted),
		integrationEnvelope("k1", domain.EventRunQueued), // duplicate, must not burn a seq
		integrationEnvelope("k3", domain.EventRunCompleted),
	}
	result, err := store.AppendEvents(ctx, "run-1", batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Appended) != 3 || len(result.Deduped) != 1 {
		t.Fatalf("appended=%d deduped=%d", len(result.Appended), len(result.Deduped))
	}
	for i, env := range result.Appended {
		if env.RunSeq != int64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, env.RunSeq, i+1)
		}
	}

	// Watermark pagination is exclusive on AfterSeq.
	page, err := store.ListEvents(ctx, "run-1", repo.EventQuery{AfterSeq: 1, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].RunSeq != 2 || page[1].RunSeq != 3 {
		t.Fatalf("page after seq 1 = %+v", page)
	}
}

func TestIntegrationSnapshotMaintained(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	if _, err := store.BootstrapRun(ctx, integrationMetadata("run-1"), []domain.EventEnvelope{
		integrationEnvelope("k1", domain.EventRunQueued),
		integrationEnvelope("k2", domain.EventRunStarted),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cached, err := store.GetSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rebuilt, err := store.ProjectSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached.Status != domain.RunRunning || rebuilt.Status != domain.RunRunning {
		t.Fatalf("cached=%s rebuilt=%s, want RUNNING", cached.Status, rebuilt.Status)
	}
	if cached.LastSeq != rebuilt.LastSeq {
		t.Fatalf("watermarks diverged: cached=%d rebuilt=%d", cached.LastSeq, rebuilt.LastSeq)
	}
}

func TestIntegrationOutboxClaimLeaseDeadLetter(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	outbox := NewOutbox(db)
	ctx := context.Background()

	if _, err := store.BootstrapRun(ctx, integrationMetadata("run-1"), []domain.EventEnvelope{
		integrationEnvelope("k1", domain.EventRunQueued),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.AppendAndEnqueue(ctx, "run-1", []domain.EventEnvelope{
		integrationEnvelope("k2", domain.EventRunStarted),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := outbox.Claim(ctx, 10, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want 2", len(claimed))
	}

	// Records under an unexpired lease are invisible.
	again, err := outbox.Claim(ctx, 10, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased records must not be reclaimed, got %d", len(again))
	}

	// A zero TTL treats every lease as expired.
	expired, err := outbox.Claim(ctx, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired leases must be reclaimable, got %d", len(expired))
	}

	if err := outbox.MarkFailed(ctx, claimed[1].ID, "bus unreachable"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failed, err := outbox.Claim(ctx, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var found bool
	for _, rec := range failed {
		if rec.ID == claimed[1].ID {
			found = true
			if rec.Attempts != 1 || rec.LastError != "bus unreachable" {
				t.Fatalf("failed record = %+v", rec)
			}
		}
	}
	if !found {
		t.Fatal("failed record left the queue")
	}

	if err := outbox.MarkDelivered(ctx, claimed[0].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := outbox.DeadLetter(ctx, claimed[1].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := outbox.CountUndelivered(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("undelivered = %d, want 0", count)
	}
	letters, err := outbox.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != claimed[1].ID || letters[0].Attempts != 1 {
		t.Fatalf("dead letters = %+v", letters)
	}
	if err := outbox.DeadLetter(ctx, claimed[1].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("dead-lettering twice must report ErrNotFound, got %v", err)
	}
}

func TestIntegrationProviderInfoRoundTrip(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	if _, err := store.BootstrapRun(ctx, integrationMetadata("run-1"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info := domain.ProviderInfo{
		WorkflowID: "wf-1",
		RunID:      "prov-run-1",
		Namespace:  "default",
		TaskQueue:  "orchid",
		Endpoint:   "temporal:7233",
	}
	if err := store.UpdateProviderInfo(ctx, "run-1", info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md, err := store.GetRunMetadata(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.ProviderWorkflowID != info.WorkflowID || md.ProviderRunID != info.RunID ||
		md.ProviderNamespace != info.Namespace || md.ProviderTaskQueue != info.TaskQueue ||
		md.ProviderEndpoint != info.Endpoint {
		t.Fatalf("provider info round trip: %+v", md)
	}
	if err := store.UpdateProviderInfo(ctx, "no-such-run", info); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown run must report ErrNotFound, got %v", err)
	}
}

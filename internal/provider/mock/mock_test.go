package mock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
	"github.com/orchid-labs/orchid-go/internal/provider"
	"github.com/orchid-labs/orchid-go/internal/repo"
	"github.com/orchid-labs/orchid-go/internal/repo/memory"
)

type staticFetcher struct{ plan domain.Plan }

func (f staticFetcher) Fetch(ctx context.Context, ref domain.PlanRef) (domain.Plan, error) {
	return f.plan, nil
}

func sequentialPlan() domain.Plan {
	return domain.Plan{
		ID:      "plan-1",
		Version: "1",
		Steps: []domain.PlanStep{
			{ID: "a", Uses: "actions/a"},
			{ID: "b", Uses: "actions/b", DependsOn: []string{"a"}},
		},
	}
}

func runContext() domain.RunContext {
	return domain.RunContext{
		TenantID:      "tenant-a",
		ProjectID:     "proj-1",
		EnvironmentID: "staging",
		RunID:         "run-1",
		Provider:      domain.ProviderMock,
	}
}

func planRef() domain.PlanRef {
	return domain.PlanRef{
		URI:           "s3://plans/p.json",
		ContentSHA256: "0000000000000000000000000000000000000000000000000000000000000000",
		SchemaVersion: "1.0",
		PlanID:        "plan-1",
		PlanVersion:   "1",
	}
}

func metadata() domain.RunMetadata {
	return domain.RunMetadata{
		TenantID:      "tenant-a",
		ProjectID:     "proj-1",
		EnvironmentID: "staging",
		RunID:         "run-1",
		PlanID:        "plan-1",
		PlanVersion:   "1",
		Provider:      domain.ProviderMock,
	}
}

func newTestAdapter(t *testing.T, store *memory.Store, plan domain.Plan, runner StepRunner) *Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter, err := NewAdapter(store, staticFetcher{plan: plan}, runner,
		interpreter.Config{MaxLayersPerExecution: 100, MaxContinuations: 10}, logger)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return adapter
}

func awaitStatus(t *testing.T, store *memory.Store, runID string, want domain.RunStatus) domain.RunSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := store.GetSnapshot(context.Background(), runID)
		if err == nil && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := store.GetSnapshot(context.Background(), runID)
	t.Fatalf("run never reached %s (last: %s)", want, snap.Status)
	return domain.RunSnapshot{}
}

func TestAdapterRunsPlanToCompletion(t *testing.T) {
	store := memory.NewStore(nil)
	adapter := newTestAdapter(t, store, sequentialPlan(), nil)

	info, err := adapter.StartRun(context.Background(), provider.StartInput{Run: runContext(), PlanRef: planRef()})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if info.WorkflowID != "run-1" {
		t.Fatalf("workflow id = %q", info.WorkflowID)
	}

	snap := awaitStatus(t, store, "run-1", domain.RunCompleted)
	for _, stepID := range []string{"a", "b"} {
		step, ok := snap.Steps[stepID]
		if !ok || step.Status != domain.StepCompleted {
			t.Fatalf("step %s = %+v, want completed", stepID, step)
		}
	}
	if len(snap.Artifacts) == 0 {
		t.Fatal("no artifacts recorded")
	}
}

func TestAdapterStartIsIdempotent(t *testing.T) {
	store := memory.NewStore(nil)
	adapter := newTestAdapter(t, store, sequentialPlan(), nil)

	ctx := context.Background()
	if _, err := adapter.StartRun(ctx, provider.StartInput{Run: runContext(), PlanRef: planRef()}); err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	if _, err := adapter.StartRun(ctx, provider.StartInput{Run: runContext(), PlanRef: planRef()}); err != nil {
		t.Fatalf("second StartRun: %v", err)
	}
	awaitStatus(t, store, "run-1", domain.RunCompleted)

	events, err := store.ListEvents(ctx, "run-1", repo.EventQuery{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	started := 0
	for _, e := range events {
		if e.Type == domain.EventRunStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("RunStarted events = %d, want 1", started)
	}
}

func TestAdapterCancelDuringLayer(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	runner := func(ctx context.Context, run domain.RunContext, step domain.PlanStep, attempt int) interpreter.StepResult {
		if step.ID == "a" {
			entered <- struct{}{}
			<-release
		}
		return interpreter.StepResult{StepID: step.ID}
	}

	store := memory.NewStore(nil)
	adapter := newTestAdapter(t, store, sequentialPlan(), runner)

	ctx := context.Background()
	if _, err := adapter.StartRun(ctx, provider.StartInput{Run: runContext(), PlanRef: planRef()}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	<-entered
	if err := adapter.CancelRun(ctx, metadata(), "operator request"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(release)

	snap := awaitStatus(t, store, "run-1", domain.RunCancelled)
	// Layer one finished before the boundary saw the cancel; step b never ran.
	if _, ok := snap.Steps["b"]; ok {
		t.Fatal("step b ran after cancel")
	}
}

func TestAdapterPauseResume(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	runner := func(ctx context.Context, run domain.RunContext, step domain.PlanStep, attempt int) interpreter.StepResult {
		if step.ID == "a" {
			entered <- struct{}{}
			<-release
		}
		return interpreter.StepResult{StepID: step.ID}
	}

	store := memory.NewStore(nil)
	adapter := newTestAdapter(t, store, sequentialPlan(), runner)

	ctx := context.Background()
	if _, err := adapter.StartRun(ctx, provider.StartInput{Run: runContext(), PlanRef: planRef()}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	<-entered
	if err := adapter.Signal(ctx, metadata(), domain.SignalRequest{SignalID: "s1", Type: domain.SignalPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(release)

	awaitStatus(t, store, "run-1", domain.RunPaused)

	status, err := adapter.GetRunStatus(ctx, metadata())
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if status.State != "paused" {
		t.Fatalf("provider state = %q, want paused", status.State)
	}

	if err := adapter.Signal(ctx, metadata(), domain.SignalRequest{SignalID: "s2", Type: domain.SignalResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	awaitStatus(t, store, "run-1", domain.RunCompleted)
}

func TestAdapterFailingStep(t *testing.T) {
	plan := sequentialPlan()
	plan.Steps[1].Uses = "fail/always"

	store := memory.NewStore(nil)
	adapter := newTestAdapter(t, store, plan, nil)

	if _, err := adapter.StartRun(context.Background(), provider.StartInput{Run: runContext(), PlanRef: planRef()}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := awaitStatus(t, store, "run-1", domain.RunFailed)
	if step := snap.Steps["b"]; step.Status != domain.StepFailed {
		t.Fatalf("step b = %+v, want failed", step)
	}
	if snap.Error == "" {
		t.Fatal("snapshot error empty")
	}
}

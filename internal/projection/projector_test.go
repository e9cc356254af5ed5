package projection

import (
	"reflect"
	"testing"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(seq int64, t domain.EventType, stepID string, payload any) domain.EventEnvelope {
	return domain.EventEnvelope{
		RunID:          "run-1",
		RunSeq:         seq,
		Type:           t,
		StepID:         stepID,
		LogicalAttempt: 1,
		IdempotencyKey: "k",
		EmittedAt:      base.Add(time.Duration(seq) * time.Second),
		Payload:        domain.MarshalPayload(payload),
	}
}

func history() []domain.EventEnvelope {
	return []domain.EventEnvelope{
		event(1, domain.EventRunQueued, "", nil),
		event(2, domain.EventRunStarted, "", nil),
		event(3, domain.EventStepStarted, "step-a", nil),
		event(4, domain.EventStepCompleted, "step-a", domain.StepCompletedPayload{Artifacts: []string{"s3://out/a"}}),
		event(5, domain.EventRunPaused, "", nil),
		event(6, domain.EventRunResumed, "", nil),
		event(7, domain.EventStepStarted, "step-b", nil),
		event(8, domain.EventStepFailed, "step-b", domain.StepFailedPayload{Error: "boom", Retryable: false}),
		event(9, domain.EventRunFailed, "", domain.RunFailedPayload{Error: "boom", StepID: "step-b"}),
	}
}

func TestRebuild(t *testing.T) {
	snap := Rebuild("run-1", history())

	if snap.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", snap.Status)
	}
	if snap.Error != "boom" {
		t.Fatalf("error = %q, want boom", snap.Error)
	}
	if snap.LastSeq != 9 {
		t.Fatalf("last seq = %d, want 9", snap.LastSeq)
	}
	if snap.Paused {
		t.Fatal("paused must be cleared after resume")
	}
	if got := snap.Steps["step-a"].Status; got != domain.StepCompleted {
		t.Fatalf("step-a status = %s, want COMPLETED", got)
	}
	if got := snap.Steps["step-b"].Status; got != domain.StepFailed {
		t.Fatalf("step-b status = %s, want FAILED", got)
	}
	if got := snap.Steps["step-b"].Error; got != "boom" {
		t.Fatalf("step-b error = %q, want boom", got)
	}
	if !reflect.DeepEqual(snap.Artifacts, []string{"s3://out/a"}) {
		t.Fatalf("artifacts = %v", snap.Artifacts)
	}
	if snap.QueuedAt == nil || snap.StartedAt == nil || snap.EndedAt == nil {
		t.Fatal("timestamps must be populated")
	}
}

// Rebuilding from scratch must equal incrementally projecting the same events
// in any batching.
func TestRebuildEqualsIncremental(t *testing.T) {
	events := history()
	full := Rebuild("run-1", events)

	for batch := 1; batch <= len(events); batch++ {
		snap := domain.NewRunSnapshot("run-1")
		for i := 0; i < len(events); i += batch {
			end := i + batch
			if end > len(events) {
				end = len(events)
			}
			snap = Incremental(snap, events[i:end])
		}
		if !reflect.DeepEqual(full, snap) {
			t.Fatalf("batch size %d diverged from full rebuild", batch)
		}
	}
}

func TestUnknownEventTypeIsNoOp(t *testing.T) {
	snap := Rebuild("run-1", []domain.EventEnvelope{
		event(1, domain.EventRunQueued, "", nil),
		event(2, "RunHibernated", "", nil),
	})
	if snap.Status != domain.RunPending {
		t.Fatalf("status = %s, want PENDING", snap.Status)
	}
	if snap.LastSeq != 2 {
		t.Fatalf("unknown events must still advance the watermark, got %d", snap.LastSeq)
	}
}

func TestTerminalStatusNotOverwritten(t *testing.T) {
	snap := Rebuild("run-1", []domain.EventEnvelope{
		event(1, domain.EventRunStarted, "", nil),
		event(2, domain.EventRunCancelled, "", domain.RunCancelledPayload{Reason: "operator"}),
		event(3, domain.EventRunStarted, "", nil),
	})
	if snap.Status != domain.RunCancelled {
		t.Fatalf("status = %s, want CANCELLED", snap.Status)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	snap := Rebuild("run-1", history()[:4])
	before := snap.Steps["step-a"].Status
	_ = Apply(snap, event(10, domain.EventStepFailed, "step-a", domain.StepFailedPayload{Error: "late"}))
	if snap.Steps["step-a"].Status != before {
		t.Fatal("Apply mutated its input snapshot")
	}
}

func TestStepAttemptsCountStarts(t *testing.T) {
	snap := Rebuild("run-1", []domain.EventEnvelope{
		event(1, domain.EventStepStarted, "step-a", nil),
		event(2, domain.EventStepFailed, "step-a", domain.StepFailedPayload{Error: "x", Retryable: true}),
		event(3, domain.EventStepStarted, "step-a", nil),
		event(4, domain.EventStepCompleted, "step-a", nil),
	})
	step := snap.Steps["step-a"]
	if step.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", step.Attempts)
	}
	if step.Status != domain.StepCompleted {
		t.Fatalf("status = %s, want COMPLETED", step.Status)
	}
	if step.Error != "" {
		t.Fatalf("error must be cleared on completion, got %q", step.Error)
	}
}

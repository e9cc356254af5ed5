package domain

import (
	"strings"
	"testing"
	"time"
)

func validEnvelope() EventEnvelope {
	return EventEnvelope{
		RunID:          "run-1",
		Type:           EventRunStarted,
		LogicalAttempt: 1,
		IdempotencyKey: "key-1",
		EmittedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEventEnvelopeValidate(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*EventEnvelope)
		want   string
	}{
		{"missing run id", func(e *EventEnvelope) { e.RunID = " " }, "run id"},
		{"unknown type", func(e *EventEnvelope) { e.Type = "RunExploded" }, "unknown event type"},
		{"missing key", func(e *EventEnvelope) { e.IdempotencyKey = "" }, "idempotency key"},
		{"missing emitted_at", func(e *EventEnvelope) { e.EmittedAt = time.Time{} }, "emitted_at"},
		{"step event without step id", func(e *EventEnvelope) { e.Type = EventStepStarted }, "step id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(&env)
			err := env.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRunContextValidate(t *testing.T) {
	ctx := RunContext{
		TenantID:      "t-1",
		ProjectID:     "p-1",
		EnvironmentID: "env-1",
		RunID:         "run-1",
		Provider:      ProviderMock,
	}
	if err := ctx.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx.Provider = "lambda"
	if err := ctx.Validate(); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestPlanRefValidate(t *testing.T) {
	ref := PlanRef{
		URI:           "s3://plans/p-1/v3.json",
		ContentSHA256: strings.Repeat("a", 64),
		SchemaVersion: "1.0",
		PlanID:        "p-1",
		PlanVersion:   "v3",
	}
	if err := ref.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref.ContentSHA256 = "abc"
	if err := ref.Validate(); err == nil {
		t.Fatal("expected sha256 length error")
	}
}

func TestSignalLifecycleMapping(t *testing.T) {
	cases := map[SignalType]EventType{
		SignalPause:  EventRunPaused,
		SignalResume: EventRunResumed,
		SignalCancel: EventRunCancelled,
	}
	for sig, want := range cases {
		got, ok := sig.LifecycleEvent()
		if !ok || got != want {
			t.Fatalf("signal %s: got (%s, %v), want %s", sig, got, ok, want)
		}
	}
	for _, sig := range []SignalType{SignalRetryStep, SignalRetryRun} {
		if _, ok := sig.LifecycleEvent(); ok {
			t.Fatalf("signal %s should not map to a lifecycle event", sig)
		}
	}
}

func TestUnmarshalPlanRejectsEmptySteps(t *testing.T) {
	if _, err := UnmarshalPlan([]byte(`{"id":"p-1","version":"v1","steps":[]}`)); err == nil {
		t.Fatal("expected error for plan with no steps")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunCompleted, RunFailed, RunCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunPending, RunRunning, RunPaused} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

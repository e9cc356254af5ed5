package interpreter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

type fakeEnv struct {
	plan     domain.Plan
	fetchErr error

	emitted  []domain.EventEnvelope
	executed [][]domain.PlanStep

	stepErrs map[string]string

	cancelPending bool
	cancelReason  string
	pausePending  bool
	resumeCancels bool

	// beforeBoundary mutates the env right before each boundary check;
	// boundaries are numbered from 1.
	beforeBoundary func(boundary int, env *fakeEnv)
	boundary       int

	continued *Input
	clock     time.Time
}

func newFakeEnv(plan domain.Plan) *fakeEnv {
	return &fakeEnv{
		plan:  plan,
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeEnv) FetchPlan(ctx context.Context, ref domain.PlanRef) (domain.Plan, error) {
	if f.fetchErr != nil {
		return domain.Plan{}, f.fetchErr
	}
	return f.plan, nil
}

func (f *fakeEnv) Emit(ctx context.Context, events []domain.EventEnvelope) error {
	f.emitted = append(f.emitted, events...)
	return nil
}

func (f *fakeEnv) ExecuteSteps(ctx context.Context, run domain.RunContext, steps []domain.PlanStep, attempts map[string]int) ([]StepResult, error) {
	f.executed = append(f.executed, steps)
	out := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		if msg, ok := f.stepErrs[step.ID]; ok {
			out = append(out, StepResult{StepID: step.ID, Error: msg, Retryable: true})
			continue
		}
		out = append(out, StepResult{StepID: step.ID, Artifacts: []string{"artifact-" + step.ID}})
	}
	return out, nil
}

func (f *fakeEnv) Paused() bool { return f.pausePending }

func (f *fakeEnv) CancelRequested() (bool, string) {
	f.boundary++
	if f.beforeBoundary != nil {
		f.beforeBoundary(f.boundary, f)
	}
	return f.cancelPending, f.cancelReason
}

func (f *fakeEnv) AwaitResume(ctx context.Context) (bool, string, error) {
	f.pausePending = false
	if f.resumeCancels {
		return true, f.cancelReason, nil
	}
	return false, "", nil
}

func (f *fakeEnv) ContinueAsNew(ctx context.Context, in Input) error {
	f.continued = &in
	return nil
}

func (f *fakeEnv) Now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeEnv) eventTypes() []string {
	out := make([]string, 0, len(f.emitted))
	for _, e := range f.emitted {
		s := string(e.Type)
		if e.StepID != "" {
			s += ":" + e.StepID
		}
		out = append(out, s)
	}
	return out
}

func diamondPlan() domain.Plan {
	return domain.Plan{
		ID:      "plan-1",
		Version: "1",
		Steps: []domain.PlanStep{
			{ID: "A", Uses: "actions/a"},
			{ID: "B", Uses: "actions/b", DependsOn: []string{"A"}},
			{ID: "C", Uses: "actions/c"},
		},
	}
}

func testInput() Input {
	return Input{
		Run: domain.RunContext{
			TenantID:      "tenant-a",
			ProjectID:     "proj-1",
			EnvironmentID: "staging",
			RunID:         "run-1",
			Provider:      domain.ProviderMock,
		},
		PlanRef: domain.PlanRef{
			URI:           "s3://plans/p.json",
			ContentSHA256: "0000000000000000000000000000000000000000000000000000000000000000",
			SchemaVersion: "1.0",
			PlanID:        "plan-1",
			PlanVersion:   "1",
		},
		EngineAttempt: 1,
	}
}

func testConfig() Config {
	return Config{MaxLayersPerExecution: 100, MaxContinuations: 10}
}

func assertEventOrder(t *testing.T, env *fakeEnv, want []string) {
	t.Helper()
	got := env.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d\ngot: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s\nfull: %v", i, got[i], want[i], got)
		}
	}
}

func TestRunHappyPathEventOrder(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventOrder(t, env, []string{
		"RunStarted",
		"StepStarted:A", "StepStarted:C",
		"StepCompleted:A", "StepCompleted:C",
		"StepStarted:B",
		"StepCompleted:B",
		"RunCompleted",
	})

	for _, e := range env.emitted {
		if e.IdempotencyKey == "" {
			t.Fatalf("event %s has no idempotency key", e.Type)
		}
		if e.EventID != "" {
			t.Fatalf("event %s minted an id inside the interpreter", e.Type)
		}
	}
}

func TestLayersHandExecutorFullStepDefinitions(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.executed) != 2 {
		t.Fatalf("layers executed = %d, want 2", len(env.executed))
	}
	want := [][]string{{"actions/a", "actions/c"}, {"actions/b"}}
	for li, steps := range env.executed {
		if len(steps) != len(want[li]) {
			t.Fatalf("layer %d has %d steps, want %d", li, len(steps), len(want[li]))
		}
		for i, step := range steps {
			if step.Uses != want[li][i] {
				t.Fatalf("layer %d step %d uses %q, want %q", li, i, step.Uses, want[li][i])
			}
		}
	}
}

func TestStepFailureFailsRunAfterSiblings(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	env.stepErrs = map[string]string{"C": "exit 1"}

	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// A's result is still recorded before the run fails; layer 2 never runs.
	assertEventOrder(t, env, []string{
		"RunStarted",
		"StepStarted:A", "StepStarted:C",
		"StepCompleted:A", "StepFailed:C",
		"RunFailed",
	})
}

func TestCancelAtLayerBoundary(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	env.beforeBoundary = func(boundary int, e *fakeEnv) {
		if boundary == 2 {
			e.cancelPending = true
			e.cancelReason = "operator request"
		}
	}

	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventOrder(t, env, []string{
		"RunStarted",
		"StepStarted:A", "StepStarted:C",
		"StepCompleted:A", "StepCompleted:C",
		"RunCancelled",
	})
}

func TestPauseResumeAtBoundary(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	env.beforeBoundary = func(boundary int, e *fakeEnv) {
		if boundary == 2 {
			e.pausePending = true
		}
	}

	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventOrder(t, env, []string{
		"RunStarted",
		"StepStarted:A", "StepStarted:C",
		"StepCompleted:A", "StepCompleted:C",
		"RunPaused", "RunResumed",
		"StepStarted:B",
		"StepCompleted:B",
		"RunCompleted",
	})
}

func TestCancelWhilePaused(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	env.pausePending = true
	env.resumeCancels = true
	env.cancelReason = "cancelled during pause"

	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventOrder(t, env, []string{
		"RunStarted",
		"RunPaused",
		"RunCancelled",
	})
}

func TestContinueAsNewRollover(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	cfg := Config{MaxLayersPerExecution: 1, MaxContinuations: 5}

	if err := Run(context.Background(), env, cfg, testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.continued == nil {
		t.Fatal("no rollover happened")
	}
	if env.continued.StartLayer != 1 {
		t.Fatalf("rollover cursor = %d, want 1", env.continued.StartLayer)
	}
	if env.continued.ContinuedAsNewCount != 1 {
		t.Fatalf("rollover count = %d, want 1", env.continued.ContinuedAsNewCount)
	}
	assertEventOrder(t, env, []string{
		"RunStarted",
		"StepStarted:A", "StepStarted:C",
		"StepCompleted:A", "StepCompleted:C",
	})

	// Second execution resumes from the cursor without re-emitting
	// RunStarted or re-running layer 1.
	next := *env.continued
	env.continued = nil
	if err := Run(context.Background(), env, cfg, next); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if env.continued != nil {
		t.Fatal("resumed execution rolled over again")
	}
	assertEventOrder(t, env, []string{
		"RunStarted",
		"StepStarted:A", "StepStarted:C",
		"StepCompleted:A", "StepCompleted:C",
		"StepStarted:B",
		"StepCompleted:B",
		"RunCompleted",
	})
}

func TestContinuationCapFailsRun(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	cfg := Config{MaxLayersPerExecution: 1, MaxContinuations: 0}

	if err := Run(context.Background(), env, cfg, testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.continued != nil {
		t.Fatal("rolled over past the cap")
	}
	got := env.eventTypes()
	if got[len(got)-1] != "RunFailed" {
		t.Fatalf("last event = %s, want RunFailed", got[len(got)-1])
	}
}

func TestInvalidPlanFailsRunBeforeStart(t *testing.T) {
	plan := domain.Plan{
		ID:      "plan-1",
		Version: "1",
		Steps: []domain.PlanStep{
			{ID: "a", Uses: "x", DependsOn: []string{"b"}},
			{ID: "b", Uses: "x", DependsOn: []string{"a"}},
		},
	}
	env := newFakeEnv(plan)
	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventOrder(t, env, []string{"RunFailed"})
}

func TestFetchFailureFailsRun(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	env.fetchErr = errors.New("bucket unreachable")
	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventOrder(t, env, []string{"RunFailed"})
}

func TestPauseCyclesGetDistinctKeys(t *testing.T) {
	env := newFakeEnv(diamondPlan())
	env.beforeBoundary = func(boundary int, e *fakeEnv) {
		if boundary == 1 || boundary == 2 {
			e.pausePending = true
		}
	}

	if err := Run(context.Background(), env, testConfig(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var pauses []domain.EventEnvelope
	for _, e := range env.emitted {
		if e.Type == domain.EventRunPaused {
			pauses = append(pauses, e)
		}
	}
	if len(pauses) != 2 {
		t.Fatalf("pause events = %d, want 2", len(pauses))
	}
	if pauses[0].IdempotencyKey == pauses[1].IdempotencyKey {
		t.Fatal("pause cycles share an idempotency key")
	}
	if pauses[0].LogicalAttempt != 1 || pauses[1].LogicalAttempt != 2 {
		t.Fatalf("pause logical attempts = %d, %d", pauses[0].LogicalAttempt, pauses[1].LogicalAttempt)
	}
}

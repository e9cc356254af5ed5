package temporal

import (
	"context"
	"errors"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

// PlanFetcher is the subset of the plan pipeline the activities need.
type PlanFetcher interface {
	Fetch(ctx context.Context, ref domain.PlanRef) (domain.Plan, error)
}

// StepExecutor runs one step attempt on the worker host. Execution errors
// belong inside the StepResult; a returned error means the attempt itself
// could not run and the activity should retry.
type StepExecutor interface {
	Execute(ctx context.Context, run domain.RunContext, step domain.PlanStep, attempt int) (interpreter.StepResult, error)
}

// Activities holds everything the workflow delegates out of deterministic
// code: plan IO, event persistence, and actual step work.
type Activities struct {
	store    repo.StateStore
	fetcher  PlanFetcher
	executor StepExecutor
}

func NewActivities(store repo.StateStore, fetcher PlanFetcher, executor StepExecutor) (*Activities, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if fetcher == nil {
		return nil, errors.New("plan fetcher is required")
	}
	if executor == nil {
		return nil, errors.New("step executor is required")
	}
	return &Activities{store: store, fetcher: fetcher, executor: executor}, nil
}

func (a *Activities) FetchPlan(ctx context.Context, ref domain.PlanRef) (domain.Plan, error) {
	return a.fetcher.Fetch(ctx, ref)
}

// EmitEvents persists and enqueues events. Idempotency keys make activity
// retries harmless: a replayed emit dedups inside the store.
func (a *Activities) EmitEvents(ctx context.Context, events []domain.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}
	_, err := a.store.AppendAndEnqueue(ctx, events[0].RunID, events)
	return err
}

type executeStepInput struct {
	Run     domain.RunContext `json:"run"`
	Step    domain.PlanStep   `json:"step"`
	Attempt int               `json:"attempt"`
}

func (a *Activities) ExecuteStep(ctx context.Context, in executeStepInput) (interpreter.StepResult, error) {
	return a.executor.Execute(ctx, in.Run, in.Step, in.Attempt)
}

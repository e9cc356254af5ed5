// Package interpreter executes a plan layer by layer. The core is
// deterministic: it never reads clocks, mints ids, or spawns goroutines
// itself. Everything non-deterministic sits behind Env, so the same logic
// runs under a durable workflow runtime (with replay) and under a plain
// goroutine in tests and the mock provider.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchid-labs/orchid-go/internal/dag"
	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/idempotency"
)

// StepResult is the outcome of one step execution attempt. A non-empty
// Error marks failure; Retryable is advisory for operators.
type StepResult struct {
	StepID    string   `json:"step_id"`
	Error     string   `json:"error,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

func (r StepResult) Failed() bool { return r.Error != "" }

// Env is the runtime boundary. Implementations decide how steps actually
// execute and how events become durable; the core only decides order.
type Env interface {
	// FetchPlan retrieves and verifies the plan document.
	FetchPlan(ctx context.Context, ref domain.PlanRef) (domain.Plan, error)

	// Emit persists events and enqueues them for delivery. Envelopes carry
	// no EventID; the store mints one at the persistence boundary.
	Emit(ctx context.Context, events []domain.EventEnvelope) error

	// ExecuteSteps runs one layer. Results must align with steps by index
	// regardless of actual completion order.
	ExecuteSteps(ctx context.Context, run domain.RunContext, steps []domain.PlanStep, attempts map[string]int) ([]StepResult, error)

	// Paused reports whether a pause has been requested and not yet resumed.
	Paused() bool
	// CancelRequested reports a pending cancel and its reason.
	CancelRequested() (bool, string)
	// AwaitResume blocks a paused run until resume or cancel.
	AwaitResume(ctx context.Context) (cancelled bool, reason string, err error)

	// ContinueAsNew hands the remaining work to a fresh execution.
	ContinueAsNew(ctx context.Context, in Input) error

	// Now is the runtime's deterministic clock.
	Now() time.Time
}

// Input is the complete interpreter state. It crosses continue-as-new
// boundaries, so everything the core needs to stay deterministic lives
// here and nowhere else.
type Input struct {
	Run     domain.RunContext `json:"run"`
	PlanRef domain.PlanRef    `json:"plan_ref"`

	// StartLayer is the resume cursor after a rollover.
	StartLayer int `json:"start_layer"`
	// Occurrences counts emitted events per type/step so idempotency keys
	// stay unique across repeats (pause cycles, future retries) and stable
	// across engine restarts.
	Occurrences map[string]int `json:"occurrences,omitempty"`

	EngineAttempt       int `json:"engine_attempt"`
	ContinuedAsNewCount int `json:"continued_as_new_count"`
}

type Config struct {
	// MaxLayersPerExecution bounds history growth per execution; the run
	// rolls over to a fresh execution at the next layer boundary.
	MaxLayersPerExecution int
	// MaxContinuations is a hard safety cap on rollovers per run.
	MaxContinuations int
}

func (c Config) Validate() error {
	if c.MaxLayersPerExecution < 1 {
		return errors.New("max layers per execution must be >= 1")
	}
	if c.MaxContinuations < 0 {
		return errors.New("max continuations must be >= 0")
	}
	return nil
}

var errRunHalted = errors.New("run halted")

// Run drives one execution of a run from its cursor to completion, a
// terminal event, or a continue-as-new rollover.
func Run(ctx context.Context, env Env, cfg Config, in Input) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := in.Run.Validate(); err != nil {
		return err
	}
	state := &runState{env: env, in: in}
	if state.in.Occurrences == nil {
		state.in.Occurrences = map[string]int{}
	}

	plan, err := env.FetchPlan(ctx, in.PlanRef)
	if err != nil {
		return state.failRun(ctx, "", fmt.Sprintf("fetch plan: %v", err))
	}
	layers, err := dag.ComputeLayers(plan.Steps)
	if err != nil {
		return state.failRun(ctx, "", fmt.Sprintf("invalid plan: %v", err))
	}
	if in.StartLayer < 0 || in.StartLayer > len(layers) {
		return state.failRun(ctx, "", fmt.Sprintf("resume cursor %d out of range (%d layers)", in.StartLayer, len(layers)))
	}

	if in.StartLayer == 0 && in.ContinuedAsNewCount == 0 {
		if err := state.emit(ctx, domain.EventRunStarted, "", nil); err != nil {
			return err
		}
	}

	executed := 0
	for li := in.StartLayer; li < len(layers); li++ {
		halted, err := state.checkBoundary(ctx)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}

		if executed >= cfg.MaxLayersPerExecution {
			if state.in.ContinuedAsNewCount >= cfg.MaxContinuations {
				return state.failRun(ctx, "", fmt.Sprintf("continuation cap reached (%d)", cfg.MaxContinuations))
			}
			next := state.in
			next.StartLayer = li
			next.ContinuedAsNewCount++
			return env.ContinueAsNew(ctx, next)
		}

		if err := state.runLayer(ctx, layers[li]); err != nil {
			if errors.Is(err, errRunHalted) {
				return nil
			}
			return err
		}
		executed++
	}

	return state.emit(ctx, domain.EventRunCompleted, "", nil)
}

type runState struct {
	env      Env
	in       Input
	attempts map[string]int
}

// checkBoundary handles cancel and pause at a layer boundary. A true
// return means the run reached a terminal state.
func (s *runState) checkBoundary(ctx context.Context) (bool, error) {
	if cancelled, reason := s.env.CancelRequested(); cancelled {
		return true, s.cancelRun(ctx, reason)
	}
	if !s.env.Paused() {
		return false, nil
	}
	if err := s.emit(ctx, domain.EventRunPaused, "", nil); err != nil {
		return false, err
	}
	cancelled, reason, err := s.env.AwaitResume(ctx)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, s.cancelRun(ctx, reason)
	}
	return false, s.emit(ctx, domain.EventRunResumed, "", nil)
}

func (s *runState) runLayer(ctx context.Context, layer dag.Layer) error {
	steps := []domain.PlanStep(layer)
	if s.attempts == nil {
		s.attempts = map[string]int{}
	}
	for _, step := range steps {
		s.attempts[step.ID]++
		if err := s.emit(ctx, domain.EventStepStarted, step.ID, nil); err != nil {
			return err
		}
	}

	results, err := s.env.ExecuteSteps(ctx, s.in.Run, steps, s.attempts)
	if err != nil {
		if failErr := s.failRun(ctx, "", fmt.Sprintf("layer execution: %v", err)); failErr != nil {
			return failErr
		}
		return errRunHalted
	}
	if len(results) != len(steps) {
		return fmt.Errorf("layer returned %d results for %d steps", len(results), len(steps))
	}

	// Completion events in declared order, independent of finish order.
	failedStep := ""
	failedErr := ""
	for i, step := range steps {
		result := results[i]
		if result.Failed() {
			payload := domain.MarshalPayload(domain.StepFailedPayload{
				Error:     result.Error,
				Retryable: result.Retryable,
			})
			if err := s.emit(ctx, domain.EventStepFailed, step.ID, payload); err != nil {
				return err
			}
			if failedStep == "" {
				failedStep = step.ID
				failedErr = result.Error
			}
			continue
		}
		payload := domain.MarshalPayload(domain.StepCompletedPayload{Artifacts: result.Artifacts})
		if err := s.emit(ctx, domain.EventStepCompleted, step.ID, payload); err != nil {
			return err
		}
	}

	if failedStep != "" {
		if err := s.failRun(ctx, failedStep, failedErr); err != nil {
			return err
		}
		return errRunHalted
	}
	return nil
}

func (s *runState) failRun(ctx context.Context, stepID, msg string) error {
	payload := domain.MarshalPayload(domain.RunFailedPayload{Error: msg, StepID: stepID})
	return s.emit(ctx, domain.EventRunFailed, "", payload)
}

func (s *runState) cancelRun(ctx context.Context, reason string) error {
	payload := domain.MarshalPayload(domain.RunCancelledPayload{Reason: reason})
	return s.emit(ctx, domain.EventRunCancelled, "", payload)
}

func (s *runState) emit(ctx context.Context, eventType domain.EventType, stepID string, payload []byte) error {
	occKey := string(eventType)
	if stepID != "" {
		occKey += ":" + stepID
	}
	s.in.Occurrences[occKey]++
	logicalAttempt := s.in.Occurrences[occKey]

	envelope := domain.EventEnvelope{
		RunID:          s.in.Run.RunID,
		Type:           eventType,
		StepID:         stepID,
		EngineAttempt:  s.in.EngineAttempt,
		LogicalAttempt: logicalAttempt,
		IdempotencyKey: idempotency.EventKey(eventType, s.in.Run.TenantID, s.in.Run.RunID, logicalAttempt, stepID),
		EmittedAt:      s.env.Now(),
		Payload:        payload,
	}
	return s.env.Emit(ctx, []domain.EventEnvelope{envelope})
}

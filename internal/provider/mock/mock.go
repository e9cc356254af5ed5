// Package mock is an in-process execution substrate. It drives the
// interpreter in a goroutine per run, with pause/resume/cancel served from
// local state. Used for development setups and end-to-end tests that need
// real event flow without a durable workflow cluster.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
	"github.com/orchid-labs/orchid-go/internal/provider"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

// PlanFetcher is the subset of the plan pipeline the adapter needs.
type PlanFetcher interface {
	Fetch(ctx context.Context, ref domain.PlanRef) (domain.Plan, error)
}

// StepRunner executes one step attempt.
type StepRunner func(ctx context.Context, run domain.RunContext, step domain.PlanStep, attempt int) interpreter.StepResult

// EchoStepRunner succeeds instantly with one synthetic artifact per step.
// Steps whose uses field starts with "fail" fail, so failure paths are
// exercisable without a custom runner.
func EchoStepRunner(ctx context.Context, run domain.RunContext, step domain.PlanStep, attempt int) interpreter.StepResult {
	if strings.HasPrefix(step.Uses, "fail") {
		return interpreter.StepResult{StepID: step.ID, Error: "step configured to fail", Retryable: false}
	}
	return interpreter.StepResult{StepID: step.ID, Artifacts: []string{step.ID + ".out"}}
}

type Adapter struct {
	store   repo.StateStore
	fetcher PlanFetcher
	runner  StepRunner
	cfg     interpreter.Config
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

func NewAdapter(store repo.StateStore, fetcher PlanFetcher, runner StepRunner, cfg interpreter.Config, logger *slog.Logger) (*Adapter, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if fetcher == nil {
		return nil, errors.New("plan fetcher is required")
	}
	if runner == nil {
		runner = EchoStepRunner
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:   store,
		fetcher: fetcher,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		runs:    map[string]*runHandle{},
	}, nil
}

func (a *Adapter) Kind() domain.ProviderKind { return domain.ProviderMock }

func (a *Adapter) StartRun(ctx context.Context, in provider.StartInput) (domain.ProviderInfo, error) {
	if err := in.Run.Validate(); err != nil {
		return domain.ProviderInfo{}, err
	}
	a.mu.Lock()
	if _, ok := a.runs[in.Run.RunID]; ok {
		// Retried start resolves to the already running execution.
		a.mu.Unlock()
		return a.info(in.Run.RunID), nil
	}
	handle := newRunHandle()
	a.runs[in.Run.RunID] = handle
	a.mu.Unlock()

	input := interpreter.Input{
		Run:           in.Run,
		PlanRef:       in.PlanRef,
		EngineAttempt: 1,
	}
	go a.drive(handle, input)
	return a.info(in.Run.RunID), nil
}

// drive runs the interpreter to completion, looping on rollovers the way a
// durable runtime would restart the workflow with fresh history.
func (a *Adapter) drive(handle *runHandle, input interpreter.Input) {
	ctx := context.Background()
	for {
		env := &goroutineEnv{adapter: a, handle: handle}
		if err := interpreter.Run(ctx, env, a.cfg, input); err != nil {
			a.logger.Error("mock run aborted", "run_id", input.Run.RunID, "error", err)
			break
		}
		if env.next == nil {
			break
		}
		input = *env.next
	}
	handle.finish()
}

func (a *Adapter) CancelRun(ctx context.Context, md domain.RunMetadata, reason string) error {
	handle := a.handle(md.RunID)
	if handle == nil {
		return nil
	}
	handle.cancel(reason)
	return nil
}

func (a *Adapter) GetRunStatus(ctx context.Context, md domain.RunMetadata) (provider.RuntimeStatus, error) {
	handle := a.handle(md.RunID)
	if handle == nil {
		return provider.RuntimeStatus{State: "unknown"}, nil
	}
	return provider.RuntimeStatus{State: handle.state()}, nil
}

func (a *Adapter) Signal(ctx context.Context, md domain.RunMetadata, sig domain.SignalRequest) error {
	handle := a.handle(md.RunID)
	if handle == nil {
		return fmt.Errorf("run not active: %s", md.RunID)
	}
	switch sig.Type {
	case domain.SignalPause:
		handle.pause()
	case domain.SignalResume:
		handle.resume()
	case domain.SignalCancel:
		handle.cancel(sig.Reason)
	default:
		return fmt.Errorf("unsupported signal: %s", sig.Type)
	}
	return nil
}

func (a *Adapter) Healthy(ctx context.Context) error { return nil }

func (a *Adapter) handle(runID string) *runHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[runID]
}

func (a *Adapter) info(runID string) domain.ProviderInfo {
	return domain.ProviderInfo{
		WorkflowID: runID,
		RunID:      runID,
		Endpoint:   "in-process",
	}
}

// runHandle is the per-run signal state shared between the adapter's API
// surface and the driving goroutine.
type runHandle struct {
	mu           sync.Mutex
	cond         *sync.Cond
	paused       bool
	cancelled    bool
	cancelReason string
	finished     bool
}

func newRunHandle() *runHandle {
	h := &runHandle{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *runHandle) pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		h.paused = true
	}
}

func (h *runHandle) resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	h.cond.Broadcast()
}

func (h *runHandle) cancel(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.cancelled = true
	h.cancelReason = strings.TrimSpace(reason)
	h.cond.Broadcast()
}

func (h *runHandle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.cond.Broadcast()
}

func (h *runHandle) state() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.finished:
		return "finished"
	case h.cancelled:
		return "cancelling"
	case h.paused:
		return "paused"
	default:
		return "running"
	}
}

// goroutineEnv adapts the handle and the adapter's collaborators to the
// interpreter's runtime boundary.
type goroutineEnv struct {
	adapter *Adapter
	handle  *runHandle
	next    *interpreter.Input
}

func (e *goroutineEnv) FetchPlan(ctx context.Context, ref domain.PlanRef) (domain.Plan, error) {
	return e.adapter.fetcher.Fetch(ctx, ref)
}

func (e *goroutineEnv) Emit(ctx context.Context, events []domain.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}
	_, err := e.adapter.store.AppendAndEnqueue(ctx, events[0].RunID, events)
	return err
}

func (e *goroutineEnv) ExecuteSteps(ctx context.Context, run domain.RunContext, steps []domain.PlanStep, attempts map[string]int) ([]interpreter.StepResult, error) {
	results := make([]interpreter.StepResult, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step domain.PlanStep) {
			defer wg.Done()
			results[i] = e.adapter.runner(ctx, run, step, attempts[step.ID])
		}(i, step)
	}
	wg.Wait()
	return results, nil
}

func (e *goroutineEnv) Paused() bool {
	e.handle.mu.Lock()
	defer e.handle.mu.Unlock()
	return e.handle.paused
}

func (e *goroutineEnv) CancelRequested() (bool, string) {
	e.handle.mu.Lock()
	defer e.handle.mu.Unlock()
	return e.handle.cancelled, e.handle.cancelReason
}

func (e *goroutineEnv) AwaitResume(ctx context.Context) (bool, string, error) {
	e.handle.mu.Lock()
	defer e.handle.mu.Unlock()
	for e.handle.paused && !e.handle.cancelled {
		e.handle.cond.Wait()
	}
	return e.handle.cancelled, e.handle.cancelReason, nil
}

func (e *goroutineEnv) ContinueAsNew(ctx context.Context, in interpreter.Input) error {
	e.next = &in
	return nil
}

func (e *goroutineEnv) Now() time.Time { return time.Now().UTC() }

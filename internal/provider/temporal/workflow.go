package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
)

const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalCancel = "cancel"

	QueryState = "state"
)

// QueryStateResult is the answer to the "state" query.
type QueryStateResult struct {
	Phase               string `json:"phase"`
	Paused              bool   `json:"paused"`
	CancelRequested     bool   `json:"cancel_requested"`
	ContinuedAsNewCount int    `json:"continued_as_new_count"`
}

// cancelPayload travels on the cancel signal channel.
type cancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

var interpreterConfig = interpreter.Config{
	MaxLayersPerExecution: 50,
	MaxContinuations:      1000,
}

// RunWorkflow is the durable execution of one run. All decisions happen in
// the deterministic interpreter core; this function only wires the core to
// Temporal signal channels, queries and activities.
func RunWorkflow(ctx workflow.Context, in interpreter.Input) error {
	env := &workflowEnv{in: in}
	env.wfCtx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})
	env.pauseCh = workflow.GetSignalChannel(ctx, SignalPause)
	env.resumeCh = workflow.GetSignalChannel(ctx, SignalResume)
	env.cancelCh = workflow.GetSignalChannel(ctx, SignalCancel)

	err := workflow.SetQueryHandler(ctx, QueryState, func() (QueryStateResult, error) {
		return QueryStateResult{
			Phase:               env.phase,
			Paused:              env.paused,
			CancelRequested:     env.cancelled,
			ContinuedAsNewCount: in.ContinuedAsNewCount,
		}, nil
	})
	if err != nil {
		return err
	}

	env.phase = "running"
	runErr := interpreter.Run(context.Background(), env, interpreterConfig, in)
	if runErr == nil {
		env.phase = "finished"
	}
	return runErr
}

// workflowEnv adapts Temporal's workflow runtime to the interpreter's Env.
// The context.Context arguments are ignored; all blocking goes through the
// captured workflow.Context so replay stays deterministic.
type workflowEnv struct {
	wfCtx workflow.Context
	in    interpreter.Input

	pauseCh  workflow.ReceiveChannel
	resumeCh workflow.ReceiveChannel
	cancelCh workflow.ReceiveChannel

	phase        string
	paused       bool
	cancelled    bool
	cancelReason string
}

// drainSignals consumes everything pending on the signal channels. Last
// writer wins for pause/resume; cancel is sticky.
func (e *workflowEnv) drainSignals() {
	for {
		var ignored struct{}
		if ok := e.pauseCh.ReceiveAsync(&ignored); !ok {
			break
		}
		e.paused = true
	}
	for {
		var ignored struct{}
		if ok := e.resumeCh.ReceiveAsync(&ignored); !ok {
			break
		}
		e.paused = false
	}
	for {
		var payload cancelPayload
		if ok := e.cancelCh.ReceiveAsync(&payload); !ok {
			break
		}
		e.cancelled = true
		e.cancelReason = payload.Reason
	}
}

func (e *workflowEnv) FetchPlan(_ context.Context, ref domain.PlanRef) (domain.Plan, error) {
	var plan domain.Plan
	var a *Activities
	err := workflow.ExecuteActivity(e.wfCtx, a.FetchPlan, ref).Get(e.wfCtx, &plan)
	return plan, err
}

func (e *workflowEnv) Emit(_ context.Context, events []domain.EventEnvelope) error {
	var a *Activities
	return workflow.ExecuteActivity(e.wfCtx, a.EmitEvents, events).Get(e.wfCtx, nil)
}

func (e *workflowEnv) ExecuteSteps(_ context.Context, run domain.RunContext, steps []domain.PlanStep, attempts map[string]int) ([]interpreter.StepResult, error) {
	results := make([]interpreter.StepResult, len(steps))
	errs := make([]error, len(steps))

	wg := workflow.NewWaitGroup(e.wfCtx)
	for i, step := range steps {
		i, step := i, step
		wg.Add(1)
		workflow.Go(e.wfCtx, func(gctx workflow.Context) {
			defer wg.Done()
			var a *Activities
			in := executeStepInput{Run: run, Step: step, Attempt: attempts[step.ID]}
			errs[i] = workflow.ExecuteActivity(gctx, a.ExecuteStep, in).Get(gctx, &results[i])
		})
	}
	wg.Wait(e.wfCtx)

	for i, err := range errs {
		if err != nil {
			// The activity retry budget is exhausted; surface as a failed
			// step so the run fails cleanly instead of aborting the workflow.
			results[i] = interpreter.StepResult{
				StepID:    steps[i].ID,
				Error:     err.Error(),
				Retryable: false,
			}
		}
	}
	return results, nil
}

func (e *workflowEnv) Paused() bool {
	e.drainSignals()
	return e.paused
}

func (e *workflowEnv) CancelRequested() (bool, string) {
	e.drainSignals()
	return e.cancelled, e.cancelReason
}

func (e *workflowEnv) AwaitResume(_ context.Context) (bool, string, error) {
	e.phase = "paused"
	err := workflow.Await(e.wfCtx, func() bool {
		e.drainSignals()
		return !e.paused || e.cancelled
	})
	e.phase = "running"
	if err != nil {
		return false, "", err
	}
	return e.cancelled, e.cancelReason, nil
}

func (e *workflowEnv) ContinueAsNew(_ context.Context, in interpreter.Input) error {
	return workflow.NewContinueAsNewError(e.wfCtx, RunWorkflow, in)
}

func (e *workflowEnv) Now() time.Time {
	return workflow.Now(e.wfCtx).UTC()
}

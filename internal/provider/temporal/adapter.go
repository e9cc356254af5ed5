// Package temporal binds run execution to a Temporal cluster. The adapter
// is the client side (start/cancel/signal/query); the workflow and
// activities in this package run on the worker side.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
	"github.com/orchid-labs/orchid-go/internal/provider"
)

type Adapter struct {
	client client.Client
	cfg    Config
}

func NewAdapter(c client.Client, cfg Config) (*Adapter, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{client: c, cfg: cfg}, nil
}

func Dial(cfg Config) (client.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
}

func (a *Adapter) Kind() domain.ProviderKind { return domain.ProviderTemporal }

// WorkflowID derives the deterministic workflow id for a run. Combined
// with the reject-duplicate reuse policy this makes StartRun idempotent
// at the cluster.
func WorkflowID(runID string) string { return "run-" + runID }

func (a *Adapter) StartRun(ctx context.Context, in provider.StartInput) (domain.ProviderInfo, error) {
	if err := in.Run.Validate(); err != nil {
		return domain.ProviderInfo{}, err
	}
	opts := client.StartWorkflowOptions{
		ID:                    WorkflowID(in.Run.RunID),
		TaskQueue:             a.cfg.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	input := interpreter.Input{
		Run:           in.Run,
		PlanRef:       in.PlanRef,
		EngineAttempt: 1,
	}
	run, err := a.client.ExecuteWorkflow(ctx, opts, RunWorkflow, input)
	if err != nil {
		return domain.ProviderInfo{}, fmt.Errorf("execute workflow: %w", err)
	}
	return domain.ProviderInfo{
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
		Namespace:  a.cfg.Namespace,
		TaskQueue:  a.cfg.TaskQueue,
		Endpoint:   a.cfg.HostPort,
	}, nil
}

func (a *Adapter) CancelRun(ctx context.Context, md domain.RunMetadata, reason string) error {
	// Cancellation travels as a signal so the workflow can drain the
	// in-flight layer and record RunCancelled itself.
	return a.client.SignalWorkflow(ctx, a.workflowID(md), "", SignalCancel, cancelPayload{Reason: reason})
}

func (a *Adapter) GetRunStatus(ctx context.Context, md domain.RunMetadata) (provider.RuntimeStatus, error) {
	value, err := a.client.QueryWorkflow(ctx, a.workflowID(md), "", QueryState)
	if err != nil {
		return provider.RuntimeStatus{}, fmt.Errorf("query workflow: %w", err)
	}
	var state QueryStateResult
	if err := value.Get(&state); err != nil {
		return provider.RuntimeStatus{}, fmt.Errorf("decode query result: %w", err)
	}
	detail := ""
	if state.CancelRequested {
		detail = "cancel requested"
	}
	return provider.RuntimeStatus{State: state.Phase, Detail: detail}, nil
}

func (a *Adapter) Signal(ctx context.Context, md domain.RunMetadata, sig domain.SignalRequest) error {
	workflowID := a.workflowID(md)
	switch sig.Type {
	case domain.SignalPause:
		return a.client.SignalWorkflow(ctx, workflowID, "", SignalPause, struct{}{})
	case domain.SignalResume:
		return a.client.SignalWorkflow(ctx, workflowID, "", SignalResume, struct{}{})
	case domain.SignalCancel:
		return a.client.SignalWorkflow(ctx, workflowID, "", SignalCancel, cancelPayload{Reason: sig.Reason})
	default:
		return fmt.Errorf("unsupported signal: %s", sig.Type)
	}
}

func (a *Adapter) Healthy(ctx context.Context) error {
	_, err := a.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

// workflowID prefers the stored correlation id and falls back to the
// deterministic derivation for runs started before confirmation landed.
func (a *Adapter) workflowID(md domain.RunMetadata) string {
	if md.ProviderWorkflowID != "" {
		return md.ProviderWorkflowID
	}
	return WorkflowID(md.RunID)
}

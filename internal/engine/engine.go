// Package engine is the orchestration façade: every externally triggered
// run operation enters here, passes the validation and authorization
// gates, and leaves as store writes plus provider calls. The engine never
// trusts provider state for canonical answers; the event log and its
// projection stay the source of truth.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchid-labs/orchid-go/internal/auth"
	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/idempotency"
	"github.com/orchid-labs/orchid-go/internal/platform/auditlog"
	"github.com/orchid-labs/orchid-go/internal/platform/env"
	"github.com/orchid-labs/orchid-go/internal/provider"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

type PlanFetcher interface {
	Fetch(ctx context.Context, ref domain.PlanRef) (domain.Plan, error)
}

type Auditor interface {
	Record(ctx context.Context, event auditlog.Event)
}

type Config struct {
	// AdapterTimeout bounds every provider call made on a request path.
	AdapterTimeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the
	// per-provider breaker.
	BreakerThreshold int
	BreakerCoolDown  time.Duration
}

func ConfigFromEnv() (Config, error) {
	adapterTimeout, err := env.Duration("ORCHID_ADAPTER_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	breakerThreshold, err := env.Int("ORCHID_BREAKER_THRESHOLD", 5)
	if err != nil {
		return Config{}, err
	}
	breakerCoolDown, err := env.Duration("ORCHID_BREAKER_COOLDOWN", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AdapterTimeout:   adapterTimeout,
		BreakerThreshold: breakerThreshold,
		BreakerCoolDown:  breakerCoolDown,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.AdapterTimeout <= 0 {
		return errors.New("ORCHID_ADAPTER_TIMEOUT must be positive")
	}
	if c.BreakerThreshold < 1 {
		return errors.New("ORCHID_BREAKER_THRESHOLD must be >= 1")
	}
	if c.BreakerCoolDown <= 0 {
		return errors.New("ORCHID_BREAKER_COOLDOWN must be positive")
	}
	return nil
}

// Deps wires the engine's collaborators. Policy and Audit are optional;
// everything else is required.
type Deps struct {
	Store    repo.StateStore
	Registry *provider.Registry
	Fetcher  PlanFetcher
	Policy   *auth.PolicySpec
	Audit    Auditor
	Logger   *slog.Logger
	Metrics  prometheus.Registerer
	Config   Config

	// ExtraChecks feed into HealthCheck alongside the store and adapters
	// (outbox, bus, object storage).
	ExtraChecks map[string]func(context.Context) error
}

type Engine struct {
	store    repo.StateStore
	registry *provider.Registry
	fetcher  PlanFetcher
	policy   *auth.PolicySpec
	audit    Auditor
	logger   *slog.Logger
	cfg      Config
	breaker  *breaker
	metrics  *metrics
	checks   map[string]func(context.Context) error
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("plan fetcher is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Engine{
		store:    deps.Store,
		registry: deps.Registry,
		fetcher:  deps.Fetcher,
		policy:   deps.Policy,
		audit:    deps.Audit,
		logger:   deps.Logger,
		cfg:      deps.Config,
		breaker:  newBreaker(deps.Config.BreakerThreshold, deps.Config.BreakerCoolDown),
		metrics:  newMetrics(reg),
		checks:   deps.ExtraChecks,
	}, nil
}

// StartRunRequest describes a new run. RunID is optional; the engine
// mints one when it is empty.
type StartRunRequest struct {
	TenantID      string              `json:"tenant_id"`
	ProjectID     string              `json:"project_id"`
	EnvironmentID string              `json:"environment_id"`
	RunID         string              `json:"run_id,omitempty"`
	Provider      domain.ProviderKind `json:"provider"`
	PlanRef       domain.PlanRef      `json:"plan_ref"`
}

// StartRun validates the request, verifies the plan, persists the run
// bootstrap (metadata + RunQueued + outbox intent in one transaction) and
// only then asks the provider to begin execution.
func (e *Engine) StartRun(ctx context.Context, identity auth.Identity, req StartRunRequest) (domain.RunRef, error) {
	rc := domain.RunContext{
		TenantID:      strings.TrimSpace(req.TenantID),
		ProjectID:     strings.TrimSpace(req.ProjectID),
		EnvironmentID: strings.TrimSpace(req.EnvironmentID),
		RunID:         strings.TrimSpace(req.RunID),
		Provider:      req.Provider,
	}
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if err := rc.Validate(); err != nil {
		return domain.RunRef{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := req.PlanRef.Validate(); err != nil {
		return domain.RunRef{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := auth.AssertTenantAccess(identity, rc.TenantID); err != nil {
		return domain.RunRef{}, err
	}
	adapter, err := e.registry.Resolve(rc.Provider)
	if err != nil {
		return domain.RunRef{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !e.breaker.allow(rc.Provider) {
		e.metrics.breakerOpen.WithLabelValues(string(rc.Provider)).Set(1)
		return domain.RunRef{}, fmt.Errorf("%w: breaker open for %s", ErrProviderUnavailable, rc.Provider)
	}

	// Full plan verification happens before anything is persisted or any
	// provider call goes out; a bad reference must have zero side effects.
	plan, err := e.fetcher.Fetch(ctx, req.PlanRef)
	if err != nil {
		return domain.RunRef{}, fmt.Errorf("%w: plan rejected: %v", ErrValidation, err)
	}

	md := domain.RunMetadata{
		TenantID:      rc.TenantID,
		ProjectID:     rc.ProjectID,
		EnvironmentID: rc.EnvironmentID,
		RunID:         rc.RunID,
		PlanID:        plan.ID,
		PlanVersion:   plan.Version,
		Provider:      rc.Provider,
	}
	queued := domain.EventEnvelope{
		RunID:          rc.RunID,
		Type:           domain.EventRunQueued,
		LogicalAttempt: 1,
		IdempotencyKey: idempotency.EventKey(domain.EventRunQueued, rc.TenantID, rc.RunID, 1, ""),
		EmittedAt:      time.Now().UTC(),
	}
	if _, err := e.store.BootstrapRun(ctx, md, []domain.EventEnvelope{queued}); err != nil {
		if errors.Is(err, repo.ErrRunExists) {
			return domain.RunRef{}, fmt.Errorf("%w: %s", ErrRunExists, rc.RunID)
		}
		return domain.RunRef{}, fmt.Errorf("bootstrap run: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	callStart := time.Now()
	info, err := adapter.StartRun(callCtx, provider.StartInput{Run: rc, PlanRef: req.PlanRef})
	e.metrics.adapterCalls.WithLabelValues(string(rc.Provider), "start").Observe(time.Since(callStart).Seconds())
	if err != nil {
		e.breaker.failure(rc.Provider)
		e.metrics.startFailures.Inc()
		e.recordStartFailure(ctx, rc, err)
		return domain.RunRef{}, fmt.Errorf("%w: start: %v", ErrProviderUnavailable, err)
	}
	e.breaker.success(rc.Provider)
	e.metrics.breakerOpen.WithLabelValues(string(rc.Provider)).Set(0)

	if err := e.store.UpdateProviderInfo(ctx, rc.RunID, info); err != nil {
		e.logger.Warn("provider info not persisted", "run_id", rc.RunID, "error", err)
	}

	e.metrics.runsStarted.Inc()
	e.recordAudit(ctx, identity, "run.start", rc.RunID, map[string]any{
		"tenant_id":   rc.TenantID,
		"project_id":  rc.ProjectID,
		"provider":    string(rc.Provider),
		"plan_id":     plan.ID,
		"plan_ver":    plan.Version,
		"workflow_id": info.WorkflowID,
	})
	e.logger.Info("run started",
		"run_id", rc.RunID, "tenant_id", rc.TenantID, "provider", rc.Provider, "plan_id", plan.ID)
	return domain.RunRef{TenantID: rc.TenantID, RunID: rc.RunID}, nil
}

// recordStartFailure appends RunFailed best effort so the run does not
// linger as PENDING after a provider start failure.
func (e *Engine) recordStartFailure(ctx context.Context, rc domain.RunContext, cause error) {
	payload := domain.MarshalPayload(domain.RunFailedPayload{Error: "provider start failed: " + cause.Error()})
	failed := domain.EventEnvelope{
		RunID:          rc.RunID,
		Type:           domain.EventRunFailed,
		LogicalAttempt: 1,
		IdempotencyKey: idempotency.EventKey(domain.EventRunFailed, rc.TenantID, rc.RunID, 1, ""),
		EmittedAt:      time.Now().UTC(),
		Payload:        payload,
	}
	if _, err := e.store.AppendAndEnqueue(ctx, rc.RunID, []domain.EventEnvelope{failed}); err != nil {
		e.logger.Error("run failed event not persisted", "run_id", rc.RunID, "error", err)
	}
}

// CancelRun forwards cancellation to the provider. Cancelling a terminal
// run succeeds without side effects.
func (e *Engine) CancelRun(ctx context.Context, identity auth.Identity, ref domain.RunRef, reason string) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := auth.AssertTenantAccess(identity, ref.TenantID); err != nil {
		return err
	}
	md, err := e.loadRun(ctx, ref)
	if err != nil {
		return err
	}
	snap, err := e.store.GetSnapshot(ctx, ref.RunID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("get snapshot: %w", err)
	}
	if snap.Status.Terminal() {
		return nil
	}

	adapter, err := e.registry.Resolve(md.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !e.breaker.allow(md.Provider) {
		return fmt.Errorf("%w: breaker open for %s", ErrProviderUnavailable, md.Provider)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	callStart := time.Now()
	err = adapter.CancelRun(callCtx, md, reason)
	e.metrics.adapterCalls.WithLabelValues(string(md.Provider), "cancel").Observe(time.Since(callStart).Seconds())
	if err != nil {
		e.breaker.failure(md.Provider)
		return fmt.Errorf("%w: cancel: %v", ErrProviderUnavailable, err)
	}
	e.breaker.success(md.Provider)
	e.metrics.runsCancelled.Inc()
	e.recordAudit(ctx, identity, "run.cancel", ref.RunID, map[string]any{
		"tenant_id": ref.TenantID,
		"reason":    reason,
	})
	return nil
}

// RunStatusView is the status read model: canonical projection plus
// best-effort provider enrichment.
type RunStatusView struct {
	Ref      domain.RunRef          `json:"ref"`
	PlanID   string                 `json:"plan_id"`
	PlanVer  string                 `json:"plan_version"`
	Provider domain.ProviderKind    `json:"provider"`
	Snapshot domain.RunSnapshot     `json:"snapshot"`
	Runtime  provider.RuntimeStatus `json:"runtime,omitempty"`
	// RuntimeFresh is false when enrichment was skipped or failed; the
	// canonical fields are still authoritative.
	RuntimeFresh bool `json:"runtime_fresh"`
}

func (e *Engine) GetRunStatus(ctx context.Context, identity auth.Identity, ref domain.RunRef) (RunStatusView, error) {
	if err := ref.Validate(); err != nil {
		return RunStatusView{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := auth.AssertTenantAccess(identity, ref.TenantID); err != nil {
		return RunStatusView{}, err
	}
	md, err := e.loadRun(ctx, ref)
	if err != nil {
		return RunStatusView{}, err
	}
	snap, err := e.store.GetSnapshot(ctx, ref.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return RunStatusView{}, ErrRunNotFound
		}
		return RunStatusView{}, fmt.Errorf("get snapshot: %w", err)
	}

	view := RunStatusView{
		Ref:      ref,
		PlanID:   md.PlanID,
		PlanVer:  md.PlanVersion,
		Provider: md.Provider,
		Snapshot: snap,
	}

	// Enrichment is optional by design: skipped for terminal runs and
	// while the breaker is open, dropped on error. It never overrides the
	// projected status.
	if snap.Status.Terminal() || !e.breaker.allow(md.Provider) {
		if !snap.Status.Terminal() {
			e.metrics.statusDegraded.Inc()
		}
		return view, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	adapter, err := e.registry.Resolve(md.Provider)
	if err != nil {
		return view, nil
	}
	callStart := time.Now()
	runtime, err := adapter.GetRunStatus(callCtx, md)
	e.metrics.adapterCalls.WithLabelValues(string(md.Provider), "status").Observe(time.Since(callStart).Seconds())
	if err != nil {
		e.breaker.failure(md.Provider)
		e.metrics.statusDegraded.Inc()
		e.logger.Debug("status enrichment failed", "run_id", ref.RunID, "error", err)
		return view, nil
	}
	e.breaker.success(md.Provider)
	view.Runtime = runtime
	view.RuntimeFresh = true
	return view, nil
}

// ListEvents pages the run's event log by sequence watermark.
func (e *Engine) ListEvents(ctx context.Context, identity auth.Identity, ref domain.RunRef, q repo.EventQuery) ([]domain.EventEnvelope, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := auth.AssertTenantAccess(identity, ref.TenantID); err != nil {
		return nil, err
	}
	if _, err := e.loadRun(ctx, ref); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, ref.RunID, q)
}

// SignalAccepted acknowledges a signal. The idempotency key collapses
// client resends of the same SignalID into one logical intervention.
type SignalAccepted struct {
	SignalID         string `json:"signal_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	PolicyDecisionID string `json:"policy_decision_id,omitempty"`
}

func (e *Engine) Signal(ctx context.Context, identity auth.Identity, ref domain.RunRef, sig domain.SignalRequest) (SignalAccepted, error) {
	if err := ref.Validate(); err != nil {
		return SignalAccepted{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := sig.Validate(); err != nil {
		return SignalAccepted{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := auth.AssertTenantAccess(identity, ref.TenantID); err != nil {
		return SignalAccepted{}, err
	}
	if sig.Type == domain.SignalRetryStep || sig.Type == domain.SignalRetryRun {
		return SignalAccepted{}, fmt.Errorf("%w: %s", ErrSignalNotImplemented, sig.Type)
	}

	md, err := e.loadRun(ctx, ref)
	if err != nil {
		return SignalAccepted{}, err
	}
	snap, err := e.store.GetSnapshot(ctx, ref.RunID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return SignalAccepted{}, fmt.Errorf("get snapshot: %w", err)
	}

	key := idempotency.SignalKey(ref.TenantID, ref.RunID, sig.SignalID)
	accepted := SignalAccepted{SignalID: sig.SignalID, IdempotencyKey: key}

	if snap.Status.Terminal() {
		// Cancel is idempotent against finished runs; pause and resume
		// are meaningless there.
		if sig.Type == domain.SignalCancel {
			return accepted, nil
		}
		return SignalAccepted{}, fmt.Errorf("%w: %s", ErrRunTerminal, snap.Status)
	}

	if e.policy != nil {
		decision, err := auth.EvaluateSignal(*e.policy, auth.SignalContext{
			Actor: identity,
			Run: domain.RunContext{
				TenantID:      md.TenantID,
				ProjectID:     md.ProjectID,
				EnvironmentID: md.EnvironmentID,
				RunID:         md.RunID,
				Provider:      md.Provider,
			},
			Status: snap.Status,
			Signal: sig,
		})
		if err != nil {
			return SignalAccepted{}, fmt.Errorf("evaluate policy: %w", err)
		}
		accepted.PolicyDecisionID = decision.PolicyDecisionID
		if decision.RequiresApproval {
			return SignalAccepted{}, fmt.Errorf("%w: rule %s", ErrApprovalRequired, decision.RuleID)
		}
		if !decision.Allowed {
			return SignalAccepted{}, fmt.Errorf("%w: rule %s", ErrPolicyDenied, decision.RuleID)
		}
	}

	adapter, err := e.registry.Resolve(md.Provider)
	if err != nil {
		return SignalAccepted{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !e.breaker.allow(md.Provider) {
		return SignalAccepted{}, fmt.Errorf("%w: breaker open for %s", ErrProviderUnavailable, md.Provider)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	callStart := time.Now()
	err = adapter.Signal(callCtx, md, sig)
	e.metrics.adapterCalls.WithLabelValues(string(md.Provider), "signal").Observe(time.Since(callStart).Seconds())
	if err != nil {
		e.breaker.failure(md.Provider)
		return SignalAccepted{}, fmt.Errorf("%w: signal: %v", ErrProviderUnavailable, err)
	}
	e.breaker.success(md.Provider)
	e.metrics.signals.WithLabelValues(string(sig.Type)).Inc()
	auditPayload := map[string]any{
		"tenant_id":          ref.TenantID,
		"signal_id":          sig.SignalID,
		"idempotency_key":    key,
		"policy_decision_id": accepted.PolicyDecisionID,
		"reason":             sig.Reason,
	}
	if lifecycle, ok := sig.Type.LifecycleEvent(); ok {
		// The canonical event the interpreter emits when it acts on the
		// signal; lets audit consumers join against the run log.
		auditPayload["lifecycle_event"] = string(lifecycle)
	}
	e.recordAudit(ctx, identity, "run.signal."+strings.ToLower(string(sig.Type)), ref.RunID, auditPayload)
	return accepted, nil
}

// HealthReport aggregates component health. Healthy is the AND of all
// components.
type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

func (e *Engine) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Components: map[string]string{}}
	record := func(name string, err error) {
		if err != nil {
			report.Healthy = false
			report.Components[name] = err.Error()
			return
		}
		report.Components[name] = "ok"
	}

	record("store", e.store.Ping(ctx))
	for _, kind := range e.registry.Kinds() {
		adapter, err := e.registry.Resolve(kind)
		if err != nil {
			record("provider."+string(kind), err)
			continue
		}
		if e.breaker.open(kind) {
			record("provider."+string(kind), fmt.Errorf("breaker open"))
			continue
		}
		record("provider."+string(kind), adapter.Healthy(ctx))
	}
	for name, check := range e.checks {
		record(name, check(ctx))
	}
	return report
}

func (e *Engine) loadRun(ctx context.Context, ref domain.RunRef) (domain.RunMetadata, error) {
	md, err := e.store.GetRunMetadata(ctx, ref.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RunMetadata{}, ErrRunNotFound
		}
		return domain.RunMetadata{}, fmt.Errorf("get run metadata: %w", err)
	}
	// A run in another tenant is indistinguishable from a missing one.
	if md.TenantID != ref.TenantID {
		return domain.RunMetadata{}, ErrRunNotFound
	}
	return md, nil
}

func (e *Engine) recordAudit(ctx context.Context, identity auth.Identity, action, runID string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	actor := strings.TrimSpace(identity.Subject)
	if actor == "" {
		actor = "anonymous"
	}
	e.audit.Record(ctx, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "run",
		ResourceID:   runID,
		Payload:      payload,
	})
}

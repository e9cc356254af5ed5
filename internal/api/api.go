// Package api exposes the run orchestration surface over HTTP. Handlers
// stay thin: decode, hand off to the engine, map the error taxonomy to a
// status code.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/orchid-labs/orchid-go/internal/auth"
	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/engine"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

type API struct {
	logger *slog.Logger
	engine *engine.Engine
}

func New(logger *slog.Logger, eng *engine.Engine) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, engine: eng}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", a.handleStartRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", a.handleCancelRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/signals", a.handleSignal)

	mux.HandleFunc("GET /v1/runs/{run_id}/status", a.handleGetStatus)
	mux.HandleFunc("GET /v1/runs/{run_id}/state", a.handleGetState)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", a.handleListEvents)
}

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req engine.StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	ref, err := a.engine.StartRun(r.Context(), identity, req)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+ref.RunID)
	a.writeJSON(w, http.StatusCreated, ref)
}

type cancelRequest struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason,omitempty"`
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	ref := domain.RunRef{TenantID: req.TenantID, RunID: r.PathValue("run_id")}

	if err := a.engine.CancelRun(r.Context(), identity, ref, req.Reason); err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": ref.RunID,
		"status": "cancel_requested",
	})
}

type signalRequest struct {
	TenantID string            `json:"tenant_id"`
	SignalID string            `json:"signal_id"`
	Type     domain.SignalType `json:"type"`
	Reason   string            `json:"reason,omitempty"`
	StepID   string            `json:"step_id,omitempty"`
}

func (a *API) handleSignal(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req signalRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	ref := domain.RunRef{TenantID: req.TenantID, RunID: r.PathValue("run_id")}
	sig := domain.SignalRequest{
		SignalID: req.SignalID,
		Type:     req.Type,
		Reason:   req.Reason,
		StepID:   req.StepID,
		Actor:    identity.Subject,
	}

	accepted, err := a.engine.Signal(r.Context(), identity, ref, sig)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, accepted)
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := a.readRef(w, r)
	if !ok {
		return
	}

	view, err := a.engine.GetRunStatus(r.Context(), identity, ref)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":        view.Ref.RunID,
		"plan_id":       view.PlanID,
		"plan_version":  view.PlanVer,
		"provider":      view.Provider,
		"status":        view.Snapshot.Status,
		"paused":        view.Snapshot.Paused,
		"error":         view.Snapshot.Error,
		"runtime":       view.Runtime,
		"runtime_fresh": view.RuntimeFresh,
	})
}

// handleGetState returns the full projected snapshot including per-step
// state; handleGetStatus is the compact form.
func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := a.readRef(w, r)
	if !ok {
		return
	}

	view, err := a.engine.GetRunStatus(r.Context(), identity, ref)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	identity, ref, ok := a.readRef(w, r)
	if !ok {
		return
	}

	q := repo.EventQuery{
		AfterSeq: parseInt64Query(r, "after_seq", 0),
		Limit:    clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	events, err := a.engine.ListEvents(r.Context(), identity, ref, q)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}

	var nextSeq int64 = q.AfterSeq
	if len(events) > 0 {
		nextSeq = events[len(events)-1].RunSeq
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   ref.RunID,
		"events":   events,
		"next_seq": nextSeq,
	})
}

func (a *API) readRef(w http.ResponseWriter, r *http.Request) (auth.Identity, domain.RunRef, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, domain.RunRef{}, false
	}
	ref := domain.RunRef{
		TenantID: strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		RunID:    strings.TrimSpace(r.PathValue("run_id")),
	}
	if ref.TenantID == "" {
		a.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return auth.Identity{}, domain.RunRef{}, false
	}
	return identity, ref, true
}

func (a *API) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		a.writeError(w, r, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, auth.ErrUnauthenticated):
		a.writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, engine.ErrPolicyDenied):
		a.writeError(w, r, http.StatusForbidden, "policy_denied")
	case errors.Is(err, engine.ErrApprovalRequired):
		a.writeError(w, r, http.StatusForbidden, "approval_required")
	case errors.Is(err, auth.ErrForbidden):
		a.writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, engine.ErrRunNotFound):
		a.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, engine.ErrRunExists):
		a.writeError(w, r, http.StatusConflict, "run_exists")
	case errors.Is(err, engine.ErrRunTerminal):
		a.writeError(w, r, http.StatusConflict, "run_terminal")
	case errors.Is(err, engine.ErrSignalNotImplemented):
		a.writeError(w, r, http.StatusNotImplemented, "signal_not_implemented")
	case errors.Is(err, engine.ErrProviderUnavailable):
		a.writeError(w, r, http.StatusServiceUnavailable, "provider_unavailable")
	default:
		requestID := r.Header.Get("X-Request-Id")
		a.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	a.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

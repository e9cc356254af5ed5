package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// EventType enumerates the canonical engine events. The set is closed on the
// producer side; consumers must treat unknown values as a no-op so newer
// producers can coexist with older projection code.
type EventType string

const (
	EventRunQueued    EventType = "RunQueued"
	EventRunStarted   EventType = "RunStarted"
	EventRunPaused    EventType = "RunPaused"
	EventRunResumed   EventType = "RunResumed"
	EventRunCancelled EventType = "RunCancelled"
	EventRunCompleted EventType = "RunCompleted"
	EventRunFailed    EventType = "RunFailed"
	EventStepStarted  EventType = "StepStarted"
	EventStepCompleted EventType = "StepCompleted"
	EventStepFailed   EventType = "StepFailed"
	EventStepSkipped  EventType = "StepSkipped"
)

func (t EventType) Known() bool {
	switch t {
	case EventRunQueued, EventRunStarted, EventRunPaused, EventRunResumed,
		EventRunCancelled, EventRunCompleted, EventRunFailed,
		EventStepStarted, EventStepCompleted, EventStepFailed, EventStepSkipped:
		return true
	}
	return false
}

// EventEnvelope is the atomic unit of the run event log. RunSeq is assigned by
// the store under a per-run lock; EventID is assigned at persist time when the
// producer left it empty (deterministic producers cannot mint UUIDs).
type EventEnvelope struct {
	RunID          string          `json:"run_id"`
	RunSeq         int64           `json:"run_seq"`
	EventID        string          `json:"event_id"`
	Type           EventType       `json:"type"`
	StepID         string          `json:"step_id,omitempty"`
	EngineAttempt  int             `json:"engine_attempt"`
	LogicalAttempt int             `json:"logical_attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	EmittedAt      time.Time       `json:"emitted_at"`
	PersistedAt    *time.Time      `json:"persisted_at,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (e EventEnvelope) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if !e.Type.Known() {
		return errors.New("unknown event type: " + string(e.Type))
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if e.EmittedAt.IsZero() {
		return errors.New("emitted_at is required")
	}
	switch e.Type {
	case EventStepStarted, EventStepCompleted, EventStepFailed, EventStepSkipped:
		if strings.TrimSpace(e.StepID) == "" {
			return errors.New("step id is required for step events")
		}
	}
	return nil
}

// Event payloads. Kept small and serialized as opaque JSON inside the
// envelope so the log schema never changes when a payload grows a field.

type RunFailedPayload struct {
	Error  string `json:"error"`
	StepID string `json:"step_id,omitempty"`
}

type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

type StepFailedPayload struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type StepCompletedPayload struct {
	Artifacts []string `json:"artifacts,omitempty"`
}

func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// Package idempotency derives stable keys for events and signals so that
// infrastructure retries never duplicate stored effects.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

// EventKey builds the idempotency key for a canonical event. The key depends
// on the logical attempt only: two infrastructure retries of the same logical
// operation must collapse to one stored event, so the engine-level attempt
// counter is deliberately excluded.
func EventKey(eventType domain.EventType, tenantID, runID string, logicalAttempt int, stepID string) string {
	type input struct {
		Kind           string `json:"kind"`
		EventType      string `json:"event_type"`
		TenantID       string `json:"tenant_id"`
		RunID          string `json:"run_id"`
		LogicalAttempt int    `json:"logical_attempt"`
		StepID         string `json:"step_id,omitempty"`
	}
	return hash(input{
		Kind:           "event.v1",
		EventType:      string(eventType),
		TenantID:       strings.TrimSpace(tenantID),
		RunID:          strings.TrimSpace(runID),
		LogicalAttempt: logicalAttempt,
		StepID:         strings.TrimSpace(stepID),
	})
}

// SignalKey builds the idempotency key for a client signal. It is derived
// from the client-supplied signal id so a re-sent signal is absorbed.
func SignalKey(tenantID, runID, signalID string) string {
	type input struct {
		Kind     string `json:"kind"`
		TenantID string `json:"tenant_id"`
		RunID    string `json:"run_id"`
		SignalID string `json:"signal_id"`
	}
	return hash(input{
		Kind:     "signal.v1",
		TenantID: strings.TrimSpace(tenantID),
		RunID:    strings.TrimSpace(runID),
		SignalID: strings.TrimSpace(signalID),
	})
}

func hash(v any) string {
	blob, err := json.Marshal(v)
	if err != nil {
		// Inputs are plain structs of strings and ints; Marshal cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

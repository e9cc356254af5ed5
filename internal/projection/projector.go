// Package projection folds a run's event log into its materialized snapshot.
// The fold is pure and deterministic: rebuilding from scratch and applying
// incrementally must agree for any batching of the same events.
package projection

import (
	"encoding/json"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

// Apply folds one event into a snapshot and returns the updated copy. Events
// must be applied in run-sequence order. Unknown event types advance the
// high-water mark and change nothing else; they are never an error, so older
// projection code can coexist with newer producers.
func Apply(snapshot domain.RunSnapshot, event domain.EventEnvelope) domain.RunSnapshot {
	out := snapshot.Clone()
	if event.RunSeq > out.LastSeq {
		out.LastSeq = event.RunSeq
	}

	switch event.Type {
	case domain.EventRunQueued:
		if out.Status == domain.RunPending && out.QueuedAt == nil {
			at := event.EmittedAt
			out.QueuedAt = &at
		}
	case domain.EventRunStarted:
		if !out.Status.Terminal() {
			out.Status = domain.RunRunning
			if out.StartedAt == nil {
				at := event.EmittedAt
				out.StartedAt = &at
			}
		}
	case domain.EventRunPaused:
		if !out.Status.Terminal() {
			out.Paused = true
			out.Status = domain.RunPaused
		}
	case domain.EventRunResumed:
		if !out.Status.Terminal() {
			out.Paused = false
			out.Status = domain.RunRunning
		}
	case domain.EventRunCancelled:
		if !out.Status.Terminal() {
			out.Status = domain.RunCancelled
			out.Paused = false
			at := event.EmittedAt
			out.EndedAt = &at
		}
	case domain.EventRunCompleted:
		if !out.Status.Terminal() {
			out.Status = domain.RunCompleted
			at := event.EmittedAt
			out.EndedAt = &at
		}
	case domain.EventRunFailed:
		if !out.Status.Terminal() {
			out.Status = domain.RunFailed
			at := event.EmittedAt
			out.EndedAt = &at
			var payload domain.RunFailedPayload
			if decode(event.Payload, &payload) {
				out.Error = payload.Error
			}
		}
	case domain.EventStepStarted:
		step := out.Steps[event.StepID]
		step.Status = domain.StepRunning
		step.Attempts++
		if step.StartedAt == nil {
			at := event.EmittedAt
			step.StartedAt = &at
		}
		out.Steps[event.StepID] = step
	case domain.EventStepCompleted:
		step := out.Steps[event.StepID]
		step.Status = domain.StepCompleted
		at := event.EmittedAt
		step.CompletedAt = &at
		step.Error = ""
		out.Steps[event.StepID] = step
		var payload domain.StepCompletedPayload
		if decode(event.Payload, &payload) && len(payload.Artifacts) > 0 {
			out.Artifacts = append(out.Artifacts, payload.Artifacts...)
		}
	case domain.EventStepFailed:
		step := out.Steps[event.StepID]
		step.Status = domain.StepFailed
		at := event.EmittedAt
		step.CompletedAt = &at
		var payload domain.StepFailedPayload
		if decode(event.Payload, &payload) {
			step.Error = payload.Error
		}
		out.Steps[event.StepID] = step
	case domain.EventStepSkipped:
		step := out.Steps[event.StepID]
		step.Status = domain.StepSkipped
		out.Steps[event.StepID] = step
	default:
		// Forward compatibility: ignore unrecognized event types.
	}
	return out
}

// Rebuild folds the full event history from an empty snapshot.
func Rebuild(runID string, events []domain.EventEnvelope) domain.RunSnapshot {
	return Incremental(domain.NewRunSnapshot(runID), events)
}

// Incremental folds a batch of new events onto an existing snapshot.
func Incremental(snapshot domain.RunSnapshot, events []domain.EventEnvelope) domain.RunSnapshot {
	out := snapshot
	for _, event := range events {
		out = Apply(out, event)
	}
	return out
}

func decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

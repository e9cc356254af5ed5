package domain

import "time"

// RunStatus is the projected lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether no further lifecycle events are expected.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

type StepSnapshot struct {
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunSnapshot is the materialized projection of a run's event log. It is a
// cache: rebuildable at any time by replaying the log, mutated only by
// applying events in sequence order. LastSeq is the high-water mark of
// applied events.
type RunSnapshot struct {
	RunID     string                  `json:"run_id"`
	Status    RunStatus               `json:"status"`
	Paused    bool                    `json:"paused"`
	Steps     map[string]StepSnapshot `json:"steps"`
	Artifacts []string                `json:"artifacts,omitempty"`
	Error     string                  `json:"error,omitempty"`
	QueuedAt  *time.Time              `json:"queued_at,omitempty"`
	StartedAt *time.Time              `json:"started_at,omitempty"`
	EndedAt   *time.Time              `json:"ended_at,omitempty"`
	LastSeq   int64                   `json:"last_seq"`
}

// NewRunSnapshot is the empty projection state for a run.
func NewRunSnapshot(runID string) RunSnapshot {
	return RunSnapshot{
		RunID:  runID,
		Status: RunPending,
		Steps:  map[string]StepSnapshot{},
	}
}

// Clone returns a deep copy so folds never alias the caller's map.
func (s RunSnapshot) Clone() RunSnapshot {
	out := s
	out.Steps = make(map[string]StepSnapshot, len(s.Steps))
	for id, step := range s.Steps {
		out.Steps[id] = step
	}
	if s.Artifacts != nil {
		out.Artifacts = append([]string(nil), s.Artifacts...)
	}
	return out
}

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// SignalType enumerates externally triggered run interventions. PAUSE, RESUME
// and CANCEL map 1:1 to canonical lifecycle events. The retry signals are
// declared so requests parse, but the engine rejects them until retry
// semantics are settled.
type SignalType string

const (
	SignalPause     SignalType = "PAUSE"
	SignalResume    SignalType = "RESUME"
	SignalCancel    SignalType = "CANCEL"
	SignalRetryStep SignalType = "RETRY_STEP"
	SignalRetryRun  SignalType = "RETRY_RUN"
)

func (t SignalType) Known() bool {
	switch t {
	case SignalPause, SignalResume, SignalCancel, SignalRetryStep, SignalRetryRun:
		return true
	}
	return false
}

// LifecycleEvent returns the canonical event a signal maps to, if any.
func (t SignalType) LifecycleEvent() (EventType, bool) {
	switch t {
	case SignalPause:
		return EventRunPaused, true
	case SignalResume:
		return EventRunResumed, true
	case SignalCancel:
		return EventRunCancelled, true
	}
	return "", false
}

// SignalRequest carries a client intervention. SignalID is client supplied so
// a re-sent signal (client timeout, duplicate click) collapses to one stored
// effect.
type SignalRequest struct {
	SignalID string     `json:"signal_id"`
	Type     SignalType `json:"type"`
	Reason   string     `json:"reason,omitempty"`
	StepID   string     `json:"step_id,omitempty"`
	Actor    string     `json:"actor,omitempty"`
}

func (r SignalRequest) Validate() error {
	if strings.TrimSpace(r.SignalID) == "" {
		return errors.New("signal id is required")
	}
	if !r.Type.Known() {
		return fmt.Errorf("unknown signal type: %q", r.Type)
	}
	if r.Type == SignalRetryStep && strings.TrimSpace(r.StepID) == "" {
		return errors.New("step id is required for RETRY_STEP")
	}
	return nil
}

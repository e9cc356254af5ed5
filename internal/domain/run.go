package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderKind selects the execution substrate that drives a run. The set is
// closed: run metadata stores the kind so later calls resolve the same
// concrete adapter.
type ProviderKind string

const (
	ProviderTemporal ProviderKind = "temporal"
	ProviderMock     ProviderKind = "mock"
)

func (k ProviderKind) Known() bool {
	return k == ProviderTemporal || k == ProviderMock
}

// RunContext is the immutable identity of a run. Created once at start, never
// mutated.
type RunContext struct {
	TenantID      string       `json:"tenant_id"`
	ProjectID     string       `json:"project_id"`
	EnvironmentID string       `json:"environment_id"`
	RunID         string       `json:"run_id"`
	Provider      ProviderKind `json:"provider"`
}

func (c RunContext) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(c.EnvironmentID) == "" {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(c.RunID) == "" {
		return errors.New("run id is required")
	}
	if !c.Provider.Known() {
		return fmt.Errorf("unknown provider: %q", c.Provider)
	}
	return nil
}

// RunMetadata is the one-per-run record created at bootstrap. Provider
// correlation fields may be filled in once after the adapter confirms
// provider-side execution started; everything else is immutable.
type RunMetadata struct {
	TenantID      string
	ProjectID     string
	EnvironmentID string
	RunID         string

	PlanID      string
	PlanVersion string

	Provider ProviderKind

	// Provider correlation. Which fields are set depends on the kind.
	ProviderWorkflowID string
	ProviderRunID      string
	ProviderNamespace  string
	ProviderTaskQueue  string
	ProviderEndpoint   string

	CreatedAt time.Time
}

func (m RunMetadata) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(m.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(m.EnvironmentID) == "" {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(m.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(m.PlanID) == "" {
		return errors.New("plan id is required")
	}
	if strings.TrimSpace(m.PlanVersion) == "" {
		return errors.New("plan version is required")
	}
	if !m.Provider.Known() {
		return fmt.Errorf("unknown provider: %q", m.Provider)
	}
	return nil
}

// ProviderInfo is the correlation subset an adapter returns after a
// successful start.
type ProviderInfo struct {
	WorkflowID string
	RunID      string
	Namespace  string
	TaskQueue  string
	Endpoint   string
}

// RunRef is the opaque handle returned to callers.
type RunRef struct {
	TenantID string `json:"tenant_id"`
	RunID    string `json:"run_id"`
}

func (r RunRef) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	return nil
}

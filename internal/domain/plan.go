package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PlanRef points at a plan document stored externally. The content hash and
// schema version must be verified against the fetched bytes before any
// execution side effect; a mismatch is fatal, never a warning.
type PlanRef struct {
	URI           string     `json:"uri"`
	ContentSHA256 string     `json:"content_sha256"`
	SchemaVersion string     `json:"schema_version"`
	PlanID        string     `json:"plan_id"`
	PlanVersion   string     `json:"plan_version"`
	SizeBytes     int64      `json:"size_bytes,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (r PlanRef) Validate() error {
	if strings.TrimSpace(r.URI) == "" {
		return errors.New("plan uri is required")
	}
	if len(strings.TrimSpace(r.ContentSHA256)) != 64 {
		return errors.New("plan content sha256 must be 64 hex chars")
	}
	if strings.TrimSpace(r.SchemaVersion) == "" {
		return errors.New("plan schema version is required")
	}
	if strings.TrimSpace(r.PlanID) == "" {
		return errors.New("plan id is required")
	}
	if strings.TrimSpace(r.PlanVersion) == "" {
		return errors.New("plan version is required")
	}
	if r.SizeBytes < 0 {
		return errors.New("plan size must be >= 0")
	}
	return nil
}

// Plan is the parsed execution plan. Steps may declare dependencies by id;
// legacy plans with no dependencies at all run strictly sequentially.
type Plan struct {
	ID            string          `json:"id"`
	Version       string          `json:"version"`
	SchemaVersion string          `json:"schema_version"`
	Steps         []PlanStep      `json:"steps"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type PlanStep struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Uses      string          `json:"uses"`
	With      json.RawMessage `json:"with,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("plan id is required")
	}
	if strings.TrimSpace(p.Version) == "" {
		return errors.New("plan version is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if strings.TrimSpace(step.Uses) == "" {
			return fmt.Errorf("step %q: uses is required", step.ID)
		}
	}
	return nil
}

func UnmarshalPlan(raw []byte) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

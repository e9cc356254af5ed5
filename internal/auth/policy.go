package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

// Signal policy: a YAML rule list evaluated before any signal reaches a
// run. First matching rule wins; no match falls through to the default
// effect (deny unless configured otherwise).

const PolicySchemaV1 = "orchid.policy.v1"

const (
	EffectAllow           = "allow"
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

type PolicySpec struct {
	Schema        string       `json:"schema" yaml:"schema"`
	DefaultEffect string       `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`
	Rules         []PolicyRule `json:"rules" yaml:"rules"`
}

type PolicyRule struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string          `json:"effect" yaml:"effect"`
	When        []RuleCondition `json:"when" yaml:"when"`
}

type RuleCondition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func ParsePolicy(input []byte) (PolicySpec, error) {
	var spec PolicySpec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return PolicySpec{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return PolicySpec{}, err
	}
	return spec, nil
}

func (s PolicySpec) Validate() error {
	if strings.TrimSpace(s.Schema) != PolicySchemaV1 {
		return fmt.Errorf("policy schema must be %q", PolicySchemaV1)
	}
	if len(s.Rules) == 0 {
		return errors.New("policy rules must be non-empty")
	}
	defaultEffect := strings.ToLower(strings.TrimSpace(s.DefaultEffect))
	if defaultEffect != "" && !effectKnown(defaultEffect) {
		return fmt.Errorf("policy default_effect unsupported: %q", s.DefaultEffect)
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		ruleID := strings.TrimSpace(rule.ID)
		if ruleID == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if _, ok := seen[ruleID]; ok {
			return fmt.Errorf("rules[%d].id must be unique (duplicate %q)", i, ruleID)
		}
		seen[ruleID] = struct{}{}

		if !effectKnown(rule.Effect) {
			return fmt.Errorf("rules[%d].effect unsupported: %q", i, rule.Effect)
		}
		if len(rule.When) == 0 {
			return fmt.Errorf("rules[%d].when must be non-empty", i)
		}
		for j, cond := range rule.When {
			if strings.TrimSpace(cond.Field) == "" {
				return fmt.Errorf("rules[%d].when[%d].field is required", i, j)
			}
			op := strings.ToLower(strings.TrimSpace(cond.Op))
			switch op {
			case "exists":
			case "in", "not_in":
				if len(trimNonEmpty(cond.Values)) == 0 {
					return fmt.Errorf("rules[%d].when[%d].values must be non-empty for %s", i, j, op)
				}
			case "eq", "neq", "contains", "matches":
				if strings.TrimSpace(cond.Value) == "" {
					return fmt.Errorf("rules[%d].when[%d].value is required for %s", i, j, op)
				}
			default:
				return fmt.Errorf("rules[%d].when[%d].op unsupported: %q", i, j, cond.Op)
			}
		}
	}
	return nil
}

// SignalContext is what rules match against.
type SignalContext struct {
	Actor  Identity
	Run    domain.RunContext
	Status domain.RunStatus
	Signal domain.SignalRequest
	Labels map[string]string
}

type SignalDecision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	RuleID           string `json:"rule_id,omitempty"`
	Reason           string `json:"reason"`
	PolicyDecisionID string `json:"policy_decision_id"`
}

// EvaluateSignal runs the rule list top to bottom and returns the decision
// for the first match, or the default effect when nothing matches.
func EvaluateSignal(spec PolicySpec, ctx SignalContext) (SignalDecision, error) {
	if err := spec.Validate(); err != nil {
		return SignalDecision{}, err
	}
	decisionID := uuid.NewString()
	for _, rule := range spec.Rules {
		if !ruleMatches(rule, ctx) {
			continue
		}
		effect := strings.ToLower(strings.TrimSpace(rule.Effect))
		return SignalDecision{
			Allowed:          effect == EffectAllow,
			RequiresApproval: effect == EffectRequireApproval,
			RuleID:           strings.TrimSpace(rule.ID),
			Reason:           "rule_match",
			PolicyDecisionID: decisionID,
		}, nil
	}
	defaultEffect := strings.ToLower(strings.TrimSpace(spec.DefaultEffect))
	if defaultEffect == "" {
		defaultEffect = EffectDeny
	}
	return SignalDecision{
		Allowed:          defaultEffect == EffectAllow,
		RequiresApproval: defaultEffect == EffectRequireApproval,
		Reason:           "default",
		PolicyDecisionID: decisionID,
	}, nil
}

func ruleMatches(rule PolicyRule, ctx SignalContext) bool {
	for _, cond := range rule.When {
		if !conditionMatches(cond, ctx) {
			return false
		}
	}
	return true
}

func conditionMatches(cond RuleCondition, ctx SignalContext) bool {
	value, ok := ctx.field(cond.Field)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(cond.Op)) {
	case "exists":
		return true
	case "eq":
		return compareEqual(value, cond.Value)
	case "neq":
		return !compareEqual(value, cond.Value)
	case "in":
		return compareIn(value, cond.Values)
	case "not_in":
		return !compareIn(value, cond.Values)
	case "contains":
		return compareContains(value, cond.Value)
	case "matches":
		return compareRegex(value, cond.Value)
	default:
		return false
	}
}

func (c SignalContext) field(name string) (any, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "actor.subject":
		return c.Actor.Subject, strings.TrimSpace(c.Actor.Subject) != ""
	case "actor.email":
		return c.Actor.Email, strings.TrimSpace(c.Actor.Email) != ""
	case "actor.roles":
		return c.Actor.Roles, len(c.Actor.Roles) > 0
	case "run.tenant_id":
		return c.Run.TenantID, strings.TrimSpace(c.Run.TenantID) != ""
	case "run.project_id":
		return c.Run.ProjectID, strings.TrimSpace(c.Run.ProjectID) != ""
	case "run.environment_id":
		return c.Run.EnvironmentID, strings.TrimSpace(c.Run.EnvironmentID) != ""
	case "run.run_id":
		return c.Run.RunID, strings.TrimSpace(c.Run.RunID) != ""
	case "run.provider":
		return string(c.Run.Provider), strings.TrimSpace(string(c.Run.Provider)) != ""
	case "run.status":
		return string(c.Status), strings.TrimSpace(string(c.Status)) != ""
	case "signal.type":
		return string(c.Signal.Type), strings.TrimSpace(string(c.Signal.Type)) != ""
	case "signal.step_id":
		return c.Signal.StepID, strings.TrimSpace(c.Signal.StepID) != ""
	case "signal.reason":
		return c.Signal.Reason, strings.TrimSpace(c.Signal.Reason) != ""
	}
	if strings.HasPrefix(key, "labels.") {
		label := strings.TrimPrefix(key, "labels.")
		value, ok := c.Labels[label]
		return value, ok
	}
	return nil, false
}

func compareEqual(value any, target string) bool {
	target = normalizeString(target)
	switch typed := value.(type) {
	case string:
		return normalizeString(typed) == target
	case []string:
		for _, item := range typed {
			if normalizeString(item) == target {
				return true
			}
		}
		return false
	default:
		return normalizeString(fmt.Sprint(value)) == target
	}
}

func compareIn(value any, targets []string) bool {
	normalized := make(map[string]struct{}, len(targets))
	for _, t := range trimNonEmpty(targets) {
		normalized[normalizeString(t)] = struct{}{}
	}
	if len(normalized) == 0 {
		return false
	}
	switch typed := value.(type) {
	case string:
		_, ok := normalized[normalizeString(typed)]
		return ok
	case []string:
		for _, item := range typed {
			if _, ok := normalized[normalizeString(item)]; ok {
				return true
			}
		}
		return false
	default:
		_, ok := normalized[normalizeString(fmt.Sprint(value))]
		return ok
	}
}

func compareContains(value any, target string) bool {
	target = normalizeString(target)
	if target == "" {
		return false
	}
	switch typed := value.(type) {
	case string:
		return strings.Contains(normalizeString(typed), target)
	case []string:
		for _, item := range typed {
			if normalizeString(item) == target {
				return true
			}
		}
		return false
	default:
		return strings.Contains(normalizeString(fmt.Sprint(value)), target)
	}
}

func compareRegex(value any, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	switch typed := value.(type) {
	case string:
		return re.MatchString(typed)
	case []string:
		for _, item := range typed {
			if re.MatchString(item) {
				return true
			}
		}
		return false
	default:
		return re.MatchString(fmt.Sprint(value))
	}
}

func effectKnown(effect string) bool {
	switch strings.ToLower(strings.TrimSpace(effect)) {
	case EffectAllow, EffectDeny, EffectRequireApproval:
		return true
	default:
		return false
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, item := range values {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeString(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

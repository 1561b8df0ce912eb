package contracts

import (
	"fmt"
	"time"
)

// EscalationRule is a declarative matching predicate plus an action.
// Every set filter must be satisfied for the rule to match; unset filters
// are wildcards. A rule only ever raises a case to a level strictly above
// its current one.
type EscalationRule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version is bumped on every update. History records capture the
	// version that fired, so later edits never rewrite past escalations.
	Version int `json:"version" yaml:"version"`

	// Matching criteria. Zero values mean "any".
	CaseType           CaseType `json:"case_type,omitempty" yaml:"case_type,omitempty"`
	PriorityThreshold  Priority `json:"priority_threshold,omitempty" yaml:"priority_threshold,omitempty"`
	RiskScoreThreshold *int     `json:"risk_score_threshold,omitempty" yaml:"risk_score_threshold,omitempty"`
	TimeThresholdHours *float64 `json:"time_threshold_hours,omitempty" yaml:"time_threshold_hours,omitempty"`

	// Expression is an optional CEL predicate over the case snapshot,
	// for criteria the typed filters cannot express.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Action.
	EscalationLevel   int    `json:"escalation_level" yaml:"escalation_level"` // 1..5
	TargetRole        string `json:"target_role" yaml:"target_role"`
	AutoAssign        bool   `json:"auto_assign" yaml:"auto_assign"`
	SendNotifications bool   `json:"send_notifications" yaml:"send_notifications"`
	PriorityBoost     bool   `json:"priority_boost" yaml:"priority_boost"`

	Active    bool      `json:"active" yaml:"active"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Specificity counts the set matching criteria. Used as the second
// tie-break between rules targeting the same level.
func (r *EscalationRule) Specificity() int {
	n := 0
	if r.CaseType != "" && r.CaseType != CaseTypeAny {
		n++
	}
	if r.PriorityThreshold != PriorityAny {
		n++
	}
	if r.RiskScoreThreshold != nil {
		n++
	}
	if r.TimeThresholdHours != nil {
		n++
	}
	if r.Expression != "" {
		n++
	}
	return n
}

// Validate enforces the structural invariants of a rule definition.
func (r *EscalationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule %s: name is required", r.ID)
	}
	if r.EscalationLevel < 1 || r.EscalationLevel > MaxEscalationLevel {
		return fmt.Errorf("rule %q: escalation_level %d out of range 1..%d", r.Name, r.EscalationLevel, MaxEscalationLevel)
	}
	if r.TargetRole == "" {
		return fmt.Errorf("rule %q: target_role is required", r.Name)
	}
	if r.RiskScoreThreshold != nil && (*r.RiskScoreThreshold < 0 || *r.RiskScoreThreshold > 100) {
		return fmt.Errorf("rule %q: risk_score_threshold %d out of range 0..100", r.Name, *r.RiskScoreThreshold)
	}
	if r.TimeThresholdHours != nil && *r.TimeThresholdHours < 0 {
		return fmt.Errorf("rule %q: time_threshold_hours must be non-negative", r.Name)
	}
	// A rule with no criteria is a catch-all and must sit at the bottom
	// of the ladder, or it would escalate every case straight up.
	if r.Specificity() == 0 && r.EscalationLevel != 1 {
		return fmt.Errorf("rule %q: catch-all rules must target level 1, got %d", r.Name, r.EscalationLevel)
	}
	return nil
}

// Clone returns a deep copy. Registries hand out clones so callers can
// never mutate stored rules in place.
func (r *EscalationRule) Clone() *EscalationRule {
	c := *r
	if r.RiskScoreThreshold != nil {
		v := *r.RiskScoreThreshold
		c.RiskScoreThreshold = &v
	}
	if r.TimeThresholdHours != nil {
		v := *r.TimeThresholdHours
		c.TimeThresholdHours = &v
	}
	return &c
}

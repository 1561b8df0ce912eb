package contracts

import "time"

// EscalationHistory is one immutable record per escalation event.
// It is created at transition time, mutated exactly once by a resolution
// action, and never deleted.
type EscalationHistory struct {
	ID     string `json:"id"`
	CaseID string `json:"case_id"`
	Level  int    `json:"level"`

	// Reason is human-readable: which rule fired, or "manual escalation".
	Reason string `json:"reason"`

	// Snapshot of the rule that fired, so later rule edits do not
	// retroactively change this record. Empty for manual escalations.
	RuleID      string `json:"rule_id,omitempty"`
	RuleName    string `json:"rule_name,omitempty"`
	RuleVersion int    `json:"rule_version,omitempty"`

	PreviousPriority Priority `json:"previous_priority"`
	NewPriority      Priority `json:"new_priority"`

	TargetRole   string `json:"target_role"`
	TargetUserID string `json:"target_user_id,omitempty"`

	EscalatedAt     time.Time  `json:"escalated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Resolved reports whether the record has been closed.
func (h *EscalationHistory) Resolved() bool {
	return h.ResolvedAt != nil
}

// Clone returns a deep copy.
func (h *EscalationHistory) Clone() *EscalationHistory {
	c := *h
	if h.ResolvedAt != nil {
		t := *h.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

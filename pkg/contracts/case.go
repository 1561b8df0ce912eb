// Package contracts defines the shared domain types of the escalation
// engine: case snapshots, escalation rules, history records, SLA clocks,
// notifications, and the events the engine emits.
package contracts

import (
	"errors"
	"fmt"
	"time"
)

// CaseType classifies a compliance case.
type CaseType string

// Case type constants. CaseTypeAny is a wildcard used in rule filters only.
const (
	CaseTypeAny               CaseType = "any"
	CaseTypeSanctionsHit      CaseType = "sanctions_hit"
	CaseTypeAMLAlert          CaseType = "aml_alert"
	CaseTypeKYCReview         CaseType = "kyc_review"
	CaseTypePEPMatch          CaseType = "pep_match"
	CaseTypeTransactionReview CaseType = "transaction_review"
	CaseTypeFraudAlert        CaseType = "fraud_alert"
)

// KnownCaseTypes lists every concrete (non-wildcard) case type.
var KnownCaseTypes = []CaseType{
	CaseTypeSanctionsHit,
	CaseTypeAMLAlert,
	CaseTypeKYCReview,
	CaseTypePEPMatch,
	CaseTypeTransactionReview,
	CaseTypeFraudAlert,
}

// Priority is the ordered case priority scale.
type Priority int

const (
	PriorityAny      Priority = 0 // wildcard, rule filters only
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the lower-case label used on the wire.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "any"
	}
}

// ParsePriority maps a wire label back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "any", "":
		return PriorityAny, nil
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityAny, fmt.Errorf("unknown priority %q", s)
}

// Boost returns the next priority up, saturating at critical.
func (p Priority) Boost() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	if p < PriorityLow {
		return PriorityLow
	}
	return p + 1
}

// MaxEscalationLevel is the top of the escalation ladder.
const MaxEscalationLevel = 5

// ErrMalformedSnapshot marks a case snapshot missing required fields.
// Evaluation for that case is skipped; other cases are unaffected.
var ErrMalformedSnapshot = errors.New("malformed case snapshot")

// CaseSnapshot is the engine's read-only view of a compliance case,
// as supplied by the external case-record store.
type CaseSnapshot struct {
	CaseID       string    `json:"case_id"`
	CaseType     CaseType  `json:"case_type"`
	Priority     Priority  `json:"priority"`
	RiskScore    int       `json:"risk_score"` // 0..100
	CreatedAt    time.Time `json:"created_at"`
	CurrentLevel int       `json:"current_level"` // 0 = not escalated
}

// Validate rejects snapshots the evaluator cannot safely act on.
func (s CaseSnapshot) Validate() error {
	if s.CaseID == "" {
		return fmt.Errorf("%w: missing case_id", ErrMalformedSnapshot)
	}
	if s.CaseType == "" || s.CaseType == CaseTypeAny {
		return fmt.Errorf("%w: case %s has no concrete case_type", ErrMalformedSnapshot, s.CaseID)
	}
	if s.RiskScore < 0 || s.RiskScore > 100 {
		return fmt.Errorf("%w: case %s risk score %d out of range", ErrMalformedSnapshot, s.CaseID, s.RiskScore)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("%w: case %s has no created_at", ErrMalformedSnapshot, s.CaseID)
	}
	if s.CurrentLevel < 0 || s.CurrentLevel > MaxEscalationLevel {
		return fmt.Errorf("%w: case %s level %d out of range", ErrMalformedSnapshot, s.CaseID, s.CurrentLevel)
	}
	return nil
}

// AgeHours returns how long the case has been open at the given instant.
func (s CaseSnapshot) AgeHours(now time.Time) float64 {
	return now.Sub(s.CreatedAt).Hours()
}

// Package rules implements the rule evaluator: declarative escalation
// rules are compiled into a uniform list of typed predicate clauses and
// matched against case snapshots deterministically.
package rules

import (
	"fmt"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// Clause is a single typed matching predicate. A rule matches a case
// iff every clause it carries matches. Adding a criterion means adding
// a clause type here, not touching call sites.
type Clause interface {
	Name() string
	Matches(snap contracts.CaseSnapshot, now time.Time) (bool, error)
}

type caseTypeClause struct {
	want contracts.CaseType
}

func (c caseTypeClause) Name() string { return "case_type" }

func (c caseTypeClause) Matches(snap contracts.CaseSnapshot, _ time.Time) (bool, error) {
	return snap.CaseType == c.want, nil
}

type priorityClause struct {
	min contracts.Priority
}

func (c priorityClause) Name() string { return "priority_threshold" }

func (c priorityClause) Matches(snap contracts.CaseSnapshot, _ time.Time) (bool, error) {
	return snap.Priority >= c.min, nil
}

type riskScoreClause struct {
	min int
}

func (c riskScoreClause) Name() string { return "risk_score_threshold" }

func (c riskScoreClause) Matches(snap contracts.CaseSnapshot, _ time.Time) (bool, error) {
	return snap.RiskScore >= c.min, nil
}

type ageClause struct {
	minHours float64
}

func (c ageClause) Name() string { return "time_threshold_hours" }

func (c ageClause) Matches(snap contracts.CaseSnapshot, now time.Time) (bool, error) {
	return snap.AgeHours(now) >= c.minHours, nil
}

// exprClause evaluates a compiled CEL program against the snapshot.
type exprClause struct {
	source string
	eval   func(snap contracts.CaseSnapshot, now time.Time) (bool, error)
}

func (c exprClause) Name() string { return "expression" }

func (c exprClause) Matches(snap contracts.CaseSnapshot, now time.Time) (bool, error) {
	ok, err := c.eval(snap, now)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", c.source, err)
	}
	return ok, nil
}

// compile turns a rule's set criteria into its clause list.
func (e *Evaluator) compile(rule *contracts.EscalationRule) ([]Clause, error) {
	var clauses []Clause
	if rule.CaseType != "" && rule.CaseType != contracts.CaseTypeAny {
		clauses = append(clauses, caseTypeClause{want: rule.CaseType})
	}
	if rule.PriorityThreshold != contracts.PriorityAny {
		clauses = append(clauses, priorityClause{min: rule.PriorityThreshold})
	}
	if rule.RiskScoreThreshold != nil {
		clauses = append(clauses, riskScoreClause{min: *rule.RiskScoreThreshold})
	}
	if rule.TimeThresholdHours != nil {
		clauses = append(clauses, ageClause{minHours: *rule.TimeThresholdHours})
	}
	if rule.Expression != "" {
		eval, err := e.compileExpr(rule.Expression)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, exprClause{source: rule.Expression, eval: eval})
	}
	return clauses, nil
}

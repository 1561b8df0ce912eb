package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

var (
	// ErrAmbiguousMatch is returned when two matching rules tie on both
	// level and specificity. Escalation must stay deterministic and
	// auditable, so the tie is surfaced as a configuration error and the
	// case is left at its current level.
	ErrAmbiguousMatch = errors.New("ambiguous rule match")

	// ErrBadExpression marks a rule whose CEL expression does not
	// compile or does not evaluate to a boolean.
	ErrBadExpression = errors.New("invalid rule expression")
)

// Evaluator matches case snapshots against a rule set. It is pure with
// respect to its inputs and safe for concurrent use; the only internal
// state is a cache of compiled CEL programs.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator builds an evaluator with the snapshot CEL environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("kase", cel.DynType), // case snapshot as a map; "case" is a CEL keyword
		cel.Variable("now", cel.IntType),  // unix seconds
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate returns the single best-matching active rule whose target
// level exceeds the case's current level, or nil when no rule matches.
//
// Tie-break: highest escalation level wins; among equals the rule with
// more specified criteria wins; a remaining tie is ErrAmbiguousMatch.
func (e *Evaluator) Evaluate(snap contracts.CaseSnapshot, ruleSet []*contracts.EscalationRule, now time.Time) (*contracts.EscalationRule, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	var best *contracts.EscalationRule
	ambiguous := false

	for _, rule := range ruleSet {
		if !rule.Active {
			continue
		}
		if rule.EscalationLevel <= snap.CurrentLevel {
			continue
		}
		matched, err := e.matches(rule, snap, now)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		switch {
		case best == nil:
			best = rule
		case rule.EscalationLevel > best.EscalationLevel:
			best, ambiguous = rule, false
		case rule.EscalationLevel == best.EscalationLevel:
			switch {
			case rule.Specificity() > best.Specificity():
				best, ambiguous = rule, false
			case rule.Specificity() == best.Specificity():
				ambiguous = true
			}
		}
	}

	if best == nil {
		return nil, nil
	}
	if ambiguous {
		return nil, fmt.Errorf("%w: multiple rules match case %s at level %d with equal specificity",
			ErrAmbiguousMatch, snap.CaseID, best.EscalationLevel)
	}
	return best, nil
}

func (e *Evaluator) matches(rule *contracts.EscalationRule, snap contracts.CaseSnapshot, now time.Time) (bool, error) {
	clauses, err := e.compile(rule)
	if err != nil {
		return false, fmt.Errorf("rule %q: %w", rule.Name, err)
	}
	for _, clause := range clauses {
		ok, err := clause.Matches(snap, now)
		if err != nil {
			return false, fmt.Errorf("rule %q clause %s: %w", rule.Name, clause.Name(), err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// compileExpr compiles a CEL expression, caching the program by source.
func (e *Evaluator) compileExpr(expr string) (func(contracts.CaseSnapshot, time.Time) (bool, error), error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("%w: compile: %w", ErrBadExpression, issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("%w: program: %w", ErrBadExpression, err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	return func(snap contracts.CaseSnapshot, now time.Time) (bool, error) {
		out, _, err := prg.Eval(map[string]any{
			"now": now.Unix(),
			"kase": map[string]any{
				"id":            snap.CaseID,
				"type":          string(snap.CaseType),
				"priority":      int64(snap.Priority),
				"risk_score":    int64(snap.RiskScore),
				"current_level": int64(snap.CurrentLevel),
				"age_hours":     snap.AgeHours(now),
			},
		})
		if err != nil {
			return false, fmt.Errorf("%w: eval: %w", ErrBadExpression, err)
		}
		val, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("%w: result is not a boolean", ErrBadExpression)
		}
		return val, nil
	}, nil
}

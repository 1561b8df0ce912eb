package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
)

// Registry is the mutable store of escalation rules, owned by the
// compliance administrator. Stored rules are never handed out directly;
// all reads return clones, and history records snapshot the fired rule,
// so edits here cannot rewrite past escalations.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*contracts.EscalationRule

	// compile-checks expressions at admission time so a bad rule is a
	// configuration error at creation, not at the first tick.
	evaluator *Evaluator
}

// NewRegistry creates an empty registry.
func NewRegistry(evaluator *Evaluator) *Registry {
	return &Registry{
		rules:     make(map[string]*contracts.EscalationRule),
		evaluator: evaluator,
	}
}

// Create validates and admits a new rule, assigning its identifier.
func (r *Registry) Create(rule *contracts.EscalationRule) (*contracts.EscalationRule, error) {
	if err := r.admit(rule); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := rule.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, exists := r.rules[stored.ID]; exists {
		return nil, fmt.Errorf("rule %s already exists", stored.ID)
	}
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.rules[stored.ID] = stored
	return stored.Clone(), nil
}

// Update replaces a rule's definition and bumps its version.
func (r *Registry) Update(id string, patch *contracts.EscalationRule) (*contracts.EscalationRule, error) {
	if err := r.admit(patch); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	updated := patch.Clone()
	updated.ID = id
	updated.Version = existing.Version + 1
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	r.rules[id] = updated
	return updated.Clone(), nil
}

// Delete removes a rule. History records that reference it keep their
// captured snapshot of it.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(r.rules, id)
	return nil
}

// Get returns a copy of one rule.
func (r *Registry) Get(id string) (*contracts.EscalationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

// List returns copies of all rules, ordered by level then name for a
// stable presentation.
func (r *Registry) List() []*contracts.EscalationRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*contracts.EscalationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EscalationLevel != out[j].EscalationLevel {
			return out[i].EscalationLevel > out[j].EscalationLevel
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Snapshot returns the active rule set for one evaluation cycle.
func (r *Registry) Snapshot() []*contracts.EscalationRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*contracts.EscalationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Active {
			out = append(out, rule.Clone())
		}
	}
	return out
}

// Size returns the number of stored rules.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func (r *Registry) admit(rule *contracts.EscalationRule) error {
	if rule == nil {
		return errors.New("rule is nil")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Expression != "" && r.evaluator != nil {
		if _, err := r.evaluator.compileExpr(rule.Expression); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	return nil
}

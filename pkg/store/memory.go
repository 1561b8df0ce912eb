package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// MemoryStore is an in-memory HistoryStore for tests and small
// single-process deployments. All reads return clones so callers can
// never mutate stored records in place.
type MemoryStore struct {
	mu            sync.RWMutex
	history       []*contracts.EscalationHistory
	historyByID   map[string]*contracts.EscalationHistory
	openByCase    map[string]*contracts.EscalationHistory
	clocks        []*contracts.SLATracking
	clockByID     map[string]*contracts.SLATracking
	notifications []*contracts.EscalationNotification
	notifByID     map[string]*contracts.EscalationNotification
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		historyByID: make(map[string]*contracts.EscalationHistory),
		openByCase:  make(map[string]*contracts.EscalationHistory),
		clockByID:   make(map[string]*contracts.SLATracking),
		notifByID:   make(map[string]*contracts.EscalationNotification),
	}
}

var _ HistoryStore = (*MemoryStore)(nil)

func (s *MemoryStore) AppendHistory(_ context.Context, rec *contracts.EscalationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.historyByID[rec.ID]; exists {
		return fmt.Errorf("history %s already exists", rec.ID)
	}
	if open, exists := s.openByCase[rec.CaseID]; exists {
		return fmt.Errorf("%w: case %s record %s", ErrOpenHistoryExists, rec.CaseID, open.ID)
	}
	stored := rec.Clone()
	s.history = append(s.history, stored)
	s.historyByID[stored.ID] = stored
	if !stored.Resolved() {
		s.openByCase[stored.CaseID] = stored
	}
	return nil
}

func (s *MemoryStore) SupersedeHistory(_ context.Context, caseID string, at time.Time, notes string, rec *contracts.EscalationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All checks run before any mutation so a rejected append cannot
	// leave the old record resolved.
	if _, exists := s.historyByID[rec.ID]; exists {
		return fmt.Errorf("history %s already exists", rec.ID)
	}
	if open, exists := s.openByCase[caseID]; exists {
		resolvedAt := at
		open.ResolvedAt = &resolvedAt
		open.ResolutionNotes = notes
		delete(s.openByCase, caseID)
	}
	stored := rec.Clone()
	s.history = append(s.history, stored)
	s.historyByID[stored.ID] = stored
	if !stored.Resolved() {
		s.openByCase[stored.CaseID] = stored
	}
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, id string) (*contracts.EscalationHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.historyByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) OpenHistory(_ context.Context, caseID string) (*contracts.EscalationHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.openByCase[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenHistory, caseID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ResolveHistory(_ context.Context, id string, at time.Time, notes string) (*contracts.EscalationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.historyByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	if rec.Resolved() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	resolvedAt := at
	rec.ResolvedAt = &resolvedAt
	rec.ResolutionNotes = notes
	delete(s.openByCase, rec.CaseID)
	return rec.Clone(), nil
}

func (s *MemoryStore) ListHistory(_ context.Context, filter HistoryFilter) ([]*contracts.EscalationHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.EscalationHistory, 0)
	for _, rec := range s.history {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendSLA(_ context.Context, clock *contracts.SLATracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clockByID[clock.ID]; exists {
		return fmt.Errorf("sla clock %s already exists", clock.ID)
	}
	for _, c := range s.clocks {
		if c.CaseID == clock.CaseID && c.Level == clock.Level && !c.Terminal() {
			return fmt.Errorf("%w: case %s level %d", ErrSLAConflict, clock.CaseID, clock.Level)
		}
	}
	stored := clock.Clone()
	s.clocks = append(s.clocks, stored)
	s.clockByID[stored.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateSLA(_ context.Context, clock *contracts.SLATracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.clockByID[clock.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSLANotFound, clock.ID)
	}
	*stored = *clock.Clone()
	return nil
}

func (s *MemoryStore) GetSLA(_ context.Context, id string) (*contracts.SLATracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clock, ok := s.clockByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSLANotFound, id)
	}
	return clock.Clone(), nil
}

func (s *MemoryStore) ListSLA(_ context.Context, filter SLAFilter) ([]*contracts.SLATracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.SLATracking, 0)
	for _, clock := range s.clocks {
		if filter.matches(clock) {
			out = append(out, clock.Clone())
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendNotification(_ context.Context, n *contracts.EscalationNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifByID[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	stored := n.Clone()
	s.notifications = append(s.notifications, stored)
	s.notifByID[stored.ID] = stored
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id string) (*contracts.EscalationNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return n.Clone(), nil
}

func (s *MemoryStore) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifByID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if n.Status != contracts.NotificationPending {
		return fmt.Errorf("%w: %s is %s", ErrStaleTransition, id, n.Status)
	}
	sentAt := at
	n.Status = contracts.NotificationSent
	n.SentAt = &sentAt
	return nil
}

func (s *MemoryStore) RecordNotificationFailure(_ context.Context, id string, retryCount int, lastErr string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifByID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	n.RetryCount = retryCount
	n.LastError = lastErr
	if permanent {
		n.Status = contracts.NotificationFailed
	}
	return nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifByID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if n.Status != contracts.NotificationSent && n.Status != contracts.NotificationDelivered {
		return fmt.Errorf("%w: %s is %s", ErrStaleTransition, id, n.Status)
	}
	readAt := at
	n.Status = contracts.NotificationRead
	n.ReadAt = &readAt
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, filter NotificationFilter) ([]*contracts.EscalationNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.EscalationNotification, 0)
	for _, n := range s.notifications {
		if filter.matches(n) {
			out = append(out, n.Clone())
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// Package audit keeps a tamper-evident trail of engine decisions. Each
// entry is hashed over its canonical JSON form and chained to its
// predecessor, so a regulator can verify that the escalation timeline
// was not edited after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryEscalation         EntryType = "escalation"
	EntryResolution         EntryType = "resolution"
	EntrySLABreach          EntryType = "sla_breach"
	EntrySLAMet             EntryType = "sla_met"
	EntryNotificationFailed EntryType = "notification_failed"
)

// Entry is one immutable ledger record.
type Entry struct {
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	CaseID    string          `json:"case_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// PrevHash chains this entry to the preceding one; Hash covers all
	// fields above plus PrevHash.
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// QueryFilter selects ledger entries.
type QueryFilter struct {
	Type   EntryType
	CaseID string
	Limit  int
}

// Ledger is an append-only, hash-chained log.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a payload under the chain head and returns the entry.
func (l *Ledger) Append(typ EntryType, caseID string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	entry := Entry{
		Sequence:  int64(len(l.entries)),
		Type:      typ,
		CaseID:    caseID,
		Timestamp: l.now(),
		Payload:   raw,
		PrevHash:  prevHash,
	}
	hash, err := entryHash(&entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash

	l.entries = append(l.entries, entry)
	return &entry, nil
}

// VerifyChain recomputes every hash and link; any edit to a stored
// entry breaks verification.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.entries {
		entry := l.entries[i]
		if i == 0 {
			if entry.PrevHash != "" {
				return fmt.Errorf("genesis entry has non-empty prev hash")
			}
		} else if entry.PrevHash != l.entries[i-1].Hash {
			return fmt.Errorf("chain broken at sequence %d: prev hash mismatch", entry.Sequence)
		}
		computed, err := entryHash(&entry)
		if err != nil {
			return fmt.Errorf("recompute hash at sequence %d: %w", entry.Sequence, err)
		}
		if computed != entry.Hash {
			return fmt.Errorf("integrity failure at sequence %d", entry.Sequence)
		}
	}
	return nil
}

// Query returns matching entries in append order.
func (l *Ledger) Query(filter QueryFilter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, entry := range l.entries {
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.CaseID != "" && entry.CaseID != filter.CaseID {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Len returns the chain length.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// entryHash is the SHA-256 of the entry's RFC 8785 canonical form,
// excluding the Hash field itself.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence  int64           `json:"sequence"`
		Type      EntryType       `json:"type"`
		CaseID    string          `json:"case_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
		PrevHash  string          `json:"prev_hash"`
	}{e.Sequence, e.Type, e.CaseID, e.Timestamp, e.Payload, e.PrevHash}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

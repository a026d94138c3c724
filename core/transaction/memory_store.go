package transaction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDecisionConflict is returned when a different decision was already
// persisted for the same transaction.
var ErrDecisionConflict = errors.New("a different decision is already persisted")

// MemoryStore is a DecisionStore kept in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[TxnKey]CoordinatorDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[TxnKey]CoordinatorDoc)}
}

func (m *MemoryStore) PersistParticipants(ctx context.Context, key TxnKey, participants []ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if ok && doc.Decision != nil {
		return nil
	}
	m.docs[key] = CoordinatorDoc{Key: key, Participants: slices.Clone(participants)}
	return nil
}

func (m *MemoryStore) PersistDecision(ctx context.Context, key TxnKey, participants []ParticipantID, decision Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return ApplyDecision(m.docs, key, participants, decision)
}

func (m *MemoryStore) Forget(ctx context.Context, key TxnKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *MemoryStore) ReadAll(ctx context.Context) ([]CoordinatorDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return SortedDocs(m.docs), nil
}

// Get returns the stored document for key.
func (m *MemoryStore) Get(key TxnKey) (CoordinatorDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	return doc, ok
}

// ApplyDecision records decision for key in docs. Stores share it so that a
// decision, once written, is never replaced by a different one.
func ApplyDecision(docs map[TxnKey]CoordinatorDoc, key TxnKey, participants []ParticipantID, decision Decision) error {
	doc, ok := docs[key]
	if ok && doc.Decision != nil {
		if *doc.Decision != decision {
			return fmt.Errorf("%w: %s has %s, got %s", ErrDecisionConflict, key, doc.Decision, decision)
		}
		return nil
	}
	d := decision
	docs[key] = CoordinatorDoc{Key: key, Participants: slices.Clone(participants), Decision: &d}
	return nil
}

// SortedDocs returns the documents of docs ordered by session and txn number.
func SortedDocs(docs map[TxnKey]CoordinatorDoc) []CoordinatorDoc {
	out := make([]CoordinatorDoc, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc)
	}
	slices.SortFunc(out, func(a, b CoordinatorDoc) int {
		if c := compareSessions(a.Key.SessionID, b.Key.SessionID); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.TxnNumber, b.Key.TxnNumber)
	})
	return out
}

func compareSessions(a, b SessionID) int {
	return slices.Compare(a[:], b[:])
}

// Package fsm replicates coordinator documents through hashicorp/raft. The
// raft leader is the primary coordinator node: leadership changes drive the
// transaction service's step-up and step-down.
package fsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

// Command defines the structure of commands applied to the FSM via Raft.
// This is what gets replicated.
type Command struct {
	Op           string                      `json:"op"`
	Key          transaction.TxnKey          `json:"key"`
	Participants []transaction.ParticipantID `json:"participants,omitempty"`
	Decision     *transaction.Decision       `json:"decision,omitempty"`
}

// Operation types for the FSM
const (
	OpPersistParticipants = "persist_participants"
	OpPersistDecision     = "persist_decision"
	OpForget              = "forget"
)

var ErrUnknownOp = errors.New("fsm: unknown command op")

// FSM implements the raft.FSM interface. It holds the replicated coordinator
// documents.
type FSM struct {
	logger *zap.Logger

	mu               sync.RWMutex
	docs             map[transaction.TxnKey]transaction.CoordinatorDoc
	lastAppliedIndex uint64 // The last Raft log index applied to this FSM
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		logger: logger.Named("fsm"),
		docs:   make(map[transaction.TxnKey]transaction.CoordinatorDoc),
	}
}

// Apply applies a Raft log entry to the FSM. The returned value is nil or an
// error; RaftStore hands the error back to the proposer.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal raft log entry", zap.Uint64("index", logEntry.Index), zap.Error(err))
		return fmt.Errorf("invalid command at index %d: %w", logEntry.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = logEntry.Index

	switch cmd.Op {
	case OpPersistParticipants:
		if doc, ok := f.docs[cmd.Key]; ok && doc.Decision != nil {
			return nil
		}
		f.docs[cmd.Key] = transaction.CoordinatorDoc{Key: cmd.Key, Participants: cmd.Participants}
		return nil
	case OpPersistDecision:
		if cmd.Decision == nil {
			return fmt.Errorf("persist_decision for %s without a decision", cmd.Key)
		}
		return transaction.ApplyDecision(f.docs, cmd.Key, cmd.Participants, *cmd.Decision)
	case OpForget:
		delete(f.docs, cmd.Key)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownOp, cmd.Op)
}

// Snapshot returns a point-in-time copy of the documents.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	docs := transaction.SortedDocs(f.docs)
	f.logger.Debug("FSM snapshot created", zap.Uint64("index", f.lastAppliedIndex), zap.Int("documents", len(docs)))
	return &fsmSnapshot{docs: docs}, nil
}

// Restore replaces the FSM's state with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshotData struct {
		Documents []transaction.CoordinatorDoc `json:"documents"`
	}
	if err := json.NewDecoder(rc).Decode(&snapshotData); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}

	docs := make(map[transaction.TxnKey]transaction.CoordinatorDoc, len(snapshotData.Documents))
	for _, doc := range snapshotData.Documents {
		docs[doc.Key] = doc
	}
	f.mu.Lock()
	f.docs = docs
	f.mu.Unlock()

	f.logger.Info("FSM state restored from snapshot", zap.Int("documents", len(docs)))
	return nil
}

// Documents returns the replicated documents ordered by key.
func (f *FSM) Documents() []transaction.CoordinatorDoc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return transaction.SortedDocs(f.docs)
}

// Document returns the document for key.
func (f *FSM) Document(key transaction.TxnKey) (transaction.CoordinatorDoc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	doc, ok := f.docs[key]
	return doc, ok
}

func (f *FSM) LastAppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

// fsmSnapshot implements the raft.FSMSnapshot interface.
type fsmSnapshot struct {
	docs []transaction.CoordinatorDoc
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	snapshotData := struct {
		Documents []transaction.CoordinatorDoc `json:"documents"`
	}{Documents: s.docs}

	bytes, err := json.Marshal(snapshotData)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal FSM snapshot: %w", err)
	}
	if _, err := sink.Write(bytes); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	return sink.Close()
}

// Release is a no-op; the snapshot holds only copied data.
func (s *fsmSnapshot) Release() {}

package fsm

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

type memorySink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { s.closed = true; return nil }

func applyCmd(t *testing.T, f *FSM, index uint64, cmd Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Index: index, Data: data})
}

func TestFSMApply(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	key := transaction.TxnKey{SessionID: transaction.NewSessionID(), TxnNumber: 4}
	parts := []transaction.ParticipantID{"shard0", "shard1"}
	commit := transaction.CommitDecisionAt(transaction.Timestamp{Secs: 10})

	require.Nil(t, applyCmd(t, f, 1, Command{Op: OpPersistParticipants, Key: key, Participants: parts}))
	doc, ok := f.Document(key)
	require.True(t, ok)
	require.Nil(t, doc.Decision)

	require.Nil(t, applyCmd(t, f, 2, Command{Op: OpPersistDecision, Key: key, Participants: parts, Decision: &commit}))
	abort := transaction.AbortDecision("late")
	res := applyCmd(t, f, 3, Command{Op: OpPersistDecision, Key: key, Participants: parts, Decision: &abort})
	require.ErrorIs(t, res.(error), transaction.ErrDecisionConflict)

	doc, _ = f.Document(key)
	require.Equal(t, commit, *doc.Decision)
	require.Equal(t, uint64(3), f.LastAppliedIndex())

	require.Nil(t, applyCmd(t, f, 4, Command{Op: OpForget, Key: key}))
	require.Empty(t, f.Documents())

	res = applyCmd(t, f, 5, Command{Op: "bogus", Key: key})
	require.ErrorIs(t, res.(error), ErrUnknownOp)

	res = f.Apply(&raft.Log{Index: 6, Data: []byte("{")})
	require.Error(t, res.(error))
}

func TestFSMSnapshotRestore(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	sid := transaction.NewSessionID()
	parts := []transaction.ParticipantID{"shard0"}
	abort := transaction.AbortDecision("vote")
	applyCmd(t, f, 1, Command{Op: OpPersistParticipants, Key: transaction.TxnKey{SessionID: sid, TxnNumber: 1}, Participants: parts})
	applyCmd(t, f, 2, Command{Op: OpPersistDecision, Key: transaction.TxnKey{SessionID: sid, TxnNumber: 2}, Participants: parts, Decision: &abort})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	require.True(t, sink.closed)
	require.False(t, sink.cancelled)

	restored := NewFSM(zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))
	require.Equal(t, f.Documents(), restored.Documents())
}

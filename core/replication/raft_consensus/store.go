package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

const defaultApplyTimeout = 5 * time.Second

// RaftStore is a transaction.DecisionStore whose writes are raft log entries.
// A write is durable once a quorum has committed it. Only the leader can
// write.
type RaftStore struct {
	raft         *raft.Raft
	fsm          *FSM
	applyTimeout time.Duration
}

var _ transaction.DecisionStore = (*RaftStore)(nil)

func NewRaftStore(r *raft.Raft, f *FSM, applyTimeout time.Duration) *RaftStore {
	if applyTimeout <= 0 {
		applyTimeout = defaultApplyTimeout
	}
	return &RaftStore{raft: r, fsm: f, applyTimeout: applyTimeout}
}

func (s *RaftStore) timeout(ctx context.Context) time.Duration {
	timeout := s.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	return timeout
}

// waitFuture waits for a raft future without outliving ctx.
func waitFuture(ctx context.Context, future raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- future.Error() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// applyCommand submits a command to raft and returns the FSM's result.
func (s *RaftStore) applyCommand(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("%w: raft leader is %q", transaction.ErrNotPrimary, s.raft.Leader())
	}
	cmdBytes, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := s.raft.Apply(cmdBytes, s.timeout(ctx))
	if err := waitFuture(ctx, future); err != nil {
		return fmt.Errorf("failed to apply %s for %s: %w", cmd.Op, cmd.Key, err)
	}
	if applyErr, ok := future.Response().(error); ok {
		return applyErr
	}
	return nil
}

func (s *RaftStore) PersistParticipants(ctx context.Context, key transaction.TxnKey, participants []transaction.ParticipantID) error {
	return s.applyCommand(ctx, Command{Op: OpPersistParticipants, Key: key, Participants: participants})
}

func (s *RaftStore) PersistDecision(ctx context.Context, key transaction.TxnKey, participants []transaction.ParticipantID, decision transaction.Decision) error {
	return s.applyCommand(ctx, Command{Op: OpPersistDecision, Key: key, Participants: participants, Decision: &decision})
}

func (s *RaftStore) Forget(ctx context.Context, key transaction.TxnKey) error {
	return s.applyCommand(ctx, Command{Op: OpForget, Key: key})
}

// ReadAll issues a barrier so that every entry committed by earlier leaders
// is applied before the documents are read.
func (s *RaftStore) ReadAll(ctx context.Context) ([]transaction.CoordinatorDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := waitFuture(ctx, s.raft.Barrier(s.timeout(ctx))); err != nil {
		return nil, fmt.Errorf("raft barrier failed: %w", err)
	}
	return s.fsm.Documents(), nil
}

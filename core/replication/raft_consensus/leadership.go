package fsm

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// StepHandler reacts to primary changes. transaction.Service implements it.
type StepHandler interface {
	OnStepUp(recoveryDelay time.Duration)
	OnStepDown()
}

// LeadershipWatcher turns raft leadership transitions into step-up and
// step-down calls.
type LeadershipWatcher struct {
	raft          *raft.Raft
	handler       StepHandler
	recoveryDelay time.Duration
	logger        *zap.Logger
}

func NewLeadershipWatcher(r *raft.Raft, handler StepHandler, recoveryDelay time.Duration, logger *zap.Logger) *LeadershipWatcher {
	return &LeadershipWatcher{
		raft:          r,
		handler:       handler,
		recoveryDelay: recoveryDelay,
		logger:        logger.Named("leadership"),
	}
}

// Run blocks until ctx is done. A node that leads when Run returns is
// stepped down.
func (w *LeadershipWatcher) Run(ctx context.Context) {
	leading := false
	leaderCh := w.raft.LeaderCh()
	for {
		select {
		case isLeader := <-leaderCh:
			if isLeader == leading {
				continue
			}
			leading = isLeader
			if isLeader {
				w.logger.Info("Acquired raft leadership, stepping up", zap.Uint64("term", w.term()))
				w.handler.OnStepUp(w.recoveryDelay)
			} else {
				w.logger.Info("Lost raft leadership, stepping down", zap.String("newLeader", string(w.raft.Leader())))
				w.handler.OnStepDown()
			}
		case <-ctx.Done():
			if leading {
				w.handler.OnStepDown()
			}
			return
		}
	}
}

func (w *LeadershipWatcher) term() uint64 {
	term, _ := strconv.ParseUint(w.raft.Stats()["term"], 10, 64)
	return term
}

package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-txncoord/config"
	fsm "github.com/sushant-115/gojodb-txncoord/core/replication/raft_consensus"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	"github.com/sushant-115/gojodb-txncoord/core/write_engine/wal"
)

// nodeStore is the decision store picked by the config, with the raft node
// backing it when there is one.
type nodeStore struct {
	decisions transaction.DecisionStore
	node      *fsm.Node
	close     func() error
}

func (s *nodeStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func openStore(cfg config.Config, zlogger *zap.Logger) (*nodeStore, error) {
	switch cfg.Store.Kind {
	case config.StoreRaft:
		f := fsm.NewFSM(zlogger)
		node, err := fsm.NewNode(cfg.Raft, f, zlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to start raft node: %w", err)
		}
		return &nodeStore{
			decisions: fsm.NewRaftStore(node.Raft, f, cfg.Raft.ApplyTimeout),
			node:      node,
			close:     node.Shutdown,
		}, nil
	case config.StoreWAL:
		store, err := wal.OpenStore(cfg.WAL, cfg.Store.CompactAfter, zlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open coordinator log: %w", err)
		}
		return &nodeStore{decisions: store, close: store.Close}, nil
	case config.StoreMemory:
		zlogger.Warn("Coordinator decisions are kept in memory and will not survive a restart")
		return &nodeStore{decisions: transaction.NewMemoryStore()}, nil
	}
	return nil, errors.New("unknown store kind " + cfg.Store.Kind)
}

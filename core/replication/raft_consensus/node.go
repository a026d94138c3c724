package fsm

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	RaftTransportMaxPool = 3
	RaftTransportTimeout = 10 * time.Second
	RaftSnapShotRetain   = 2
)

// NodeConfig configures the raft node of a coordinator.
type NodeConfig struct {
	NodeID    string `yaml:"node_id"`
	RaftAddr  string `yaml:"raft_addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`

	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout    time.Duration `yaml:"election_timeout"`
	SnapshotThreshold  uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout       time.Duration `yaml:"apply_timeout"`
	LeaderLeaseTimeout time.Duration `yaml:"leader_lease_timeout"`
}

// Node bundles a raft instance with its stores and transport.
type Node struct {
	Raft      *raft.Raft
	FSM       *FSM
	Transport raft.Transport

	logger    *zap.Logger
	boltStore *raftboltdb.BoltStore
}

func (cfg NodeConfig) raftConfig(logger *zap.Logger) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.Logger = NewZapRaftLogger(logger.Named("raft"))
	if cfg.HeartbeatTimeout > 0 {
		config.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		config.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.LeaderLeaseTimeout > 0 {
		config.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	}
	if config.LeaderLeaseTimeout > config.HeartbeatTimeout {
		config.LeaderLeaseTimeout = config.HeartbeatTimeout
	}
	if cfg.SnapshotThreshold > 0 {
		config.SnapshotThreshold = cfg.SnapshotThreshold
	}
	return config
}

// NewNode starts a raft node persisting its log in bolt under
// cfg.DataDir/<node id>/raft_meta and listening on cfg.RaftAddr.
func NewNode(cfg NodeConfig, f *FSM, logger *zap.Logger) (*Node, error) {
	if cfg.NodeID == "" || cfg.RaftAddr == "" || cfg.DataDir == "" {
		return nil, errors.New("raft node requires node id, raft address and data directory")
	}
	logger.Info("Initializing Raft...", zap.String("nodeID", cfg.NodeID), zap.String("raftAddr", cfg.RaftAddr))
	config := cfg.raftConfig(logger)

	raftDataPath := filepath.Join(cfg.DataDir, cfg.NodeID, "raft_meta")
	if err := os.MkdirAll(raftDataPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create Raft data directory %s: %w", raftDataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.RaftAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.RaftAddr, addr, RaftTransportMaxPool, RaftTransportTimeout, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(raftDataPath, RaftSnapShotRetain, config.Logger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", raftDataPath, err)
	}

	boltDBPath := filepath.Join(raftDataPath, "raft.db")
	boltDB, err := raftboltdb.NewBoltStore(boltDBPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltDBPath, err)
	}

	raftNode, err := raft.NewRaft(config, f, boltDB, boltDB, snapshots, transport)
	if err != nil {
		transport.Close()
		boltDB.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}
	node := &Node{Raft: raftNode, FSM: f, Transport: transport, logger: logger, boltStore: boltDB}

	if cfg.Bootstrap {
		if err := node.bootstrap(config.LocalID, transport.LocalAddr()); err != nil {
			node.Shutdown()
			return nil, err
		}
	}
	return node, nil
}

// NewNodeWithStores starts a raft node on caller-provided stores and
// transport, e.g. the in-memory ones.
func NewNodeWithStores(cfg NodeConfig, f *FSM, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, transport raft.Transport, logger *zap.Logger) (*Node, error) {
	config := cfg.raftConfig(logger)
	raftNode, err := raft.NewRaft(config, f, logs, stable, snaps, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}
	node := &Node{Raft: raftNode, FSM: f, Transport: transport, logger: logger}
	if cfg.Bootstrap {
		if err := node.bootstrap(config.LocalID, transport.LocalAddr()); err != nil {
			node.Shutdown()
			return nil, err
		}
	}
	return node, nil
}

func (n *Node) bootstrap(id raft.ServerID, addr raft.ServerAddress) error {
	n.logger.Info("Bootstrapping Raft cluster as the first node...")
	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: id, Address: addr}},
	}
	err := n.Raft.BootstrapCluster(configuration).Error()
	if errors.Is(err, raft.ErrCantBootstrap) {
		n.logger.Info("Raft cluster already has state, skipping bootstrap")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to bootstrap raft cluster: %w", err)
	}
	n.logger.Info("Raft cluster bootstrapped successfully.")
	return nil
}

func (n *Node) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// Join adds a voter to the cluster. Only the leader can do this.
func (n *Node) Join(nodeID, raftAddr string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not the raft leader, current leader is %q", n.Raft.Leader())
	}
	configFuture := n.Raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return fmt.Errorf("failed to get raft configuration: %w", err)
	}
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			n.logger.Info("Node already member of cluster", zap.String("nodeID", nodeID))
			return nil
		}
	}
	if err := n.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	n.logger.Info("Node joined raft cluster", zap.String("nodeID", nodeID), zap.String("raftAddr", raftAddr))
	return nil
}

// Remove removes a server from the cluster. Only the leader can do this.
func (n *Node) Remove(nodeID string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not the raft leader, current leader is %q", n.Raft.Leader())
	}
	if err := n.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	return nil
}

// Status describes the node for the admin API.
type Status struct {
	State  string        `json:"raft_state"`
	Leader string        `json:"raft_leader"`
	Peers  []raft.Server `json:"raft_peers"`
	Index  uint64        `json:"applied_index"`
}

func (n *Node) Status() Status {
	st := Status{
		State:  n.Raft.State().String(),
		Leader: string(n.Raft.Leader()),
		Index:  n.Raft.AppliedIndex(),
	}
	if f := n.Raft.GetConfiguration(); f.Error() == nil {
		st.Peers = f.Configuration().Servers
	}
	return st
}

// Shutdown stops raft and closes its stores.
func (n *Node) Shutdown() error {
	err := n.Raft.Shutdown().Error()
	if closer, ok := n.Transport.(raft.WithClose); ok {
		closer.Close()
	}
	if n.boltStore != nil {
		if cerr := n.boltStore.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Package config loads the YAML configuration of a coordinator node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	participantservice "github.com/sushant-115/gojodb-txncoord/api/participant_service"
	fsm "github.com/sushant-115/gojodb-txncoord/core/replication/raft_consensus"
	"github.com/sushant-115/gojodb-txncoord/core/security/encryption/internaltls"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	"github.com/sushant-115/gojodb-txncoord/core/write_engine/wal"
	"github.com/sushant-115/gojodb-txncoord/pkg/logger"
	"github.com/sushant-115/gojodb-txncoord/pkg/telemetry"
)

// Store kinds.
const (
	StoreRaft   = "raft"
	StoreWAL    = "wal"
	StoreMemory = "memory"
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RetryConfig struct {
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	BackoffJitterFrac  float64       `yaml:"backoff_jitter_frac"`
	MaxPrepareAttempts int           `yaml:"max_prepare_attempts"`
}

type CoordinatorConfig struct {
	TransactionLifetimeLimit     time.Duration `yaml:"transaction_lifetime_limit"`
	RecoveryDelay                time.Duration `yaml:"recovery_delay"`
	ReturnAfterDecisionPersisted bool          `yaml:"return_after_decision_persisted"`
	Retry                        RetryConfig   `yaml:"retry"`
}

type StoreConfig struct {
	// Kind is one of raft, wal or memory.
	Kind string `yaml:"kind"`
	// CompactAfter is the number of forgotten documents after which the
	// WAL is rewritten.
	CompactAfter int `yaml:"compact_after"`
}

// Config is the whole configuration of a node.
type Config struct {
	Logger         logger.Config                   `yaml:"logger"`
	Telemetry      telemetry.Config                `yaml:"telemetry"`
	HTTP           HTTPConfig                      `yaml:"http"`
	Coordinator    CoordinatorConfig               `yaml:"coordinator"`
	Store          StoreConfig                     `yaml:"store"`
	Raft           fsm.NodeConfig                  `yaml:"raft"`
	WAL            wal.Config                      `yaml:"wal"`
	Participants   map[string]string               `yaml:"participants"`
	ParticipantRPC participantservice.ClientConfig `yaml:"participant_rpc"`
	TLS            internaltls.Config              `yaml:"tls"`
}

// Default returns a configuration for a single node keeping its coordinator
// log in ./data/wal.
func Default() Config {
	retry := transaction.DefaultRetryPolicy()
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout", Service: "txncoord"},
		Telemetry: telemetry.Config{Enabled: false, ServiceName: "txncoord", TraceSampleRatio: 1},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Coordinator: CoordinatorConfig{
			TransactionLifetimeLimit: 60 * time.Second,
			RecoveryDelay:            0,
			Retry: RetryConfig{
				InitialBackoff:     retry.InitialBackoff,
				MaxBackoff:         retry.MaxBackoff,
				BackoffJitterFrac:  retry.BackoffJitterFrac,
				MaxPrepareAttempts: retry.MaxPrepareAttempts,
			},
		},
		Store: StoreConfig{Kind: StoreWAL, CompactAfter: 1024},
		Raft: fsm.NodeConfig{
			NodeID:       "node1",
			RaftAddr:     "127.0.0.1:7000",
			DataDir:      "./data/raft",
			ApplyTimeout: 5 * time.Second,
		},
		WAL:            wal.Config{Dir: "./data/wal", SegmentSizeLimit: 64 << 20},
		Participants:   map[string]string{},
		ParticipantRPC: participantservice.ClientConfig{RPCTimeout: 10 * time.Second},
	}
}

// Load reads the YAML file at path on top of Default. Unknown keys are an
// error.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreRaft:
		if c.Raft.NodeID == "" || c.Raft.RaftAddr == "" || c.Raft.DataDir == "" {
			errs = append(errs, errors.New("raft store requires raft.node_id, raft.raft_addr and raft.data_dir"))
		}
	case StoreWAL:
		if c.WAL.Dir == "" {
			errs = append(errs, errors.New("wal store requires wal.dir"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Coordinator.TransactionLifetimeLimit <= 0 {
		errs = append(errs, errors.New("coordinator.transaction_lifetime_limit must be positive"))
	}
	if c.Coordinator.RecoveryDelay < 0 {
		errs = append(errs, errors.New("coordinator.recovery_delay must not be negative"))
	}
	if r := c.Coordinator.Retry; r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, errors.New("coordinator.retry.max_backoff must not be below initial_backoff"))
	}
	if c.Coordinator.Retry.MaxPrepareAttempts < 0 {
		errs = append(errs, errors.New("coordinator.retry.max_prepare_attempts must not be negative"))
	}
	for id, addr := range c.Participants {
		if id == "" || addr == "" {
			errs = append(errs, fmt.Errorf("participant %q has an empty id or address", id))
		}
	}
	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() transaction.RetryPolicy {
	return transaction.RetryPolicy{
		InitialBackoff:     c.Coordinator.Retry.InitialBackoff,
		MaxBackoff:         c.Coordinator.Retry.MaxBackoff,
		BackoffJitterFrac:  c.Coordinator.Retry.BackoffJitterFrac,
		MaxPrepareAttempts: c.Coordinator.Retry.MaxPrepareAttempts,
	}
}

// ParticipantAddresses returns the participant routing table.
func (c Config) ParticipantAddresses() map[transaction.ParticipantID]string {
	out := make(map[transaction.ParticipantID]string, len(c.Participants))
	for id, addr := range c.Participants {
		out[transaction.ParticipantID(id)] = addr
	}
	return out
}

// ParseParticipants parses "id=addr,id=addr" as given on the command line.
func ParseParticipants(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(entry), "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid participant %q, want id=addr", entry)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("participant %q listed twice", id)
		}
		out[id] = addr
	}
	return out, nil
}

// FormatParticipants is the inverse of ParseParticipants, sorted by id.
func FormatParticipants(participants map[string]string) string {
	ids := make([]string, 0, len(participants))
	for id := range participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id + "=" + participants[id]
	}
	return strings.Join(parts, ",")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	coordinatorservice "github.com/sushant-115/gojodb-txncoord/api/coordinator_service"
	participantservice "github.com/sushant-115/gojodb-txncoord/api/participant_service"
	"github.com/sushant-115/gojodb-txncoord/config"
	fsm "github.com/sushant-115/gojodb-txncoord/core/replication/raft_consensus"
	"github.com/sushant-115/gojodb-txncoord/core/security/encryption/internaltls"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodb-txncoord/internal/telemetry"
	"github.com/sushant-115/gojodb-txncoord/pkg/connection"
	"github.com/sushant-115/gojodb-txncoord/pkg/logger"
	"github.com/sushant-115/gojodb-txncoord/pkg/telemetry"
)

const (
	HttpServerStopTimeout = 5 * time.Second
	JoinRetryDelay        = 2 * time.Second
	JoinAttempts          = 10
)

var (
	configPath   = flag.String("config", "", "Path to the YAML config file")
	nodeID       = flag.String("node_id", "", "Unique ID for the node (overrides raft.node_id)")
	raftAddr     = flag.String("raft_addr", "", "Raft bind address (overrides raft.raft_addr)")
	raftDir      = flag.String("raft_dir", "", "Raft data directory (overrides raft.data_dir)")
	httpAddr     = flag.String("http_addr", "", "HTTP bind address for the coordinator API and /metrics")
	bootstrap    = flag.Bool("bootstrap", false, "Bootstrap the Raft cluster (only for the first node)")
	storeKind    = flag.String("store", "", "Decision store: raft, wal or memory")
	participants = flag.String("participants", "", "Participant routing table as id=addr,id=addr")
	joinAddr     = flag.String("join", "", "HTTP address of the raft leader to join")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if *nodeID != "" {
		cfg.Raft.NodeID = *nodeID
	}
	if *raftAddr != "" {
		cfg.Raft.RaftAddr = *raftAddr
	}
	if *raftDir != "" {
		cfg.Raft.DataDir = *raftDir
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *bootstrap {
		cfg.Raft.Bootstrap = true
	}
	if *storeKind != "" {
		cfg.Store.Kind = *storeKind
	}
	if *participants != "" {
		parsed, err := config.ParseParticipants(*participants)
		if err != nil {
			return cfg, err
		}
		cfg.Participants = parsed
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("Coordinator node failed", zap.Error(err))
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	zlogger.Info("Starting transaction coordinator node",
		zap.String("store", cfg.Store.Kind),
		zap.String("httpAddr", cfg.HTTP.Addr),
		zap.String("participants", config.FormatParticipants(cfg.Participants)))

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()
	coordMetrics, err := internaltelemetry.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		return err
	}
	rpcMetrics, err := internaltelemetry.NewParticipantRPCMetrics(tel.Meter, "client")
	if err != nil {
		return err
	}

	creds, err := internaltls.ClientCredentials(cfg.TLS)
	if err != nil {
		return fmt.Errorf("failed to load participant TLS credentials: %w", err)
	}
	pool := connection.NewConnectionPoolManager(zlogger, grpc.WithTransportCredentials(creds))
	defer pool.Close()
	client := participantservice.NewClient(pool, cfg.ParticipantAddresses(), cfg.ParticipantRPC, rpcMetrics, zlogger)

	store, err := openStore(cfg, zlogger)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := transaction.NewService(transaction.Collaborators{
		Store:        store.decisions,
		Participants: client,
		Logger:       zlogger,
		Tracer:       tel.Tracer,
		Metrics:      coordMetrics,
		Retry:        cfg.RetryPolicy(),
	}, transaction.ServiceOptions{
		TransactionLifetimeLimit:     cfg.Coordinator.TransactionLifetimeLimit,
		ReturnAfterDecisionPersisted: cfg.Coordinator.ReturnAfterDecisionPersisted,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var admin coordinatorservice.ClusterAdmin
	watcherDone := make(chan struct{})
	if store.node != nil {
		admin = store.node
		watcher := fsm.NewLeadershipWatcher(store.node.Raft, svc, cfg.Coordinator.RecoveryDelay, zlogger)
		go func() {
			defer close(watcherDone)
			watcher.Run(ctx)
		}()
	} else {
		close(watcherDone)
		svc.OnStepUp(cfg.Coordinator.RecoveryDelay)
	}

	mux := http.NewServeMux()
	handler := coordinatorservice.NewHandler(svc, admin, zlogger)
	handler.DefaultLifetime = cfg.Coordinator.TransactionLifetimeLimit
	handler.RegisterHandlers(mux)
	mux.Handle("/metrics", tel.MetricsHandler)

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		zlogger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if *joinAddr != "" && store.node != nil {
		go joinCluster(ctx, *joinAddr, cfg.Raft.NodeID, cfg.Raft.RaftAddr, zlogger)
	}

	select {
	case <-ctx.Done():
		zlogger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			zlogger.Error("HTTP server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), HttpServerStopTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	<-watcherDone
	svc.Shutdown()
	zlogger.Info("Transaction coordinator node stopped")
	return nil
}

// joinCluster asks the leader at leaderHTTP to add this node as a voter.
func joinCluster(ctx context.Context, leaderHTTP, nodeID, raftAddr string, zlogger *zap.Logger) {
	client := coordinatorservice.NewClient(leaderHTTP, &http.Client{Timeout: 10 * time.Second})
	for attempt := 1; attempt <= JoinAttempts; attempt++ {
		err := client.Join(ctx, nodeID, raftAddr)
		if err == nil {
			zlogger.Info("Joined raft cluster", zap.String("leader", leaderHTTP))
			return
		}
		zlogger.Warn("Failed to join raft cluster, retrying",
			zap.String("leader", leaderHTTP), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(JoinRetryDelay):
		}
	}
	zlogger.Error("Giving up joining raft cluster", zap.String("leader", leaderHTTP))
}

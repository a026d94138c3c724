package participantservice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodb-txncoord/internal/telemetry"
	"github.com/sushant-115/gojodb-txncoord/pkg/connection"
)

const bufAddr = "passthrough:///bufnet"

type testEnv struct {
	participants transaction.LocalParticipants
	server       *grpc.Server
	pool         *connection.ConnectionPoolManager
	reader       *sdkmetric.ManualReader
	provider     *sdkmetric.MeterProvider
}

func newTestEnv(t *testing.T, ids ...transaction.ParticipantID) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	env := &testEnv{participants: transaction.LocalParticipants{}, reader: sdkmetric.NewManualReader()}
	for _, id := range ids {
		env.participants[id] = transaction.NewParticipant(id)
	}

	env.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(env.reader))
	serverMetrics, err := internaltelemetry.NewParticipantRPCMetrics(env.provider.Meter("participant_server_test"), "server")
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	env.server = NewServer(env.participants, serverMetrics, logger).NewGRPCServer(insecure.NewCredentials())
	go env.server.Serve(lis)
	t.Cleanup(env.server.Stop)

	env.pool = connection.NewConnectionPoolManager(logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	t.Cleanup(func() { env.pool.Close() })
	return env
}

func (env *testEnv) client(t *testing.T, cfg ClientConfig, ids ...transaction.ParticipantID) *Client {
	t.Helper()
	clientMetrics, err := internaltelemetry.NewParticipantRPCMetrics(env.provider.Meter("participant_client_test"), "client")
	require.NoError(t, err)
	addrs := make(map[transaction.ParticipantID]string)
	for _, id := range ids {
		addrs[id] = bufAddr
	}
	return NewClient(env.pool, addrs, cfg, clientMetrics, zaptest.NewLogger(t))
}

func newKey() transaction.TxnKey {
	return transaction.TxnKey{SessionID: transaction.NewSessionID(), TxnNumber: 1}
}

func TestPrepareAndCommitOverGRPC(t *testing.T) {
	env := newTestEnv(t, "shard0")
	client := env.client(t, ClientConfig{}, "shard0")
	ctx := t.Context()
	key := newKey()

	vote, err := client.SendPrepare(ctx, "shard0", transaction.PrepareRequest{Key: key})
	require.NoError(t, err)
	require.True(t, vote.Commit)
	require.False(t, vote.PrepareTimestamp.IsZero())

	decision := transaction.CommitDecisionAt(vote.PrepareTimestamp)
	require.NoError(t, client.SendDecision(ctx, "shard0", transaction.DecisionRequest{Key: key, Decision: decision}))

	state, ok := env.participants["shard0"].State(key)
	require.True(t, ok)
	require.Equal(t, transaction.TxnStateCommitted, state)
}

func TestAbortVoteOverGRPC(t *testing.T) {
	env := newTestEnv(t, "shard0")
	client := env.client(t, ClientConfig{}, "shard0")
	key := newKey()
	env.participants["shard0"].VoteAbortOn(key, "write conflict")

	vote, err := client.SendPrepare(t.Context(), "shard0", transaction.PrepareRequest{Key: key})
	require.NoError(t, err)
	require.False(t, vote.Commit)
	require.Equal(t, "write conflict", vote.AbortReason)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, "shard0")
	client := env.client(t, ClientConfig{}, "shard0", "ghost")
	ctx := t.Context()

	err := client.SendDecision(ctx, "shard0", transaction.DecisionRequest{Key: newKey(), Decision: transaction.AbortDecision("")})
	require.ErrorIs(t, err, transaction.ErrNoSuchTransaction)

	_, err = client.SendPrepare(ctx, "ghost", transaction.PrepareRequest{Key: newKey()})
	require.ErrorIs(t, err, transaction.ErrUnknownParticipant)

	_, err = client.SendPrepare(ctx, "unrouted", transaction.PrepareRequest{Key: newKey()})
	require.ErrorIs(t, err, transaction.ErrUnknownParticipant)

	key := newKey()
	vote, err := client.SendPrepare(ctx, "shard0", transaction.PrepareRequest{Key: key})
	require.NoError(t, err)
	require.NoError(t, client.SendDecision(ctx, "shard0", transaction.DecisionRequest{Key: key, Decision: transaction.CommitDecisionAt(vote.PrepareTimestamp)}))
	err = client.SendDecision(ctx, "shard0", transaction.DecisionRequest{Key: key, Decision: transaction.AbortDecision("")})
	require.ErrorIs(t, err, transaction.ErrDecisionMismatch)
	require.NotErrorIs(t, err, transaction.ErrRetryable)
}

func TestUnavailableParticipantIsRetryable(t *testing.T) {
	env := newTestEnv(t, "shard0")
	client := env.client(t, ClientConfig{RPCTimeout: 200 * time.Millisecond}, "shard0")
	env.server.Stop()

	_, err := client.SendPrepare(t.Context(), "shard0", transaction.PrepareRequest{Key: newKey()})
	require.ErrorIs(t, err, transaction.ErrRetryable)
}

func TestClientRateLimit(t *testing.T) {
	env := newTestEnv(t, "shard0")
	client := env.client(t, ClientConfig{RateLimit: 0.01, Burst: 1}, "shard0")

	_, err := client.SendPrepare(t.Context(), "shard0", transaction.PrepareRequest{Key: newKey()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = client.SendPrepare(ctx, "shard0", transaction.PrepareRequest{Key: newKey()})
	require.ErrorContains(t, err, "rate limiter")
}

func TestHealthService(t *testing.T) {
	env := newTestEnv(t)
	conn, err := env.pool.Get(bufAddr)
	require.NoError(t, err)

	resp, err := healthpb.NewHealthClient(conn).Check(t.Context(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRPCMetricsRecorded(t *testing.T) {
	env := newTestEnv(t, "shard0")
	client := env.client(t, ClientConfig{}, "shard0")
	_, err := client.SendPrepare(t.Context(), "shard0", transaction.PrepareRequest{Key: newKey()})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, env.reader.Collect(t.Context(), &rm))
	started := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					started[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(1), started["txncoord.participant.rpc.client.started_total"])
	require.Equal(t, int64(1), started["txncoord.participant.rpc.server.started_total"])
}

func TestCoordinatorCommitsOverGRPC(t *testing.T) {
	env := newTestEnv(t, "shard0", "shard1")
	client := env.client(t, ClientConfig{}, "shard0", "shard1")

	svc := transaction.NewService(transaction.Collaborators{
		Store:        transaction.NewMemoryStore(),
		Participants: client,
		Logger:       zaptest.NewLogger(t),
	}, transaction.ServiceOptions{})
	defer svc.Shutdown()
	svc.InitializeAsPrimary()

	ctx := t.Context()
	sid := transaction.NewSessionID()
	require.NoError(t, svc.CreateCoordinator(ctx, sid, 1, time.Now().Add(time.Minute)))
	future, found, err := svc.CoordinateCommit(ctx, sid, 1, []transaction.ParticipantID{"shard0", "shard1"})
	require.NoError(t, err)
	require.True(t, found)
	decision, err := future.Wait(ctx)
	require.NoError(t, err)
	require.True(t, decision.IsCommit())

	key := transaction.TxnKey{SessionID: sid, TxnNumber: 1}
	for _, id := range []transaction.ParticipantID{"shard0", "shard1"} {
		ts, ok := env.participants[id].CommitTimestamp(key)
		require.True(t, ok)
		require.Equal(t, decision.CommitTimestamp, ts)
	}
}

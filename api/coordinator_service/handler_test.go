package coordinatorservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojodb-txncoord/core/async"
	fsm "github.com/sushant-115/gojodb-txncoord/core/replication/raft_consensus"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

type fakeAdmin struct {
	leader atomic.Bool

	mu      sync.Mutex
	joined  map[string]string
	removed []string
}

func (a *fakeAdmin) IsLeader() bool { return a.leader.Load() }

func (a *fakeAdmin) Join(nodeID, raftAddr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.joined == nil {
		a.joined = map[string]string{}
	}
	a.joined[nodeID] = raftAddr
	return nil
}

func (a *fakeAdmin) Remove(nodeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, nodeID)
	return nil
}

func (a *fakeAdmin) Status() fsm.Status {
	return fsm.Status{State: raft.Leader.String(), Leader: "127.0.0.1:7000", Index: 7}
}

// stalledParticipants never answers prepare until ctx is done.
type stalledParticipants struct{}

func (stalledParticipants) SendPrepare(ctx context.Context, _ transaction.ParticipantID, _ transaction.PrepareRequest) (transaction.Vote, error) {
	<-ctx.Done()
	return transaction.Vote{}, ctx.Err()
}

func (stalledParticipants) SendDecision(ctx context.Context, _ transaction.ParticipantID, _ transaction.DecisionRequest) error {
	return nil
}

type testEnv struct {
	svc          *transaction.Service
	handler      *Handler
	participants transaction.LocalParticipants
	client       *Client
}

func newTestEnv(t *testing.T, client transaction.ParticipantClient, admin ClusterAdmin, primary bool) *testEnv {
	t.Helper()
	return newTestEnvWithClock(t, client, admin, primary, nil)
}

func newTestEnvWithClock(t *testing.T, client transaction.ParticipantClient, admin ClusterAdmin, primary bool, clock async.Clock) *testEnv {
	t.Helper()
	participants := transaction.LocalParticipants{
		"shard0": transaction.NewParticipant("shard0"),
		"shard1": transaction.NewParticipant("shard1"),
	}
	if client == nil {
		client = participants
	}
	svc := transaction.NewService(transaction.Collaborators{
		Store:        transaction.NewMemoryStore(),
		Participants: client,
		Clock:        clock,
		Logger:       zaptest.NewLogger(t),
		Retry:        transaction.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, transaction.ServiceOptions{})
	t.Cleanup(svc.Shutdown)
	if primary {
		svc.InitializeAsPrimary()
	}

	handler := NewHandler(svc, admin, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{
		svc:          svc,
		handler:      handler,
		participants: participants,
		client:       NewClient(srv.URL, srv.Client()),
	}
}

func requireStatus(t *testing.T, err error, code int) {
	t.Helper()
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	require.Equal(t, code, se.Code, se.Message)
}

func TestCommitOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)
	ctx := t.Context()
	req := TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 1, Participants: []transaction.ParticipantID{"shard0", "shard1"}}

	require.NoError(t, env.client.Create(ctx, req))
	decision, err := env.client.Commit(ctx, req)
	require.NoError(t, err)
	require.True(t, decision.IsCommit())

	key := transaction.TxnKey{SessionID: req.SessionID, TxnNumber: 1}
	for _, p := range env.participants {
		ts, ok := p.CommitTimestamp(key)
		require.True(t, ok)
		require.Equal(t, decision.CommitTimestamp, ts)
	}
}

func TestAbortVoteOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)
	ctx := t.Context()
	req := TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 4, Participants: []transaction.ParticipantID{"shard0", "shard1"}}
	env.participants["shard1"].VoteAbortOn(transaction.TxnKey{SessionID: req.SessionID, TxnNumber: 4}, "write conflict")

	require.NoError(t, env.client.Create(ctx, req))
	decision, err := env.client.Commit(ctx, req)
	require.NoError(t, err)
	require.False(t, decision.IsCommit())
	require.Contains(t, decision.AbortReason, "write conflict")
}

func TestRecoverCancelsUnstartedCommit(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)
	ctx := t.Context()
	req := TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 2}

	require.NoError(t, env.client.Create(ctx, req))
	decision, err := env.client.Recover(ctx, req)
	require.NoError(t, err)
	require.False(t, decision.IsCommit())
	require.Equal(t, transaction.ErrCancelled.Error(), decision.AbortReason)
}

func TestCommitUnknownTransaction(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)
	_, err := env.client.Commit(t.Context(), TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 9})
	requireStatus(t, err, http.StatusNotFound)
}

func TestRequestsRejectedWhenNotPrimary(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)
	err := env.client.Create(t.Context(), TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 1})
	requireStatus(t, err, http.StatusMisdirectedRequest)

	status, err := env.client.Status(t.Context())
	require.NoError(t, err)
	require.False(t, status.Primary)
	require.Nil(t, status.Raft)
}

func TestCreateDefaultDeadlineUsesServiceClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := async.NewManualClock(start)
	env := newTestEnvWithClock(t, nil, nil, true, clock)
	env.handler.DefaultLifetime = 30 * time.Second
	ctx := t.Context()
	req := TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 1}

	require.NoError(t, env.client.Create(ctx, req))
	reports, err := env.client.Coordinators(ctx, true)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.True(t, start.Add(30*time.Second).Equal(reports[0].Deadline), "deadline %s", reports[0].Deadline)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		reports, err := env.client.Coordinators(ctx, true)
		return err == nil && len(reports) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCommitWaitTimesOut(t *testing.T) {
	env := newTestEnv(t, stalledParticipants{}, nil, true)
	env.handler.CommitWaitTimeout = 50 * time.Millisecond
	ctx := t.Context()
	req := TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 1, Participants: []transaction.ParticipantID{"shard0"}}

	require.NoError(t, env.client.Create(ctx, req))
	_, err := env.client.Commit(ctx, req)
	requireStatus(t, err, http.StatusGatewayTimeout)

	reports, err := env.client.Coordinators(ctx, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "preparing", reports[0].State)
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)
	mux := http.NewServeMux()
	env.handler.RegisterHandlers(mux)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"wrong method", http.MethodGet, "/txn/create", "", http.StatusMethodNotAllowed},
		{"malformed body", http.MethodPost, "/txn/commit", "{", http.StatusBadRequest},
		{"missing session", http.MethodPost, "/txn/cancel", `{"txnNumber": 1}`, http.StatusBadRequest},
		{"bad session", http.MethodPost, "/txn/create", `{"lsid": "nope"}`, http.StatusBadRequest},
		{"bad includeIdle", http.MethodGet, "/txn/coordinators?includeIdle=maybe", "", http.StatusBadRequest},
		{"no admin routes", http.MethodPost, "/join?nodeId=n2&peerAddress=x", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestCoordinatorsAndCancel(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)
	ctx := t.Context()
	req := TxnRequest{SessionID: transaction.NewSessionID(), TxnNumber: 3}
	require.NoError(t, env.client.Create(ctx, req))

	idle, err := env.client.Coordinators(ctx, true)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, transaction.TxnNumber(3), idle[0].Key.TxnNumber)

	active, err := env.client.Coordinators(ctx, false)
	require.NoError(t, err)
	require.Empty(t, active)

	status, err := env.client.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Primary)
	require.Equal(t, "ready", status.CatalogState)
	require.Equal(t, 1, status.Coordinators)

	require.NoError(t, env.client.Cancel(ctx, req))
	require.Eventually(t, func() bool {
		reports, err := env.client.Coordinators(ctx, true)
		return err == nil && len(reports) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClusterAdmin(t *testing.T) {
	admin := &fakeAdmin{}
	env := newTestEnv(t, nil, admin, true)
	ctx := t.Context()

	requireStatus(t, env.client.Join(ctx, "node2", "127.0.0.1:7001"), http.StatusForbidden)

	admin.leader.Store(true)
	require.NoError(t, env.client.Join(ctx, "node2", "127.0.0.1:7001"))
	require.NoError(t, env.client.RemovePeer(ctx, "node2"))
	admin.mu.Lock()
	require.Equal(t, map[string]string{"node2": "127.0.0.1:7001"}, admin.joined)
	require.Equal(t, []string{"node2"}, admin.removed)
	admin.mu.Unlock()

	status, err := env.client.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Raft)
	require.Equal(t, "Leader", status.Raft.State)
	require.Equal(t, uint64(7), status.Raft.Index)
}

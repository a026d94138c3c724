package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodb-txncoord/core/async"
	"go.uber.org/zap/zaptest"
)

// fakeParticipants is a scriptable ParticipantClient.
type fakeParticipants struct {
	mu            sync.Mutex
	votes         map[ParticipantID]Vote
	prepareErrs   map[ParticipantID][]error
	decisionErrs  map[ParticipantID][]error
	prepareGate   chan struct{}
	decisionGate  chan struct{}
	prepareCalls  map[ParticipantID]int
	decisionCalls map[ParticipantID]int
	acked         map[ParticipantID]Decision
	onDecision    func(ParticipantID, DecisionRequest)
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{
		votes:         make(map[ParticipantID]Vote),
		prepareErrs:   make(map[ParticipantID][]error),
		decisionErrs:  make(map[ParticipantID][]error),
		prepareCalls:  make(map[ParticipantID]int),
		decisionCalls: make(map[ParticipantID]int),
		acked:         make(map[ParticipantID]Decision),
	}
}

func (f *fakeParticipants) SendPrepare(ctx context.Context, p ParticipantID, req PrepareRequest) (Vote, error) {
	f.mu.Lock()
	f.prepareCalls[p]++
	if errs := f.prepareErrs[p]; len(errs) > 0 {
		f.prepareErrs[p] = errs[1:]
		f.mu.Unlock()
		return Vote{}, errs[0]
	}
	gate := f.prepareGate
	vote, ok := f.votes[p]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Vote{}, ctx.Err()
		}
	}
	if !ok {
		vote = VoteCommit(Timestamp{Secs: 1, Inc: 1})
	}
	return vote, nil
}

func (f *fakeParticipants) SendDecision(ctx context.Context, p ParticipantID, req DecisionRequest) error {
	f.mu.Lock()
	f.decisionCalls[p]++
	hook := f.onDecision
	if errs := f.decisionErrs[p]; len(errs) > 0 {
		f.decisionErrs[p] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	gate := f.decisionGate
	f.mu.Unlock()

	if hook != nil {
		hook(p, req)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.acked[p] = req.Decision
	f.mu.Unlock()
	return nil
}

func (f *fakeParticipants) ackedDecision(p ParticipantID) (Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.acked[p]
	return d, ok
}

func (f *fakeParticipants) numPrepareCalls(p ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareCalls[p]
}

func (f *fakeParticipants) numDecisionCalls(p ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decisionCalls[p]
}

type harness struct {
	t            *testing.T
	store        *MemoryStore
	participants *fakeParticipants
	scheduler    *async.WorkScheduler
	clock        *async.ManualClock
	collab       Collaborators
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		t:            t,
		store:        NewMemoryStore(),
		participants: newFakeParticipants(),
		scheduler:    async.NewWorkScheduler(logger),
		clock:        async.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.collab = Collaborators{
		Store:        h.store,
		Participants: h.participants,
		Clock:        h.clock,
		Logger:       logger,
		Retry: RetryPolicy{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
	t.Cleanup(func() {
		h.scheduler.Shutdown(nil)
		h.scheduler.Join()
	})
	return h
}

// retriesAdvanceClock makes backoff sleeps on the manual clock pass by
// advancing it in the background until the test ends.
func (h *harness) retriesAdvanceClock() {
	stop := make(chan struct{})
	h.t.Cleanup(func() { close(stop) })
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.clock.Advance(time.Millisecond)
			}
		}
	}()
}

func (h *harness) newCoordinator(key TxnKey, deadline time.Time) *Coordinator {
	return NewCoordinator(key, h.scheduler, deadline, h.collab)
}

func newKey(txn TxnNumber) TxnKey {
	return TxnKey{SessionID: NewSessionID(), TxnNumber: txn}
}

func waitFor[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-f.Done():
	case <-ctx.Done():
		t.Fatal("future did not resolve in time")
	}
	return f.Wait(ctx)
}

func waitForDecision(t *testing.T, c *Coordinator) Decision {
	t.Helper()
	d, err := waitFor(t, c.Completion())
	require.NoError(t, err)
	return d
}

func participantIDs(ids ...string) []ParticipantID {
	out := make([]ParticipantID, len(ids))
	for i, id := range ids {
		out[i] = ParticipantID(id)
	}
	return out
}

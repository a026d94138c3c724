package transaction

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errNetwork = errors.New("connection refused")

func TestCoordinatorCommitsWithMaxPrepareTimestamp(t *testing.T) {
	h := newHarness(t)
	h.participants.votes["s1"] = VoteCommit(Timestamp{Secs: 10, Inc: 3})
	h.participants.votes["s2"] = VoteCommit(Timestamp{Secs: 12, Inc: 1})
	h.participants.votes["s3"] = VoteCommit(Timestamp{Secs: 12, Inc: 0})

	key := newKey(1)
	c := h.newCoordinator(key, time.Time{})
	c.Run(participantIDs("s1", "s2", "s3"), time.Time{})

	d := waitForDecision(t, c)
	require.True(t, d.IsCommit())
	require.Equal(t, Timestamp{Secs: 12, Inc: 1}, d.CommitTimestamp)
	require.Equal(t, StateDone, c.State())

	for _, p := range participantIDs("s1", "s2", "s3") {
		acked, ok := h.participants.ackedDecision(p)
		require.True(t, ok)
		require.Equal(t, d, acked)
	}
	_, ok := h.store.Get(key)
	require.False(t, ok, "document should be forgotten once every participant acknowledged")
}

func TestCoordinatorAbortsOnAbortVote(t *testing.T) {
	h := newHarness(t)
	h.participants.votes["s2"] = VoteAbort("write conflict")

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})

	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	require.Contains(t, d.AbortReason, "write conflict")
	for _, p := range participantIDs("s1", "s2") {
		acked, ok := h.participants.ackedDecision(p)
		require.True(t, ok)
		require.False(t, acked.IsCommit())
	}
}

func TestCoordinatorTreatsPrepareFailureAsAbortVote(t *testing.T) {
	h := newHarness(t)
	h.participants.prepareErrs["s1"] = []error{errNetwork}

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})

	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	require.Contains(t, d.AbortReason, errNetwork.Error())
	require.Equal(t, 1, h.participants.numPrepareCalls("s1"))
}

func TestCoordinatorRetriesRetryablePrepareErrors(t *testing.T) {
	h := newHarness(t)
	h.retriesAdvanceClock()
	retryable := fmt.Errorf("write concern timeout: %w", ErrRetryable)
	h.participants.prepareErrs["s1"] = []error{retryable, retryable}

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1"), time.Time{})

	d := waitForDecision(t, c)
	require.True(t, d.IsCommit())
	require.Equal(t, 3, h.participants.numPrepareCalls("s1"))
}

func TestCoordinatorUnreachableParticipantAbortsWithoutDeadline(t *testing.T) {
	h := newHarness(t)
	h.retriesAdvanceClock()
	h.collab.Retry.MaxPrepareAttempts = 3
	unreachable := fmt.Errorf("%w: %w", ErrRetryable, errNetwork)
	h.participants.prepareErrs["s1"] = slices.Repeat([]error{unreachable}, 10)

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})

	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	require.Contains(t, d.AbortReason, errNetwork.Error())
	require.Equal(t, 3, h.participants.numPrepareCalls("s1"))
	acked, ok := h.participants.ackedDecision("s1")
	require.True(t, ok)
	require.False(t, acked.IsCommit())
}

func TestCoordinatorRetriesDecisionDeliveryUntilAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.retriesAdvanceClock()
	h.participants.decisionErrs["s1"] = []error{errNetwork, errNetwork, errNetwork}

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})

	d := waitForDecision(t, c)
	require.True(t, d.IsCommit())
	require.Equal(t, 4, h.participants.numDecisionCalls("s1"))
	require.Equal(t, 1, h.participants.numDecisionCalls("s2"))
}

func TestCoordinatorAbortAcknowledgedByNoSuchTransaction(t *testing.T) {
	h := newHarness(t)
	h.participants.votes["s1"] = VoteAbort("aborted locally")
	h.participants.decisionErrs["s2"] = []error{ErrNoSuchTransaction}

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})

	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	require.Equal(t, 1, h.participants.numDecisionCalls("s2"))
}

func TestCoordinatorPersistsDecisionBeforeDelivery(t *testing.T) {
	h := newHarness(t)
	key := newKey(1)
	persisted := make(chan bool, 2)
	h.participants.onDecision = func(p ParticipantID, req DecisionRequest) {
		doc, ok := h.store.Get(key)
		persisted <- ok && doc.Decision != nil && *doc.Decision == req.Decision
	}

	c := h.newCoordinator(key, time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})
	waitForDecision(t, c)

	require.True(t, <-persisted)
	require.True(t, <-persisted)
}

func TestDecisionFutureResolvesBeforeDeliveryCompletes(t *testing.T) {
	h := newHarness(t)
	h.participants.decisionGate = make(chan struct{})

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1"), time.Time{})

	d, err := waitFor(t, c.DecisionFuture())
	require.NoError(t, err)
	require.True(t, d.IsCommit())
	require.False(t, c.Completion().IsReady())
	require.Equal(t, StateCommitting, c.State())

	close(h.participants.decisionGate)
	require.Equal(t, d, waitForDecision(t, c))
}

func TestCancelBeforeRunAbortsWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	key := newKey(1)
	c := h.newCoordinator(key, time.Time{})

	c.CancelIfCommitNotYetStarted()
	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	require.Equal(t, StateDone, c.State())

	_, ok := h.store.Get(key)
	require.False(t, ok)

	c.Run(participantIDs("s1"), time.Time{})
	require.Zero(t, h.participants.numPrepareCalls("s1"))
}

func TestCancelWhilePreparingTakesAbortPath(t *testing.T) {
	h := newHarness(t)
	h.participants.prepareGate = make(chan struct{})

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s2"), time.Time{})
	require.Eventually(t, func() bool {
		return h.participants.numPrepareCalls("s1") == 1 && h.participants.numPrepareCalls("s2") == 1
	}, 5*time.Second, time.Millisecond)

	c.CancelIfCommitNotYetStarted()
	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	for _, p := range participantIDs("s1", "s2") {
		acked, ok := h.participants.ackedDecision(p)
		require.True(t, ok)
		require.False(t, acked.IsCommit())
	}
}

func TestCancelAfterDecisionIsNoop(t *testing.T) {
	h := newHarness(t)
	h.participants.decisionGate = make(chan struct{})

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1"), time.Time{})
	_, err := waitFor(t, c.DecisionFuture())
	require.NoError(t, err)

	c.CancelIfCommitNotYetStarted()
	close(h.participants.decisionGate)
	require.True(t, waitForDecision(t, c).IsCommit())
}

func TestDeadlineBeforeDecisionAborts(t *testing.T) {
	h := newHarness(t)
	h.participants.prepareGate = make(chan struct{})

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1"), h.clock.Now().Add(time.Minute))
	require.Eventually(t, func() bool { return h.participants.numPrepareCalls("s1") == 1 }, 5*time.Second, time.Millisecond)

	h.clock.Advance(time.Minute)
	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
	require.Equal(t, ErrDeadlineReached.Error(), d.AbortReason)
}

func TestDeadlineBeforeRunCompletesCoordinator(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(newKey(1), h.clock.Now().Add(time.Second))
	require.Eventually(t, func() bool { return h.clock.PendingTimers() == 1 }, 5*time.Second, time.Millisecond)

	h.clock.Advance(time.Second)
	d := waitForDecision(t, c)
	require.False(t, d.IsCommit())
}

func TestDeadlineAfterCommitDecisionHasNoEffect(t *testing.T) {
	h := newHarness(t)
	h.participants.decisionGate = make(chan struct{})

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1"), h.clock.Now().Add(time.Second))
	d, err := waitFor(t, c.DecisionFuture())
	require.NoError(t, err)
	require.True(t, d.IsCommit())

	h.clock.Advance(time.Hour)
	close(h.participants.decisionGate)
	require.True(t, waitForDecision(t, c).IsCommit())
}

func TestShutdownBeforeAnyVoteYieldsAbort(t *testing.T) {
	h := newHarness(t)
	h.participants.prepareGate = make(chan struct{})

	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1"), time.Time{})
	h.scheduler.Shutdown(ErrSteppingDown)

	d, err := waitFor(t, c.Completion())
	require.ErrorIs(t, err, ErrSteppingDown)
	require.False(t, d.IsCommit())
	require.Equal(t, StateDone, c.State())
}

func TestShutdownBeforeRunYieldsAbort(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(newKey(1), time.Time{})
	h.scheduler.Shutdown(ErrSteppingDown)

	d, err := waitFor(t, c.Completion())
	require.ErrorIs(t, err, ErrSteppingDown)
	require.False(t, d.IsCommit())
}

func TestShutdownAfterDurableDecisionKeepsDecision(t *testing.T) {
	h := newHarness(t)
	h.participants.decisionGate = make(chan struct{})
	key := newKey(1)

	c := h.newCoordinator(key, time.Time{})
	c.Run(participantIDs("s1"), time.Time{})
	_, err := waitFor(t, c.DecisionFuture())
	require.NoError(t, err)

	h.scheduler.Shutdown(ErrSteppingDown)
	d, err := waitFor(t, c.Completion())
	require.ErrorIs(t, err, ErrSteppingDown)
	require.True(t, d.IsCommit())

	doc, ok := h.store.Get(key)
	require.True(t, ok, "durable decision must survive for recovery")
	require.NotNil(t, doc.Decision)
	require.True(t, doc.Decision.IsCommit())
}

func TestContinueCommitWithDecisionSkipsPrepare(t *testing.T) {
	h := newHarness(t)
	key := newKey(4)
	decision := CommitDecisionAt(Timestamp{Secs: 7})
	require.NoError(t, h.store.PersistDecision(t.Context(), key, participantIDs("s1", "s2"), decision))

	c := h.newCoordinator(key, time.Time{})
	c.ContinueCommit(CoordinatorDoc{Key: key, Participants: participantIDs("s1", "s2"), Decision: &decision})

	require.Equal(t, decision, waitForDecision(t, c))
	require.Zero(t, h.participants.numPrepareCalls("s1"))
	acked, ok := h.participants.ackedDecision("s2")
	require.True(t, ok)
	require.Equal(t, decision, acked)
	_, ok = h.store.Get(key)
	require.False(t, ok)
}

func TestContinueCommitWithoutDecisionPreparesAgain(t *testing.T) {
	h := newHarness(t)
	key := newKey(4)
	require.NoError(t, h.store.PersistParticipants(t.Context(), key, participantIDs("s1")))

	c := h.newCoordinator(key, time.Time{})
	c.ContinueCommit(CoordinatorDoc{Key: key, Participants: participantIDs("s1")})

	require.True(t, waitForDecision(t, c).IsCommit())
	require.Equal(t, 1, h.participants.numPrepareCalls("s1"))
}

func TestRunIsIdempotentAndCollapsesDuplicates(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(newKey(1), time.Time{})
	c.Run(participantIDs("s1", "s1", "s2"), time.Time{})
	c.Run(participantIDs("s3"), time.Time{})

	require.True(t, waitForDecision(t, c).IsCommit())
	require.Equal(t, 1, h.participants.numPrepareCalls("s1"))
	require.Zero(t, h.participants.numPrepareCalls("s3"))
	require.Equal(t, participantIDs("s1", "s2"), c.Report().Participants)
}

func TestCoordinatorReport(t *testing.T) {
	h := newHarness(t)
	h.participants.prepareGate = make(chan struct{})
	key := newKey(9)
	c := h.newCoordinator(key, time.Time{})

	r := c.Report()
	require.Equal(t, key, r.Key)
	require.Equal(t, "created", r.State)
	require.Nil(t, r.Decision)

	c.Run(participantIDs("s1"), time.Time{})
	require.Eventually(t, func() bool { return c.Report().State == "preparing" }, 5*time.Second, time.Millisecond)

	close(h.participants.prepareGate)
	waitForDecision(t, c)
	r = c.Report()
	require.Equal(t, "done", r.State)
	require.True(t, r.DecisionDurable)
	require.Equal(t, 1, r.VotesReceived)
}

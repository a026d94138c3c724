package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sushant-115/gojodb-txncoord/core/async"
	internaltelemetry "github.com/sushant-115/gojodb-txncoord/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	errDecisionMade    = errors.New("decision already made")
	errCoordinatorDone = errors.New("coordinator finished")
)

// Collaborators are the external services a Coordinator drives. Store and
// Participants are required; the rest have defaults.
type Collaborators struct {
	Store        DecisionStore
	Participants ParticipantClient
	Clock        async.Clock
	Logger       *zap.Logger
	Tracer       trace.Tracer
	Metrics      *internaltelemetry.CoordinatorMetrics
	Retry        RetryPolicy
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Clock == nil {
		c.Clock = async.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// CoordinatorReport is a point-in-time view of a coordinator.
type CoordinatorReport struct {
	Key             TxnKey          `json:"key"`
	State           string          `json:"state"`
	Participants    []ParticipantID `json:"participants,omitempty"`
	VotesReceived   int             `json:"votesReceived"`
	Decision        *Decision       `json:"decision,omitempty"`
	DecisionDurable bool            `json:"decisionDurable"`
	Deadline        time.Time       `json:"deadline,omitzero"`
	StartTime       time.Time       `json:"startTime,omitzero"`
}

// Coordinator drives one transaction through two-phase commit. It owns a
// child of the scheduler it was created with; shutting that scheduler down
// stops every step without forcing a decision.
type Coordinator struct {
	key       TxnKey
	scheduler *async.WorkScheduler
	collab    Collaborators
	logger    *zap.Logger
	retrier   retrier

	decisionPromise   *async.Promise[Decision]
	completionPromise *async.Promise[Decision]
	stopShutdownWatch func() bool

	mu              sync.Mutex
	state           State
	started         bool
	participants    []ParticipantID
	deadline        time.Time
	startTime       time.Time
	prepareSched    *async.WorkScheduler
	votes           map[ParticipantID]Vote
	commitVotes     int
	decision        *Decision
	decidedCh       chan struct{}
	decisionDurable bool
	onDone          []func()
}

// NewCoordinator creates a coordinator in the created state. A non-zero
// deadline arms a timer that aborts the transaction if no decision has been
// made by then.
func NewCoordinator(key TxnKey, scheduler *async.WorkScheduler, deadline time.Time, collab Collaborators) *Coordinator {
	collab = collab.withDefaults()
	logger := collab.Logger.With(
		zap.String("session", key.SessionID.String()),
		zap.Int64("txnNumber", int64(key.TxnNumber)))
	c := &Coordinator{
		key:               key,
		scheduler:         scheduler.MakeChildScheduler(),
		collab:            collab,
		logger:            logger,
		decisionPromise:   async.NewPromise[Decision](),
		completionPromise: async.NewPromise[Decision](),
		votes:             make(map[ParticipantID]Vote),
		decidedCh:         make(chan struct{}),
	}
	c.retrier = retrier{
		policy: collab.Retry,
		clock:  collab.Clock,
		logger: logger,
		onRetry: func(phase string) {
			collab.Metrics.StepRetried(context.Background(), phase)
		},
	}
	c.stopShutdownWatch = context.AfterFunc(c.scheduler.Context(), c.onSchedulerShutdown)
	collab.Metrics.CoordinatorStarted(context.Background())
	if !deadline.IsZero() {
		c.armDeadline(deadline)
	}
	return c
}

func (c *Coordinator) Key() TxnKey {
	return c.key
}

// Completion resolves once the coordinator is done. Its error is the
// scheduler's shutdown cause when the coordinator was stopped before it
// could finish; the decision is then the durable one, or abort if none was
// durable.
func (c *Coordinator) Completion() *async.Future[Decision] {
	return c.completionPromise.Future()
}

// DecisionFuture resolves as soon as the decision is durable, before it has
// been delivered to the participants.
func (c *Coordinator) DecisionFuture() *async.Future[Decision] {
	return c.decisionPromise.Future()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run starts the commit. Only the first call to Run or ContinueCommit has an
// effect. A non-zero deadline arms an additional decision deadline.
func (c *Coordinator) Run(participants []ParticipantID, deadline time.Time) {
	c.mu.Lock()
	if c.started || c.state != StateCreated {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.participants = dedupParticipants(participants)
	c.startTime = c.collab.Clock.Now()
	c.state = StatePreparing
	c.prepareSched = c.scheduler.MakeChildScheduler()
	c.mu.Unlock()

	if !deadline.IsZero() {
		c.armDeadline(deadline)
	}
	c.logger.Info("Starting two-phase commit", zap.Any("participants", participants))
	c.start(false)
}

// ContinueCommit resumes a coordinator from its durable document after
// failover. A document with a decision goes straight to delivery; one
// without asks the participants to prepare again.
func (c *Coordinator) ContinueCommit(doc CoordinatorDoc) {
	c.mu.Lock()
	if c.started || c.state != StateCreated {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.participants = dedupParticipants(doc.Participants)
	c.startTime = c.collab.Clock.Now()
	c.prepareSched = c.scheduler.MakeChildScheduler()
	if doc.Decision != nil {
		d := *doc.Decision
		c.decideLocked(d)
		c.markDurableLocked()
	} else {
		c.state = StatePreparing
	}
	c.mu.Unlock()

	c.logger.Info("Resuming two-phase commit from durable state",
		zap.Any("participants", doc.Participants),
		zap.Bool("decided", doc.Decision != nil))
	c.start(true)
}

// CancelIfCommitNotYetStarted aborts the transaction unless a decision has
// already been made. A coordinator that was never run completes at once
// without persisting anything; one that is preparing stops preparing and
// takes the normal abort path.
func (c *Coordinator) CancelIfCommitNotYetStarted() {
	c.mu.Lock()
	switch {
	case c.decision != nil || c.state == StateDone:
		c.mu.Unlock()
		return
	case c.state == StateCreated:
		d := AbortDecision(ErrCancelled.Error())
		c.decision = &d
		c.started = true
		close(c.decidedCh)
		c.mu.Unlock()
		c.logger.Info("Cancelled coordinator before commit started")
		c.finish(nil)
		return
	default:
		c.decideLocked(AbortDecision(ErrCancelled.Error()))
		c.mu.Unlock()
		c.logger.Info("Cancelled coordinator while preparing")
	}
}

// Report returns the current state of the coordinator.
func (c *Coordinator) Report() CoordinatorReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := CoordinatorReport{
		Key:             c.key,
		State:           c.state.String(),
		Participants:    slices.Clone(c.participants),
		VotesReceived:   len(c.votes),
		DecisionDurable: c.decisionDurable,
		Deadline:        c.deadline,
		StartTime:       c.startTime,
	}
	if c.decision != nil {
		d := *c.decision
		r.Decision = &d
	}
	return r
}

// registerRemoval arranges for fn to run on its own goroutine once the
// coordinator is done, or right away if it already is.
func (c *Coordinator) registerRemoval(fn func()) {
	c.mu.Lock()
	if c.state == StateDone {
		c.mu.Unlock()
		go fn()
		return
	}
	c.onDone = append(c.onDone, fn)
	c.mu.Unlock()
}

func (c *Coordinator) armDeadline(deadline time.Time) {
	c.mu.Lock()
	if c.deadline.IsZero() || deadline.Before(c.deadline) {
		c.deadline = deadline
	}
	c.mu.Unlock()
	async.ScheduleAt(c.scheduler, c.collab.Clock, deadline, func(ctx context.Context) (struct{}, error) {
		c.onDeadline()
		return struct{}{}, nil
	})
}

func (c *Coordinator) onDeadline() {
	c.mu.Lock()
	switch {
	case c.decision != nil || c.state == StateDone:
		c.mu.Unlock()
		return
	case c.state == StateCreated:
		d := AbortDecision(ErrDeadlineReached.Error())
		c.decision = &d
		c.started = true
		close(c.decidedCh)
		c.mu.Unlock()
		c.logger.Info("Deadline reached before commit started")
		c.finish(nil)
	default:
		c.decideLocked(AbortDecision(ErrDeadlineReached.Error()))
		c.mu.Unlock()
		c.logger.Info("Deadline reached before a decision was made")
	}
}

// onSchedulerShutdown completes a coordinator whose commit was never
// started. A started one is completed by its driver.
func (c *Coordinator) onSchedulerShutdown() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.finish(c.scheduler.Err())
	}
}

// decideLocked records the decision unless one exists. c.mu must be held.
func (c *Coordinator) decideLocked(d Decision) bool {
	if c.decision != nil {
		return false
	}
	c.decision = &d
	close(c.decidedCh)
	if c.prepareSched != nil {
		c.prepareSched.Shutdown(errDecisionMade)
	}
	if c.state == StatePreparing {
		c.state = StateDeciding
	}
	return true
}

func (c *Coordinator) markDurableLocked() {
	c.decisionDurable = true
	if c.decision.IsCommit() {
		c.state = StateCommitting
	} else {
		c.state = StateAborting
	}
}

func (c *Coordinator) start(resumed bool) {
	f := async.Schedule(c.scheduler, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.runCommit(ctx, resumed)
	})
	go func() {
		_, err := f.Wait(context.Background())
		c.finish(err)
	}()
}

func (c *Coordinator) runCommit(ctx context.Context, resumed bool) (err error) {
	ctx, span := c.collab.Tracer.Start(ctx, "TransactionCoordinator.runCommit", trace.WithAttributes(
		attribute.String("txn.session", c.key.SessionID.String()),
		attribute.Int64("txn.number", int64(c.key.TxnNumber)),
		attribute.Bool("txn.resumed", resumed),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		} else {
			span.SetStatus(otelcodes.Ok, "Success")
		}
		span.End()
	}()

	c.mu.Lock()
	participants := c.participants
	durable := c.decisionDurable
	c.mu.Unlock()

	if !durable {
		if !resumed {
			err := c.retrier.do(ctx, "persistParticipants", always, func(ctx context.Context) error {
				return c.collab.Store.PersistParticipants(ctx, c.key, participants)
			})
			if err != nil {
				return err
			}
		}
		c.sendPrepares(participants)
		select {
		case <-c.decidedCh:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		if err := c.persistDecision(ctx, participants); err != nil {
			return err
		}
	}

	if err := c.deliverDecision(ctx, participants); err != nil {
		return err
	}
	return c.retrier.do(ctx, "forget", always, func(ctx context.Context) error {
		return c.collab.Store.Forget(ctx, c.key)
	})
}

func (c *Coordinator) sendPrepares(participants []ParticipantID) {
	c.mu.Lock()
	sched := c.prepareSched
	if c.decision == nil && len(participants) == 0 {
		c.decideLocked(CommitDecisionAt(Timestamp{}))
	}
	c.mu.Unlock()

	req := PrepareRequest{Key: c.key}
	for _, p := range participants {
		async.Schedule(sched, func(ctx context.Context) (Vote, error) {
			var vote Vote
			err := c.retrier.doN(ctx, "prepare", c.collab.Retry.MaxPrepareAttempts, isRetryablePrepareError, func(ctx context.Context) error {
				var err error
				vote, err = c.collab.Participants.SendPrepare(ctx, p, req)
				return err
			})
			if ctx.Err() != nil {
				return Vote{}, context.Cause(ctx)
			}
			if err != nil {
				c.logger.Info("Prepare failed, treating as abort vote",
					zap.String("participant", string(p)), zap.Error(err))
				vote = VoteAbort(fmt.Sprintf("prepare failed: %v", err))
			}
			c.recordVote(p, vote)
			return vote, nil
		})
	}
}

func isRetryablePrepareError(err error) bool {
	return errors.Is(err, ErrRetryable)
}

func (c *Coordinator) recordVote(p ParticipantID, vote Vote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision != nil {
		return
	}
	c.votes[p] = vote
	if !vote.Commit {
		c.logger.Info("Participant voted abort",
			zap.String("participant", string(p)), zap.String("reason", vote.AbortReason))
		c.decideLocked(AbortDecision(fmt.Sprintf("participant %s voted abort: %s", p, vote.AbortReason)))
		return
	}
	c.commitVotes++
	if c.commitVotes < len(c.participants) {
		return
	}
	ts := make([]Timestamp, 0, len(c.votes))
	for _, v := range c.votes {
		ts = append(ts, v.PrepareTimestamp)
	}
	c.decideLocked(CommitDecisionAt(MaxTimestamp(ts...)))
}

func (c *Coordinator) persistDecision(ctx context.Context, participants []ParticipantID) error {
	c.mu.Lock()
	decision := *c.decision
	c.mu.Unlock()

	err := c.retrier.do(ctx, "persistDecision", func(err error) bool {
		return !errors.Is(err, ErrDecisionConflict)
	}, func(ctx context.Context) error {
		return c.collab.Store.PersistDecision(ctx, c.key, participants, decision)
	})
	if err != nil {
		if errors.Is(err, ErrDecisionConflict) {
			c.logger.Error("Durable decision conflicts with chosen decision", zap.Error(err))
		}
		return err
	}

	c.mu.Lock()
	c.markDurableLocked()
	startTime := c.startTime
	c.mu.Unlock()

	c.collab.Metrics.DecisionPersisted(ctx, decision.Outcome.String(), c.collab.Clock.Now().Sub(startTime))
	c.logger.Info("Decision is durable", zap.Stringer("decision", decision))
	c.decisionPromise.Resolve(decision, nil)
	return nil
}

func (c *Coordinator) deliverDecision(ctx context.Context, participants []ParticipantID) error {
	c.mu.Lock()
	decision := *c.decision
	c.mu.Unlock()
	if !c.decisionPromise.IsResolved() {
		c.decisionPromise.Resolve(decision, nil)
	}

	phase := "commit"
	if !decision.IsCommit() {
		phase = "abort"
	}
	req := DecisionRequest{Key: c.key, Decision: decision}
	futures := make([]*async.Future[struct{}], 0, len(participants))
	for _, p := range participants {
		futures = append(futures, async.Schedule(c.scheduler, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.retrier.do(ctx, phase, always, func(ctx context.Context) error {
				err := c.collab.Participants.SendDecision(ctx, p, req)
				if !decision.IsCommit() && errors.Is(err, ErrNoSuchTransaction) {
					return nil
				}
				return err
			})
		}))
	}
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
	}
	c.logger.Info("All participants acknowledged decision", zap.Stringer("decision", decision))
	return nil
}

func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	if c.state == StateDone {
		c.mu.Unlock()
		return
	}
	var decision Decision
	switch {
	case c.decisionDurable:
		decision = *c.decision
	case err == nil && c.decision != nil:
		decision = *c.decision
	default:
		reason := "coordinator stopped before a decision was durable"
		if err != nil {
			reason = err.Error()
		}
		decision = AbortDecision(reason)
	}
	c.state = StateDone
	callbacks := c.onDone
	c.onDone = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("Coordinator stopped", zap.Stringer("decision", decision), zap.Error(err))
	} else {
		c.logger.Info("Coordinator done", zap.Stringer("decision", decision))
	}
	if !c.decisionPromise.IsResolved() {
		c.decisionPromise.Resolve(decision, err)
	}
	c.completionPromise.Resolve(decision, err)

	c.stopShutdownWatch()
	c.scheduler.Shutdown(errCoordinatorDone)
	c.scheduler.Release()
	c.collab.Metrics.CoordinatorDone(context.Background())

	for _, fn := range callbacks {
		go fn()
	}
}

package transaction

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sushant-115/gojodb-txncoord/core/async"
	"go.uber.org/zap"
)

const defaultTransactionLifetimeLimit = 60 * time.Second

// ServiceOptions tune a Service.
type ServiceOptions struct {
	// TransactionLifetimeLimit is the decision deadline given to coordinators
	// recovered on step-up.
	TransactionLifetimeLimit time.Duration
	// ReturnAfterDecisionPersisted makes CoordinateCommit and RecoverCommit
	// return the decision future instead of the completion future.
	ReturnAfterDecisionPersisted bool
}

// catalogAndScheduler is the state of one primary term.
type catalogAndScheduler struct {
	catalog   *Catalog
	scheduler *async.WorkScheduler
	recovery  *async.Future[struct{}]
}

func (cas *catalogAndScheduler) onStepDown() {
	cas.scheduler.Shutdown(ErrSteppingDown)
	cas.catalog.OnStepDown()
}

func (cas *catalogAndScheduler) join() {
	_, _ = cas.recovery.Wait(context.Background())
	cas.catalog.Join()
}

// Service coordinates commits on behalf of command handlers while this node
// is primary. Each primary term gets a fresh Catalog and root scheduler.
type Service struct {
	logger *zap.Logger
	collab Collaborators
	opts   ServiceOptions

	mu        sync.Mutex
	current   *catalogAndScheduler
	toCleanup *catalogAndScheduler
}

func NewService(collab Collaborators, opts ServiceOptions) *Service {
	collab = collab.withDefaults()
	if opts.TransactionLifetimeLimit <= 0 {
		opts.TransactionLifetimeLimit = defaultTransactionLifetimeLimit
	}
	return &Service{
		logger: collab.Logger.Named("txn_coordinator_service"),
		collab: collab,
		opts:   opts,
	}
}

func (s *Service) newTerm() *catalogAndScheduler {
	return &catalogAndScheduler{
		catalog:   NewCatalog(s.logger),
		scheduler: async.NewWorkScheduler(s.logger),
	}
}

// OnStepUp starts a new primary term. It waits for the coordinators of the
// previous term to drain, then recovers the coordinators found in the
// decision store after recoveryDelay. The catalog accepts new coordinators
// once recovery has succeeded.
func (s *Service) OnStepUp(recoveryDelay time.Duration) {
	s.JoinPreviousRound()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.logger.Warn("Ignoring step-up while already primary")
		return
	}
	cas := s.newTerm()
	s.current = cas

	recovered := async.ScheduleIn(cas.scheduler, s.collab.Clock, recoveryDelay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.recoverCoordinators(ctx, cas)
	})
	done := async.NewPromise[struct{}]()
	cas.recovery = done.Future()
	go func() {
		_, err := recovered.Wait(context.Background())
		cas.catalog.ExitStepUp(err)
		done.Resolve(struct{}{}, err)
	}()
}

func (s *Service) recoverCoordinators(ctx context.Context, cas *catalogAndScheduler) error {
	docs, err := s.collab.Store.ReadAll(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Need to resume coordinating commit for transactions with an in-progress two-phase commit/abort",
		zap.Int("numPendingTransactions", len(docs)))

	for _, doc := range docs {
		s.logger.Debug("Going to resume coordinating commit", zap.Stringer("key", doc.Key))
		deadline := s.collab.Clock.Now().Add(s.opts.TransactionLifetimeLimit)
		coord := NewCoordinator(doc.Key, cas.scheduler, deadline, s.collab)
		if err := cas.catalog.InsertForStepUp(doc.Key, coord); err != nil {
			coord.CancelIfCommitNotYetStarted()
			return err
		}
		coord.ContinueCommit(doc)
	}
	return nil
}

// InitializeAsPrimary starts a term that needs no recovery, for a node that
// becomes primary of a freshly created group.
func (s *Service) InitializeAsPrimary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return
	}
	cas := s.newTerm()
	cas.catalog.ExitStepUp(nil)
	cas.recovery = async.MakeReadyFuture(struct{}{}, nil)
	s.current = cas
}

// OnStepDown stops every coordinator of the current term without waiting
// for them. JoinPreviousRound waits.
func (s *Service) OnStepDown() {
	s.mu.Lock()
	cas := s.current
	if cas == nil {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.toCleanup = cas
	s.mu.Unlock()

	s.logger.Info("Transaction coordinator service stepping down")
	cas.onStepDown()
}

// JoinPreviousRound blocks until the coordinators of the last term that was
// stepped down from have all finished.
func (s *Service) JoinPreviousRound() {
	s.mu.Lock()
	cas := s.toCleanup
	s.toCleanup = nil
	s.mu.Unlock()
	if cas == nil {
		return
	}
	s.logger.Info("Waiting for coordinator tasks from previous term to complete")
	cas.join()
}

// Shutdown steps down and waits for every coordinator to finish.
func (s *Service) Shutdown() {
	s.OnStepDown()
	s.JoinPreviousRound()
}

// Now returns the time on the clock coordinators use for deadlines.
func (s *Service) Now() time.Time {
	return s.collab.Clock.Now()
}

func (s *Service) IsPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Service) getCatalogAndScheduler() (*catalogAndScheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNotPrimary
	}
	return s.current, nil
}

func (s *Service) readyCatalog(ctx context.Context) (*catalogAndScheduler, error) {
	cas, err := s.getCatalogAndScheduler()
	if err != nil {
		return nil, err
	}
	if err := cas.catalog.WaitForStepUp(ctx); err != nil {
		return nil, err
	}
	return cas, nil
}

// CreateCoordinator registers a coordinator for (sid, txn). It does nothing
// if one already exists. An older coordinator on the same session is
// cancelled unless its commit has started.
func (s *Service) CreateCoordinator(ctx context.Context, sid SessionID, txn TxnNumber, deadline time.Time) error {
	cas, err := s.readyCatalog(ctx)
	if err != nil {
		return err
	}
	key := TxnKey{SessionID: sid, TxnNumber: txn}
	_, superseded, err := cas.catalog.GetOrInsert(key, func() *Coordinator {
		return NewCoordinator(key, cas.scheduler, deadline, s.collab)
	})
	if superseded != nil {
		superseded.CancelIfCommitNotYetStarted()
	}
	return err
}

// CoordinateCommit runs the commit of an existing coordinator. found is
// false if no coordinator is registered for (sid, txn).
func (s *Service) CoordinateCommit(ctx context.Context, sid SessionID, txn TxnNumber, participants []ParticipantID) (future *async.Future[Decision], found bool, err error) {
	cas, err := s.readyCatalog(ctx)
	if err != nil {
		return nil, false, err
	}
	coord, ok := cas.catalog.Get(TxnKey{SessionID: sid, TxnNumber: txn})
	if !ok {
		return nil, false, nil
	}
	coord.Run(participants, time.Time{})
	return s.resultFuture(coord), true, nil
}

// RecoverCommit joins an existing coordinator, cancelling it first if its
// commit was never started.
func (s *Service) RecoverCommit(ctx context.Context, sid SessionID, txn TxnNumber) (future *async.Future[Decision], found bool, err error) {
	cas, err := s.readyCatalog(ctx)
	if err != nil {
		return nil, false, err
	}
	coord, ok := cas.catalog.Get(TxnKey{SessionID: sid, TxnNumber: txn})
	if !ok {
		return nil, false, nil
	}
	coord.CancelIfCommitNotYetStarted()
	return s.resultFuture(coord), true, nil
}

func (s *Service) resultFuture(coord *Coordinator) *async.Future[Decision] {
	if s.opts.ReturnAfterDecisionPersisted {
		return coord.DecisionFuture()
	}
	return coord.Completion()
}

// CancelIfCommitNotYetStarted cancels the coordinator for (sid, txn) if it
// is the latest one on the session.
func (s *Service) CancelIfCommitNotYetStarted(ctx context.Context, sid SessionID, txn TxnNumber) error {
	cas, err := s.readyCatalog(ctx)
	if err != nil {
		return err
	}
	if latestTxn, latest, ok := cas.catalog.GetLatestOnSession(sid); ok && latestTxn == txn {
		latest.CancelIfCommitNotYetStarted()
	}
	return nil
}

// ReportCoordinators describes the coordinators of the current term, sorted
// by key. Coordinators whose commit has not started are only included with
// includeIdle. A node that is not primary reports nothing.
func (s *Service) ReportCoordinators(includeIdle bool) []CoordinatorReport {
	cas, err := s.getCatalogAndScheduler()
	if err != nil {
		return nil
	}
	var reports []CoordinatorReport
	cas.catalog.Filter(func(c *Coordinator) bool {
		return includeIdle || c.State() > StateCreated
	}, func(c *Coordinator) {
		reports = append(reports, c.Report())
	})
	slices.SortFunc(reports, func(a, b CoordinatorReport) int {
		if c := compareSessions(a.Key.SessionID, b.Key.SessionID); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.TxnNumber, b.Key.TxnNumber)
	})
	return reports
}

// CatalogState returns the barrier state of the current term's catalog.
func (s *Service) CatalogState() (CatalogState, bool) {
	cas, err := s.getCatalogAndScheduler()
	if err != nil {
		return 0, false
	}
	return cas.catalog.State(), true
}

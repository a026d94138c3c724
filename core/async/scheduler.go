package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrShutdown is the cause used when Shutdown is called without an error.
var ErrShutdown = errors.New("async: work scheduler shut down")

// WorkScheduler runs tasks on their own goroutines and cancels all of them,
// together with every task of every descendant scheduler, when it is shut
// down. Retry policy is left to callers.
type WorkScheduler struct {
	logger *zap.Logger
	parent *WorkScheduler
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	cond *sync.Cond
	// active counts running tasks of this scheduler and all descendants.
	active   int
	children map[*WorkScheduler]struct{}
}

// NewWorkScheduler creates a root scheduler.
func NewWorkScheduler(logger *zap.Logger) *WorkScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newWorkScheduler(context.Background(), nil, logger)
}

func newWorkScheduler(parentCtx context.Context, parent *WorkScheduler, logger *zap.Logger) *WorkScheduler {
	ctx, cancel := context.WithCancelCause(parentCtx)
	s := &WorkScheduler{
		logger:   logger,
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		children: make(map[*WorkScheduler]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// MakeChildScheduler returns a scheduler bound to s: shutting s down shuts
// the child down with the same error. A child made after s was shut down
// starts out shut down.
func (s *WorkScheduler) MakeChildScheduler() *WorkScheduler {
	child := newWorkScheduler(s.ctx, s, s.logger)
	s.mu.Lock()
	s.children[child] = struct{}{}
	s.mu.Unlock()
	return child
}

// Release detaches a child from its parent's list of live children. The
// child keeps observing the parent's cancellation.
func (s *WorkScheduler) Release() {
	if s.parent == nil {
		return
	}
	s.parent.mu.Lock()
	delete(s.parent.children, s)
	s.parent.mu.Unlock()
}

// NumChildren returns the number of live children.
func (s *WorkScheduler) NumChildren() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Shutdown cancels every pending and running task of s and its descendants.
// Only the first call has an effect; err becomes the result of every task
// that has not completed yet.
func (s *WorkScheduler) Shutdown(err error) {
	if err == nil {
		err = ErrShutdown
	}
	if s.ctx.Err() == nil {
		s.logger.Debug("Shutting down work scheduler", zap.Error(err))
	}
	s.cancel(err)
}

// Err returns the shutdown cause, or nil if neither s nor an ancestor has
// been shut down.
func (s *WorkScheduler) Err() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

// IsShutdown reports whether s or an ancestor has been shut down.
func (s *WorkScheduler) IsShutdown() bool {
	return s.ctx.Err() != nil
}

// Context is cancelled, with the shutdown error as cause, when s shuts down.
func (s *WorkScheduler) Context() context.Context {
	return s.ctx
}

// Join blocks until no task of s or of any descendant is running.
func (s *WorkScheduler) Join() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 {
		s.cond.Wait()
	}
}

func (s *WorkScheduler) beginTask() {
	for sched := s; sched != nil; sched = sched.parent {
		sched.mu.Lock()
		sched.active++
		sched.mu.Unlock()
	}
}

func (s *WorkScheduler) endTask() {
	for sched := s; sched != nil; sched = sched.parent {
		sched.mu.Lock()
		sched.active--
		if sched.active == 0 {
			sched.cond.Broadcast()
		}
		sched.mu.Unlock()
	}
}

// Schedule runs task on s. The returned future resolves to the task's result,
// or to the shutdown error if s was shut down before or while it ran.
func Schedule[T any](s *WorkScheduler, task func(ctx context.Context) (T, error)) *Future[T] {
	p := NewPromise[T]()
	if err := s.Err(); err != nil {
		var zero T
		p.Resolve(zero, err)
		return p.Future()
	}
	s.beginTask()
	go func() {
		defer s.endTask()
		p.Resolve(runTask(s, task))
	}()
	return p.Future()
}

func runTask[T any](s *WorkScheduler, task func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := s.Err(); err != nil {
		return zero, err
	}
	value, err := task(s.ctx)
	if cause := s.Err(); cause != nil {
		return zero, cause
	}
	return value, err
}

// ScheduleIn runs task on s once d has elapsed on clock.
func ScheduleIn[T any](s *WorkScheduler, clock Clock, d time.Duration, task func(ctx context.Context) (T, error)) *Future[T] {
	return ScheduleAt(s, clock, clock.Now().Add(d), task)
}

// ScheduleAt runs task on s once clock reaches when.
func ScheduleAt[T any](s *WorkScheduler, clock Clock, when time.Time, task func(ctx context.Context) (T, error)) *Future[T] {
	return Schedule(s, func(ctx context.Context) (T, error) {
		if err := SleepUntil(ctx, clock, when); err != nil {
			var zero T
			return zero, err
		}
		return task(ctx)
	})
}

// Sleep waits for d on clock. It returns the cancellation cause if ctx is
// done first.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	fired, stop := clock.NewTimer(d)
	defer stop()
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// SleepUntil waits until clock reaches when.
func SleepUntil(ctx context.Context, clock Clock, when time.Time) error {
	for {
		d := when.Sub(clock.Now())
		if d <= 0 {
			return context.Cause(ctx)
		}
		if err := Sleep(ctx, clock, d); err != nil {
			return err
		}
	}
}

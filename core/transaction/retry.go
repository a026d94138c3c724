package transaction

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sushant-115/gojodb-txncoord/core/async"
	"go.uber.org/zap"
)

// RetryPolicy shapes the backoff between attempts of a retried step.
type RetryPolicy struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64 // 0.2 => ±20% jitter

	// MaxPrepareAttempts bounds the attempts at one prepare request that
	// keeps failing with a retryable error. The last failure counts as an
	// abort vote.
	MaxPrepareAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff:     100 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		BackoffJitterFrac:  0.2,
		MaxPrepareAttempts: 5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.MaxPrepareAttempts <= 0 {
		p.MaxPrepareAttempts = d.MaxPrepareAttempts
	}
	if p.BackoffJitterFrac < 0 {
		p.BackoffJitterFrac = 0
	}
	return p
}

var (
	jitterMu  sync.Mutex
	jitterSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func nextBackoff(cur, max time.Duration, jitterFrac float64) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 {
		jitterMu.Lock()
		j := 1 + (jitterSrc.Float64()*2-1)*jitterFrac
		jitterMu.Unlock()
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

// retrier runs one step of the protocol until it succeeds, returns an error
// that is not retryable, runs out of attempts, or ctx is done.
type retrier struct {
	policy  RetryPolicy
	clock   async.Clock
	logger  *zap.Logger
	onRetry func(phase string)
}

func (r retrier) do(ctx context.Context, phase string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	return r.doN(ctx, phase, 0, retryable, fn)
}

// doN gives up after maxAttempts calls to fn and returns the last error. A
// maxAttempts of zero retries without limit.
func (r retrier) doN(ctx context.Context, phase string, maxAttempts int, retryable func(error) bool, fn func(ctx context.Context) error) error {
	backoff := r.policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if cause := context.Cause(ctx); ctx.Err() != nil {
			return cause
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return err
		}
		r.logger.Debug("Retrying step after error",
			zap.String("phase", phase),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if r.onRetry != nil {
			r.onRetry(phase)
		}
		if err := async.Sleep(ctx, r.clock, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, r.policy.MaxBackoff, r.policy.BackoffJitterFrac)
	}
}

func always(error) bool { return true }

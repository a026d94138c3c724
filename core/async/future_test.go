package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseResolvesAllObservers(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	require.False(t, f.IsReady())

	_, _, ok := f.Result()
	require.False(t, ok)

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Wait(context.Background())
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	p.Resolve(42, nil)
	wg.Wait()
	for _, v := range results {
		require.Equal(t, 42, v)
	}
	require.True(t, f.IsReady())
	require.True(t, p.IsResolved())
}

func TestPromiseResolveTwicePanics(t *testing.T) {
	p := NewPromise[string]()
	p.Resolve("a", nil)
	require.Panics(t, func() { p.Resolve("b", nil) })

	v, err, ok := p.Future().Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "a", v)
}

func TestFutureWaitContextDoesNotResolve(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Future().Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, p.IsResolved())
}

func TestMakeReadyFuture(t *testing.T) {
	boom := errors.New("boom")
	f := MakeReadyFuture(0, boom)
	require.True(t, f.IsReady())
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, boom)
}

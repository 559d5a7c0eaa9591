package providerq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/errors"
)

func newTestQueue(policy Policy) *Queue {
	return NewQueue("test", policy, zap.NewNop().Sugar())
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	q := newTestQueue(Policy{MaxRetries: 3})

	out, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", out.Value)
	assert.Equal(t, 1, out.Attempt)

	stats := q.GetStats()
	assert.Equal(t, uint64(1), stats.CallsTotal)
	assert.Equal(t, uint64(1), stats.CallsSuccess)
	assert.Equal(t, uint64(0), stats.CallsFailed)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	q := newTestQueue(Policy{MaxRetries: 3, RetryBackoff: time.Millisecond})

	calls := 0
	out, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, &HTTPStatusError{StatusCode: 503, Status: "503 unavailable"}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempt)
	assert.Equal(t, 3, calls)
}

func TestDoLinearBackoffBetweenRetries(t *testing.T) {
	backoff := 20 * time.Millisecond
	q := newTestQueue(Policy{MaxRetries: 2, RetryBackoff: backoff})

	start := time.Now()
	_, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
		return nil, &HTTPStatusError{StatusCode: 500, Status: "500"}
	})
	require.Error(t, err)

	// Waits are backoff*1 then backoff*2
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 3*backoff)

	stats := q.GetStats()
	assert.Equal(t, uint64(1), stats.CallsFailed)
	assert.Contains(t, stats.LastError, "500")
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	q := newTestQueue(Policy{MaxRetries: 5, RetryBackoff: time.Millisecond})

	calls := 0
	_, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("schema validation failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestDoRespectsMaxRetries(t *testing.T) {
	q := newTestQueue(Policy{MaxRetries: 2, RetryBackoff: time.Millisecond})

	calls := 0
	out, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, &HTTPStatusError{StatusCode: 429, Status: "429 too many requests"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "one initial attempt plus two retries")
	assert.Equal(t, 3, out.Attempt)
}

func TestDoSerializesCallers(t *testing.T) {
	q := newTestQueue(Policy{})

	var mu sync.Mutex
	concurrent, maxConcurrent := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				concurrent++
				if concurrent > maxConcurrent {
					maxConcurrent = concurrent
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				concurrent--
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxConcurrent, "queue must serialize calls within a group")
	assert.Equal(t, uint64(5), q.GetStats().CallsTotal)
}

func TestDoEnforcesMinInterval(t *testing.T) {
	interval := 25 * time.Millisecond
	q := newTestQueue(Policy{MinInterval: interval})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}

	// First call is free; the next two each wait a full interval
	assert.GreaterOrEqual(t, time.Since(start), 2*interval)
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	q := newTestQueue(Policy{})

	release := make(chan struct{})
	go func() {
		_, _ = q.Do(context.Background(), nil, func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()

	// Give the first caller the turn token
	require.Eventually(t, func() bool { return q.GetStats().InFlight }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Do(ctx, nil, func(ctx context.Context) (interface{}, error) {
		t.Fatal("call must not run after cancellation")
		return nil, nil
	})
	require.Error(t, err)
	close(release)
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, DefaultRetryable(&HTTPStatusError{StatusCode: 429}))
	assert.True(t, DefaultRetryable(&HTTPStatusError{StatusCode: 503}))
	assert.False(t, DefaultRetryable(&HTTPStatusError{StatusCode: 404}))
	assert.False(t, DefaultRetryable(errors.New("bad request")))
}

func TestManagerCreatesQueuesLazily(t *testing.T) {
	m := NewManager(map[string]Policy{
		"gmail": {MinInterval: time.Second, MaxRetries: 1},
	}, zap.NewNop().Sugar())

	gmail := m.Get("gmail")
	assert.Same(t, gmail, m.Get("gmail"))

	// Unknown groups get the default policy
	other := m.Get("linkedin")
	assert.NotSame(t, gmail, other)

	stats := m.GetStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "gmail", stats[0].Group)
	assert.Equal(t, "linkedin", stats[1].Group)
}

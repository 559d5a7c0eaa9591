// Package providerq serializes outbound calls to rate-limited external
// providers. Each queue group gets a FIFO with minimum spacing, jitter, and
// bounded retries, so one hammered API never bleeds into another.
package providerq

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zubinjha/Zubot/errors"
)

// Policy tunes one queue group
type Policy struct {
	MinInterval  time.Duration
	Jitter       time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// CallFunc performs one provider call
type CallFunc func(ctx context.Context) (interface{}, error)

// RetryableFunc decides whether a failed call should be retried
type RetryableFunc func(err error) bool

// Outcome pairs the call result with per-call observability fields
type Outcome struct {
	Value   interface{} `json:"-"`
	Attempt int         `json:"attempt"`
	WaitSec float64     `json:"wait_sec"`
}

// Stats is a snapshot of one queue group's counters
type Stats struct {
	Group        string  `json:"group"`
	Pending      int     `json:"pending"`
	InFlight     bool    `json:"in_flight"`
	CallsTotal   uint64  `json:"calls_total"`
	CallsSuccess uint64  `json:"calls_success"`
	CallsFailed  uint64  `json:"calls_failed"`
	WaitSecLast  float64 `json:"wait_sec_last"`
	WaitSecAvg   float64 `json:"wait_sec_avg"`
	WaitSecMax   float64 `json:"wait_sec_max"`
	LastError    string  `json:"last_error,omitempty"`
}

// Queue is one serialized provider queue
type Queue struct {
	group   string
	policy  Policy
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	turn chan struct{} // capacity 1; holding the token means it is your turn

	mu           sync.Mutex
	pending      int
	inFlight     bool
	callsTotal   uint64
	callsSuccess uint64
	callsFailed  uint64
	waitSecLast  float64
	waitSecMax   float64
	waitSecSum   float64
	lastError    string
}

// NewQueue creates one queue group. A zero MinInterval disables spacing.
func NewQueue(group string, policy Policy, logger *zap.SugaredLogger) *Queue {
	limit := rate.Inf
	if policy.MinInterval > 0 {
		limit = rate.Every(policy.MinInterval)
	}
	q := &Queue{
		group:   group,
		policy:  policy,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		turn:    make(chan struct{}, 1),
	}
	q.turn <- struct{}{}
	return q
}

// Do executes one call through the queue: wait for the turn token, honor the
// spacing limiter plus jitter, then call with linear-backoff retries. The
// outcome carries attempt and wait accounting even on failure.
func (q *Queue) Do(ctx context.Context, retryable RetryableFunc, call CallFunc) (*Outcome, error) {
	if retryable == nil {
		retryable = DefaultRetryable
	}

	q.mu.Lock()
	q.pending++
	q.mu.Unlock()

	waitStart := time.Now()
	select {
	case <-q.turn:
	case <-ctx.Done():
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		return nil, errors.Wrap(ctx.Err(), "provider queue wait cancelled")
	}
	defer func() { q.turn <- struct{}{} }()

	q.mu.Lock()
	q.pending--
	q.inFlight = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
	}()

	var lastErr error
	attempt := 0
	for attempt <= q.policy.MaxRetries {
		attempt++

		if err := q.limiter.Wait(ctx); err != nil {
			q.recordFailure(time.Since(waitStart), err)
			return nil, errors.Wrap(err, "provider queue spacing cancelled")
		}
		if err := q.jitterSleep(ctx); err != nil {
			q.recordFailure(time.Since(waitStart), err)
			return nil, err
		}

		waitSec := time.Since(waitStart).Seconds()
		value, err := call(ctx)
		if err == nil {
			q.recordSuccess(waitSec)
			return &Outcome{Value: value, Attempt: attempt, WaitSec: waitSec}, nil
		}

		lastErr = err
		if ctx.Err() != nil || !retryable(err) || attempt > q.policy.MaxRetries {
			break
		}

		backoff := time.Duration(attempt) * q.policy.RetryBackoff
		q.logger.Warnw("Provider call failed, retrying",
			"group", q.group,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		if err := sleepCtx(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	waitSec := time.Since(waitStart).Seconds()
	q.recordFailure(time.Since(waitStart), lastErr)
	return &Outcome{Attempt: attempt, WaitSec: waitSec},
		errors.Wrapf(lastErr, "provider call failed after %d attempts (group %s)", attempt, q.group)
}

// GetStats returns a snapshot of the queue's counters
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	avg := 0.0
	if q.callsTotal > 0 {
		avg = q.waitSecSum / float64(q.callsTotal)
	}
	return Stats{
		Group:        q.group,
		Pending:      q.pending,
		InFlight:     q.inFlight,
		CallsTotal:   q.callsTotal,
		CallsSuccess: q.callsSuccess,
		CallsFailed:  q.callsFailed,
		WaitSecLast:  q.waitSecLast,
		WaitSecAvg:   avg,
		WaitSecMax:   q.waitSecMax,
		LastError:    q.lastError,
	}
}

func (q *Queue) jitterSleep(ctx context.Context) error {
	if q.policy.Jitter <= 0 {
		return nil
	}
	d := time.Duration(rand.Int63n(int64(q.policy.Jitter)))
	return sleepCtx(ctx, d)
}

func (q *Queue) recordSuccess(waitSec float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callsTotal++
	q.callsSuccess++
	q.recordWaitLocked(waitSec)
}

func (q *Queue) recordFailure(waited time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callsTotal++
	q.callsFailed++
	q.recordWaitLocked(waited.Seconds())
	if err != nil {
		q.lastError = err.Error()
	}
}

func (q *Queue) recordWaitLocked(waitSec float64) {
	q.waitSecLast = waitSec
	q.waitSecSum += waitSec
	if waitSec > q.waitSecMax {
		q.waitSecMax = waitSec
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "provider queue backoff cancelled")
	}
}

// HTTPStatusError carries a provider's HTTP status for retry decisions
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return e.Status
	}
	return "unexpected provider status"
}

// DefaultRetryable treats network errors, 429s, and 5xx as transient
func DefaultRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	return false
}

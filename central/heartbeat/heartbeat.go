// Package heartbeat advances schedule cursors and enqueues due runs. Each
// tick recomputes missed fire instants from persisted cursors, so a daemon
// that was down simply catches up on the next tick.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

// EventSink receives lifecycle notifications for enqueued runs
type EventSink interface {
	RecordRunEvent(event string, run *store.Run)
}

// Stats is an observability snapshot of the heartbeat loop
type Stats struct {
	Running           bool       `json:"running"`
	TicksTotal        int64      `json:"ticks_total"`
	LastTickAt        *time.Time `json:"last_tick_at,omitempty"`
	LastEnqueuedCount int        `json:"last_enqueued_count"`
	LastError         string     `json:"last_error,omitempty"`
}

// Heartbeat is the periodic schedule evaluator
type Heartbeat struct {
	store    *store.Store
	interval time.Duration
	catchup  time.Duration
	events   EventSink
	logger   *zap.SugaredLogger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	running      bool
	ticks        int64
	lastTickAt   *time.Time
	lastEnqueued int
	lastError    string
}

// New creates a heartbeat over the given store. events may be nil.
func New(st *store.Store, interval, catchup time.Duration, events EventSink, logger *zap.SugaredLogger) *Heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		store:    st,
		interval: interval,
		catchup:  catchup,
		events:   events,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the tick loop (idempotent)
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.wg.Add(1)
	go h.run()
	h.logger.Infow("Heartbeat started",
		"interval", h.interval,
		"calendar_catchup", h.catchup)
}

// Stop halts the tick loop and waits for an in-flight tick to finish
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.logger.Info("Heartbeat stopped")
}

// GetStats returns a snapshot of heartbeat progress
func (h *Heartbeat) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Running:           h.running,
		TicksTotal:        h.ticks,
		LastTickAt:        h.lastTickAt,
		LastEnqueuedCount: h.lastEnqueued,
		LastError:         h.lastError,
	}
}

func (h *Heartbeat) run() {
	defer h.wg.Done()

	// Immediate first tick so restarts catch up without waiting a full interval
	h.Tick()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Tick evaluates every due schedule once. Per-schedule failures are recorded
// and skipped; one broken schedule never stalls the rest.
func (h *Heartbeat) Tick() {
	started := h.now()
	enqueued := 0
	var tickErr error

	due, err := h.store.ListDueSchedules(started)
	if err != nil {
		tickErr = err
		h.logger.Errorw("Heartbeat failed to list due schedules", "error", err)
	}

	for _, sch := range due {
		n, err := h.evaluateSchedule(sch, started)
		if err != nil {
			tickErr = err
			h.logger.Errorw("Heartbeat failed to evaluate schedule",
				"schedule_id", sch.ScheduleID,
				"profile_id", sch.ProfileID,
				"error", err)
			continue
		}
		enqueued += n
	}

	finished := h.now()
	h.recordTick(started, finished, enqueued, tickErr)
}

// evaluateSchedule computes missed instants, applies the misfire policy and
// the no-overlap rule, and commits the resulting plan in one transaction.
// Returns the number of runs enqueued.
func (h *Heartbeat) evaluateSchedule(sch *store.Schedule, now time.Time) (int, error) {
	missed, err := missedInstants(sch, now, h.catchup)
	if err != nil {
		return 0, err
	}

	selected := applyMisfirePolicy(sch.MisfirePolicy, missed)

	// An active run for the profile blocks this tick's enqueue entirely,
	// but the cursor still advances so the instants are not replanned.
	if len(selected) > 0 {
		live, err := h.store.HasLiveRun(sch.ProfileID)
		if err != nil {
			return 0, err
		}
		if live {
			h.logger.Debugw("Skipping enqueue, task has a live run",
				"schedule_id", sch.ScheduleID,
				"profile_id", sch.ProfileID,
				"skipped_instants", len(selected))
			selected = nil
		}
	}

	var runs []*store.Run
	for _, instant := range selected {
		fireAt := instant
		runs = append(runs, &store.Run{
			RunID:         uuid.NewString(),
			ProfileID:     sch.ProfileID,
			PlannedFireAt: &fireAt,
			QueuedAt:      now,
		})
	}

	// The cursor moves past everything considered this tick, selected or
	// not, so skip and queue_latest never revisit old instants.
	var lastPlanned *time.Time
	if len(missed) > 0 {
		last := missed[len(missed)-1]
		lastPlanned = &last
	}

	next, err := nextFire(sch, now)
	if err != nil {
		return 0, err
	}

	inserted, err := h.store.ApplySchedulePlan(sch.ScheduleID, runs, lastPlanned, next)
	if err != nil {
		return 0, err
	}

	if len(inserted) > 0 {
		h.logger.Infow("Enqueued scheduled runs",
			"schedule_id", sch.ScheduleID,
			"profile_id", sch.ProfileID,
			"count", len(inserted),
			"next_run_at", next)
	}
	// Only runs that landed produce events; duplicates dropped by the
	// planned-instant index were already announced on an earlier tick.
	if h.events != nil {
		for _, run := range inserted {
			h.events.RecordRunEvent("run_queued", run)
		}
	}
	return len(inserted), nil
}

// applyMisfirePolicy selects which missed instants become runs
func applyMisfirePolicy(policy store.MisfirePolicy, missed []time.Time) []time.Time {
	if len(missed) == 0 {
		return nil
	}
	switch policy {
	case store.MisfireQueueAll:
		return missed
	case store.MisfireSkip:
		return nil
	default: // queue_latest
		return missed[len(missed)-1:]
	}
}

func (h *Heartbeat) recordTick(started, finished time.Time, enqueued int, tickErr error) {
	status := "ok"
	errMsg := ""
	if tickErr != nil {
		status = "error"
		errMsg = tickErr.Error()
	}

	h.mu.Lock()
	h.ticks++
	ticks := h.ticks
	h.lastTickAt = &finished
	h.lastEnqueued = enqueued
	h.lastError = errMsg
	h.mu.Unlock()

	err := h.store.UpsertHeartbeatState(&store.HeartbeatState{
		LastStartedAt:     &started,
		LastFinishedAt:    &finished,
		LastStatus:        status,
		LastError:         errMsg,
		LastEnqueuedCount: enqueued,
		TicksTotal:        ticks,
	})
	if err != nil {
		h.logger.Errorw("Failed to persist heartbeat state", "error", errors.Wrap(err, "heartbeat state"))
	}
}

// Package dispatch owns the execution slot pool. A fixed number of slot
// workers claim queued runs, enforce the one-live-run-per-task rule, invoke
// the runner, and write terminal status back through the store.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/runner"
	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

// Lifecycle event names emitted to the sink
const (
	EventRunQueued   = "run_queued"
	EventRunFinished = "run_finished"
	EventRunFailed   = "run_failed"
	EventRunBlocked  = "run_blocked"
	EventRunWaiting  = "run_waiting"
	EventRunResumed  = "run_resumed"
)

// EventSink receives run lifecycle milestones. Implementations must not block.
type EventSink interface {
	RecordRunEvent(event string, run *store.Run)
}

// SlotState is the occupancy of one execution slot
type SlotState string

const (
	SlotFree SlotState = "free"
	SlotBusy SlotState = "busy"
)

// SlotInfo is an observability snapshot of one slot
type SlotInfo struct {
	SlotID     int        `json:"slot_id"`
	State      SlotState  `json:"state"`
	RunID      string     `json:"run_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastResult string     `json:"last_result,omitempty"`
}

// Options tunes the dispatcher loops
type Options struct {
	Slots                int
	PollInterval         time.Duration
	HousekeepInterval    time.Duration
	WaitingTimeout       time.Duration
	HistoryRetentionDays int
	HistoryMaxRows       int
}

// Dispatcher runs the slot pool and the housekeeping loop
type Dispatcher struct {
	store  *store.Store
	runner *runner.Runner
	events EventSink
	logger *zap.SugaredLogger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	mu      sync.Mutex
	running bool
	slots   []SlotInfo
	cancels map[string]context.CancelFunc
}

// New creates a dispatcher. events may be nil.
func New(st *store.Store, rn *runner.Runner, events EventSink, opts Options, logger *zap.SugaredLogger) *Dispatcher {
	if opts.Slots <= 0 {
		opts.Slots = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HousekeepInterval <= 0 {
		opts.HousekeepInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	slots := make([]SlotInfo, opts.Slots)
	for i := range slots {
		slots[i] = SlotInfo{SlotID: i, State: SlotFree}
	}

	return &Dispatcher{
		store:   st,
		runner:  rn,
		events:  events,
		logger:  logger,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, opts.Slots),
		slots:   slots,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the slot workers and the housekeeping loop (idempotent)
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	for i := 0; i < d.opts.Slots; i++ {
		d.wg.Add(1)
		go d.slotLoop(i)
	}
	d.wg.Add(1)
	go d.housekeepLoop()

	d.logger.Infow("Dispatcher started", "slots", d.opts.Slots)
}

// Stop cancels in-flight runs and waits for the workers to drain
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Kick nudges idle slots to claim immediately instead of waiting for the poll
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Slots returns a snapshot of the slot table
func (d *Dispatcher) Slots() []SlotInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SlotInfo, len(d.slots))
	copy(out, d.slots)
	return out
}

func (d *Dispatcher) slotLoop(slotID int) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before suspending
		for d.claimAndRun(slotID) {
			if d.ctx.Err() != nil {
				return
			}
		}

		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// claimAndRun claims and executes at most one run. Returns true when a run
// was processed, so the caller keeps draining.
func (d *Dispatcher) claimAndRun(slotID int) bool {
	run, err := d.store.ClaimNextQueuedRun()
	if err != nil {
		d.logger.Errorw("Failed to claim run", "slot_id", slotID, "error", err)
		return false
	}
	if run == nil {
		return false
	}

	// Close the race against a manual trigger: if another live run for the
	// same task slipped in between enqueue and claim, put this one back.
	if other, err := d.overlappingRun(run); err != nil {
		d.logger.Errorw("Failed overlap re-check", "run_id", run.RunID, "error", err)
		d.requeue(run)
		return false
	} else if other != "" {
		d.logger.Debugw("Requeueing claim, task already has a live run",
			"run_id", run.RunID, "profile_id", run.ProfileID, "live_run_id", other)
		d.requeue(run)
		return false
	}

	profile, err := d.store.GetProfile(run.ProfileID)
	if err != nil {
		d.finalize(run, &runner.Result{
			Status: store.RunFailed,
			Error:  "task profile unavailable: " + err.Error(),
		})
		return true
	}

	runCtx, cancelRun := context.WithCancel(d.ctx)
	d.mu.Lock()
	d.cancels[run.RunID] = cancelRun
	d.slots[slotID] = SlotInfo{
		SlotID:    slotID,
		State:     SlotBusy,
		RunID:     run.RunID,
		TaskID:    run.ProfileID,
		StartedAt: run.StartedAt,
	}
	d.mu.Unlock()

	result := d.runner.Execute(runCtx, &runner.Invocation{Run: run, Profile: profile})

	d.mu.Lock()
	delete(d.cancels, run.RunID)
	d.mu.Unlock()
	cancelRun()

	if result.Status == store.RunWaitingForUser {
		d.parkWaiting(run, result)
	} else {
		d.finalize(run, result)
	}

	d.mu.Lock()
	d.slots[slotID] = SlotInfo{SlotID: slotID, State: SlotFree, LastResult: string(result.Status)}
	d.mu.Unlock()
	return true
}

// overlappingRun returns the run_id of another live run for the same task,
// or "" when the claim is clean
func (d *Dispatcher) overlappingRun(run *store.Run) (string, error) {
	active, err := d.store.ListActiveRunsByProfile(run.ProfileID)
	if err != nil {
		return "", err
	}
	for _, other := range active {
		if other.RunID != run.RunID && other.Status.Live() {
			return other.RunID, nil
		}
	}
	return "", nil
}

func (d *Dispatcher) requeue(run *store.Run) {
	if err := d.store.RequeueRun(run.RunID); err != nil {
		d.logger.Errorw("Failed to requeue run", "run_id", run.RunID, "error", err)
	}
}

// parkWaiting persists the waiting contract into the payload, releases the
// slot, and leaves the run in waiting_for_user
func (d *Dispatcher) parkWaiting(run *store.Run, result *runner.Result) {
	payload, err := mergePayload(run.PayloadJSON, map[string]interface{}{
		"waiting_contract": result.Waiting,
	})
	if err != nil {
		d.logger.Errorw("Failed to encode waiting contract", "run_id", run.RunID, "error", err)
		d.finalize(run, &runner.Result{Status: store.RunFailed, Error: err.Error()})
		return
	}

	var expiresAt *time.Time
	if result.Waiting.ExpiresAt != nil {
		expiresAt = result.Waiting.ExpiresAt
	} else if d.opts.WaitingTimeout > 0 {
		t := time.Now().UTC().Add(d.opts.WaitingTimeout)
		expiresAt = &t
	}

	if err := d.store.MarkWaiting(run.RunID, payload, expiresAt); err != nil {
		d.logger.Errorw("Failed to park waiting run", "run_id", run.RunID, "error", err)
		return
	}

	d.logger.Infow("Run waiting for user",
		"run_id", run.RunID,
		"task_id", run.ProfileID,
		"request_id", result.Waiting.RequestID,
		"expires_at", expiresAt)

	run.Status = store.RunWaitingForUser
	run.PayloadJSON = payload
	run.WaitingExpiresAt = expiresAt
	d.emit(EventRunWaiting, run)
}

// finalize writes the terminal status and archives the run
func (d *Dispatcher) finalize(run *store.Run, result *runner.Result) {
	archived, err := d.store.FinalizeRun(run.RunID, result.Status, result.Summary, result.Error)
	if err != nil {
		d.logger.Errorw("Failed to finalize run",
			"run_id", run.RunID, "status", result.Status, "error", err)
		return
	}

	d.logger.Infow("Run finished",
		"run_id", run.RunID,
		"task_id", run.ProfileID,
		"status", result.Status,
		"summary", result.Summary,
		"error", result.Error)

	switch result.Status {
	case store.RunDone:
		d.emit(EventRunFinished, archived)
	case store.RunFailed:
		d.emit(EventRunFailed, archived)
	case store.RunBlocked:
		d.emit(EventRunBlocked, archived)
	}
}

// Kill terminates a run. Queued and waiting runs transition straight to
// blocked; running runs are cancelled and their slot finalizes them.
func (d *Dispatcher) Kill(runID string) error {
	d.mu.Lock()
	cancelRun, inFlight := d.cancels[runID]
	d.mu.Unlock()

	if inFlight {
		cancelRun()
		return nil
	}

	run, err := d.store.GetRun(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunQueued, store.RunWaitingForUser:
		d.finalize(run, &runner.Result{Status: store.RunBlocked, Error: store.ErrorMarkerKilled})
		return nil
	case store.RunRunning:
		// Claimed by a slot we no longer track; should not happen
		return errors.Wrapf(errors.ErrConflict, "run %s is running but has no cancel token", runID)
	default:
		return errors.NewInvalidRequestError("run %s is already terminal", runID)
	}
}

// Resume merges the user response into the payload and requeues a waiting run
func (d *Dispatcher) Resume(runID string, response json.RawMessage) error {
	run, err := d.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunWaitingForUser {
		return errors.NewInvalidRequestError("run %s is not waiting for user", runID)
	}

	var fields map[string]interface{}
	if len(response) > 0 {
		if err := json.Unmarshal(response, &fields); err != nil {
			return errors.Wrap(err, "bad resume response")
		}
	}
	payload, err := mergePayload(run.PayloadJSON, fields)
	if err != nil {
		return err
	}

	if err := d.store.ResumeRun(runID, payload); err != nil {
		return err
	}

	d.logger.Infow("Run resumed", "run_id", runID, "task_id", run.ProfileID)
	run.Status = store.RunQueued
	run.PayloadJSON = payload
	d.emit(EventRunResumed, run)
	d.Kick()
	return nil
}

// TriggerManual enqueues a run for a task outside its schedule. The store
// rejects it when the task already has a live run.
func (d *Dispatcher) TriggerManual(taskID string, payload json.RawMessage) (*store.Run, error) {
	profile, err := d.store.GetProfile(taskID)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled {
		return nil, errors.NewInvalidRequestError("task %s is disabled", taskID)
	}

	run := &store.Run{
		ProfileID:   taskID,
		Trigger:     store.TriggerManual,
		PayloadJSON: payload,
	}
	if err := d.store.EnqueueRun(run); err != nil {
		return nil, err
	}

	d.logger.Infow("Manual run enqueued", "run_id", run.RunID, "task_id", taskID)
	d.emit(EventRunQueued, run)
	d.Kick()
	return run, nil
}

func (d *Dispatcher) emit(event string, run *store.Run) {
	if d.events != nil {
		d.events.RecordRunEvent(event, run)
	}
}

// mergePayload overlays fields onto an existing payload object
func mergePayload(payload json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	base := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &base); err != nil {
			return nil, errors.Wrap(err, "bad run payload")
		}
	}
	for k, v := range fields {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode run payload")
	}
	return merged, nil
}

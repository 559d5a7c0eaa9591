package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
)

// WorkerStats is an observability snapshot of the summary worker
type WorkerStats struct {
	Running       bool       `json:"running"`
	JobsDone      uint64     `json:"jobs_done"`
	JobsFailed    uint64     `json:"jobs_failed"`
	LastJobDay    string     `json:"last_job_day,omitempty"`
	LastJobAt     *time.Time `json:"last_job_at,omitempty"`
	LastJobError  string     `json:"last_job_error,omitempty"`
}

// Worker drains the summary-job queue in the background
type Worker struct {
	store       *store.Store
	pipeline    *Pipeline
	poll        time.Duration
	maxPerTick  int
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	mu         sync.Mutex
	running    bool
	jobsDone   uint64
	jobsFailed uint64
	lastDay    string
	lastAt     *time.Time
	lastErr    string
}

// NewWorker creates a summary worker
func NewWorker(st *store.Store, pipeline *Pipeline, poll time.Duration, maxPerTick int, logger *zap.SugaredLogger) *Worker {
	if maxPerTick <= 0 {
		maxPerTick = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:      st,
		pipeline:   pipeline,
		poll:       poll,
		maxPerTick: maxPerTick,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		kick:       make(chan struct{}, 1),
	}
}

// Start launches the worker loop (idempotent)
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.run()
	w.logger.Infow("Summary worker started", "poll", w.poll, "max_per_tick", w.maxPerTick)
}

// Stop halts the worker and waits for the in-flight job to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("Summary worker stopped")
}

// Kick wakes the worker immediately instead of waiting for the next poll
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// GetStats returns a snapshot of worker progress
func (w *Worker) GetStats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		Running:      w.running,
		JobsDone:     w.jobsDone,
		JobsFailed:   w.jobsFailed,
		LastJobDay:   w.lastDay,
		LastJobAt:    w.lastAt,
		LastJobError: w.lastErr,
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.DrainOnce()
	}
}

// DrainOnce claims and processes up to maxPerTick jobs
func (w *Worker) DrainOnce() {
	for i := 0; i < w.maxPerTick; i++ {
		if w.ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimNextSummaryJob()
		if err != nil {
			w.logger.Errorw("Failed to claim summary job", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.process(job)
	}
}

func (w *Worker) process(job *store.SummaryJob) {
	err := w.pipeline.SummarizeDay(w.ctx, job.Day, job.Reason)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		w.logger.Errorw("Summary job failed",
			"job_id", job.JobID,
			"day", job.Day,
			"attempt", job.AttemptCount,
			"error", err)
	}

	if completeErr := w.store.CompleteSummaryJob(job.JobID, err == nil, errMsg); completeErr != nil {
		w.logger.Errorw("Failed to complete summary job", "job_id", job.JobID, "error", completeErr)
	}

	now := time.Now().UTC()
	w.mu.Lock()
	if err == nil {
		w.jobsDone++
	} else {
		w.jobsFailed++
	}
	w.lastDay = job.Day
	w.lastAt = &now
	w.lastErr = errMsg
	w.mu.Unlock()
}

package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
)

// Manager backfills summary jobs for prior days. A slow periodic sweep
// catches anything missed; run completions trigger a debounced sweep so the
// transcript left behind by a burst of task activity gets summarized soon
// after the burst ends.
type Manager struct {
	store         *store.Store
	worker        Kicker
	sweepInterval time.Duration
	debounce      time.Duration
	logger        *zap.SugaredLogger
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	poke   chan struct{}

	mu      sync.Mutex
	running bool
}

// NewManager creates a sweep manager. worker may be nil.
func NewManager(st *store.Store, worker Kicker, sweepInterval, debounce time.Duration, logger *zap.SugaredLogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         st,
		worker:        worker,
		sweepInterval: sweepInterval,
		debounce:      debounce,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		ctx:           ctx,
		cancel:        cancel,
		poke:          make(chan struct{}, 1),
	}
}

// Start launches the sweep loop (idempotent)
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.run()
	m.logger.Infow("Memory manager started",
		"sweep_interval", m.sweepInterval,
		"completion_debounce", m.debounce)
}

// Stop halts the sweep loop
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Memory manager stopped")
}

// OnRunCompletion schedules a debounced sweep. Repeated completions within
// the debounce window collapse into one sweep.
func (m *Manager) OnRunCompletion() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	var debounceC <-chan time.Time
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		case <-m.poke:
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(m.debounce)
				debounceC = debounceTimer.C
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceC:
					default:
					}
				}
				debounceTimer.Reset(m.debounce)
			}
		case <-debounceC:
			debounceTimer = nil
			debounceC = nil
			m.Sweep()
		}
	}
}

// Sweep enqueues summary jobs for every prior day with unsummarized messages
func (m *Manager) Sweep() {
	today := m.now().Format("2006-01-02")
	days, err := m.store.ListDaysPendingSummary(today)
	if err != nil {
		m.logger.Errorw("Memory sweep failed", "error", err)
		return
	}
	if len(days) == 0 {
		return
	}

	enqueued := 0
	for _, day := range days {
		created, err := m.store.EnqueueSummaryJob(day, "sweep")
		if err != nil {
			m.logger.Errorw("Failed to enqueue sweep job", "day", day, "error", err)
			continue
		}
		if created {
			enqueued++
		}
	}

	if enqueued > 0 {
		m.logger.Infow("Memory sweep enqueued jobs", "days", enqueued)
		if m.worker != nil {
			m.worker.Kick()
		}
	}
}

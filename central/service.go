// Package central wires the scheduler core together: store, SQL gateway,
// heartbeat, dispatcher slots, runner, provider queues, and the day-memory
// pipeline, behind one start/stop surface.
package central

import (
	"database/sql"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/dispatch"
	"github.com/zubinjha/Zubot/central/gateway"
	"github.com/zubinjha/Zubot/central/heartbeat"
	"github.com/zubinjha/Zubot/central/memory"
	"github.com/zubinjha/Zubot/central/providerq"
	"github.com/zubinjha/Zubot/central/runner"
	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/config"
	"github.com/zubinjha/Zubot/db"
	"github.com/zubinjha/Zubot/errors"
)

// AdhocAgenticTaskID is the reserved profile backing one-off agentic runs
const AdhocAgenticTaskID = "agentic-adhoc"

// Service owns every core loop of the automation daemon
type Service struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	conn       *sql.DB
	store      *store.Store
	gateway    *gateway.Gateway
	heartbeat  *heartbeat.Heartbeat
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	agents     *runner.AgentRegistry
	providers  *providerq.Manager
	ingestor   *memory.Ingestor
	sumWorker  *memory.Worker
	memManager *memory.Manager
	events     *EventLog

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// NewService opens the database, applies migrations, and wires every
// component. Loops are created stopped; call Start to run them.
func NewService(cfg *config.Config, logger *zap.SugaredLogger) (*Service, error) {
	conn, err := db.Open(cfg.SchedulerDBPath, cfg.DBQueueBusyTimeoutMs, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	st := store.NewStore(conn)
	events := NewEventLog()

	pipeline := memory.NewPipeline(st, nil, cfg.Memory.DailySummaryUseModel, logger)
	sumWorker := memory.NewWorker(st, pipeline,
		secs(cfg.Memory.SummaryWorkerPollSec, 15),
		cfg.Memory.SummaryWorkerMaxJobsPerTick,
		logger)
	ingestor := memory.NewIngestor(st, cfg.Memory.RealtimeSummaryTurnThreshold, sumWorker, logger)
	memManager := memory.NewManager(st, sumWorker,
		secs(cfg.MemoryManagerSweepIntervalSec, 43200),
		secs(cfg.MemoryManagerCompletionDebounceSec, 300),
		logger)

	sink := &fanoutSink{log: events, ingestor: ingestor, manager: memManager}

	repoRoot, err := os.Getwd()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to resolve working directory")
	}

	agents := runner.NewAgentRegistry()
	rn := runner.New(secs(cfg.Runner.ScriptTimeoutDefaultSec, 1800), logger)
	rn.Register(runner.NewScriptHandler(repoRoot, cfg.Runner.LogDir, logger))
	rn.Register(runner.NewAgenticHandler(agents, logger))
	rn.Register(runner.NewInteractiveHandler(agents, logger))

	dispatcher := dispatch.New(st, rn, sink, dispatch.Options{
		Slots:                cfg.TaskRunnerConcurrency,
		PollInterval:         time.Second,
		HousekeepInterval:    30 * time.Second,
		WaitingTimeout:       secs(cfg.WaitingForUserTimeoutSec, 3600),
		HistoryRetentionDays: cfg.RunHistoryRetentionDays,
		HistoryMaxRows:       cfg.RunHistoryMaxRows,
	}, logger)

	hb := heartbeat.New(st,
		secs(cfg.HeartbeatPollIntervalSec, 30),
		time.Duration(minutes(cfg.Scheduler.CalendarCatchupMinutes, 180))*time.Minute,
		sink, logger)

	gw := gateway.New(conn, cfg.DBQueueDefaultMaxRows, logger)

	providers := providerq.NewManager(providerPolicies(cfg.Providers), logger)

	return &Service{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		store:      st,
		gateway:    gw,
		heartbeat:  hb,
		dispatcher: dispatcher,
		runner:     rn,
		agents:     agents,
		providers:  providers,
		ingestor:   ingestor,
		sumWorker:  sumWorker,
		memManager: memManager,
		events:     events,
	}, nil
}

// Start launches every loop (idempotent)
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.startedAt = time.Now().UTC()

	s.gateway.Start()
	s.dispatcher.Start()
	s.heartbeat.Start()
	s.sumWorker.Start()
	s.memManager.Start()
	s.logger.Info("Central service started")
}

// Stop halts every loop in reverse order (idempotent)
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.memManager.Stop()
	s.sumWorker.Stop()
	s.heartbeat.Stop()
	s.dispatcher.Stop()
	s.gateway.Stop()
	s.logger.Info("Central service stopped")
}

// Close stops the loops and releases the database
func (s *Service) Close() error {
	s.Stop()
	return s.conn.Close()
}

// Running reports whether the core loops are live
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Accessors for the API layer and embedders

func (s *Service) Store() *store.Store              { return s.store }
func (s *Service) Gateway() *gateway.Gateway        { return s.gateway }
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
func (s *Service) Providers() *providerq.Manager    { return s.providers }
func (s *Service) Agents() *runner.AgentRegistry    { return s.agents }
func (s *Service) Ingestor() *memory.Ingestor       { return s.ingestor }
func (s *Service) Events() *EventLog                { return s.events }

// EnqueueAgentic enqueues a one-off agentic run carrying inline instructions.
// The reserved adhoc profile is created on first use; one-offs share its
// no-overlap slot.
func (s *Service) EnqueueAgentic(instructions string, payload json.RawMessage) (*store.Run, error) {
	if instructions == "" {
		return nil, errors.NewInvalidRequestError("instructions are required")
	}
	if err := s.ensureAdhocProfile(); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, errors.Wrap(err, "bad agentic payload")
		}
	}
	fields["instructions"] = instructions
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode agentic payload")
	}

	run := &store.Run{
		ProfileID:   AdhocAgenticTaskID,
		Trigger:     store.TriggerAgentic,
		PayloadJSON: merged,
	}
	if err := s.store.EnqueueRun(run); err != nil {
		return nil, err
	}

	s.logger.Infow("Agentic run enqueued", "run_id", run.RunID)
	s.events.RecordRunEvent(dispatch.EventRunQueued, run)
	s.dispatcher.Kick()
	return run, nil
}

func (s *Service) ensureAdhocProfile() error {
	_, err := s.store.GetProfile(AdhocAgenticTaskID)
	if err == nil {
		return nil
	}
	if !errors.IsNotFoundError(err) {
		return err
	}
	return s.store.CreateProfile(&store.TaskProfile{
		TaskID:     AdhocAgenticTaskID,
		Name:       "Ad-hoc agentic runs",
		Kind:       store.KindAgentic,
		Entrypoint: runner.InlineEntrypoint,
		Enabled:    true,
	})
}

// fanoutSink distributes lifecycle events to the ring log, the memory
// ingestor, and the completion-debounced sweep
type fanoutSink struct {
	log      *EventLog
	ingestor *memory.Ingestor
	manager  *memory.Manager
}

func (f *fanoutSink) RecordRunEvent(event string, run *store.Run) {
	f.log.RecordRunEvent(event, run)
	f.ingestor.RecordRunEvent(event, run)

	switch event {
	case dispatch.EventRunFinished, dispatch.EventRunFailed, dispatch.EventRunBlocked:
		f.manager.OnRunCompletion()
	}
}

func providerPolicies(cfgs map[string]config.ProviderQueueConfig) map[string]providerq.Policy {
	policies := make(map[string]providerq.Policy, len(cfgs))
	for group, c := range cfgs {
		policies[group] = providerq.Policy{
			MinInterval:  time.Duration(c.QueueMinIntervalSec * float64(time.Second)),
			Jitter:       time.Duration(c.QueueJitterSec * float64(time.Second)),
			MaxRetries:   c.QueueMaxRetries,
			RetryBackoff: time.Duration(c.QueueRetryBackoffSec * float64(time.Second)),
		}
	}
	return policies
}

func secs(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func minutes(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// process metrics

// ProcessStats is a snapshot of the daemon process itself
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

func processStats() *ProcessStats {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	stats := &ProcessStats{PID: proc.Pid}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}

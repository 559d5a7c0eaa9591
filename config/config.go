package config

// Config represents the zubot daemon configuration. Top-level scheduler keys
// are flat for compatibility with existing config files; newer subsystems
// are nested sections.
type Config struct {
	CentralService CentralServiceConfig `mapstructure:"central_service"`

	HeartbeatPollIntervalSec           int    `mapstructure:"heartbeat_poll_interval_sec"`
	TaskRunnerConcurrency              int    `mapstructure:"task_runner_concurrency"`
	SchedulerDBPath                    string `mapstructure:"scheduler_db_path"`
	RunHistoryRetentionDays            int    `mapstructure:"run_history_retention_days"`
	RunHistoryMaxRows                  int    `mapstructure:"run_history_max_rows"`
	MemoryManagerSweepIntervalSec      int    `mapstructure:"memory_manager_sweep_interval_sec"`
	MemoryManagerCompletionDebounceSec int    `mapstructure:"memory_manager_completion_debounce_sec"`
	QueueWarningThreshold              int    `mapstructure:"queue_warning_threshold"`
	RunningAgeWarningSec               int    `mapstructure:"running_age_warning_sec"`
	DBQueueBusyTimeoutMs               int    `mapstructure:"db_queue_busy_timeout_ms"`
	DBQueueDefaultMaxRows              int    `mapstructure:"db_queue_default_max_rows"`
	WaitingForUserTimeoutSec           int    `mapstructure:"waiting_for_user_timeout_sec"`

	Scheduler SchedulerConfig                `mapstructure:"scheduler"`
	Runner    RunnerConfig                   `mapstructure:"runner"`
	Memory    MemoryConfig                   `mapstructure:"memory"`
	Providers map[string]ProviderQueueConfig `mapstructure:"providers"`
	Server    ServerConfig                   `mapstructure:"server"`
	Logging   LoggingConfig                  `mapstructure:"logging"`
}

// CentralServiceConfig controls daemon autostart behavior
type CentralServiceConfig struct {
	Enabled bool `mapstructure:"enabled"` // start core loops on daemon boot
}

// SchedulerConfig holds heartbeat tuning beyond the flat legacy keys
type SchedulerConfig struct {
	CalendarCatchupMinutes int `mapstructure:"calendar_catchup_minutes"` // misfire eligibility window for calendar schedules (default: 180)
}

// RunnerConfig configures task execution
type RunnerConfig struct {
	ScriptTimeoutDefaultSec int    `mapstructure:"script_timeout_default_sec"` // used when a profile has no timeout (default: 1800)
	LogDir                  string `mapstructure:"log_dir"`                    // per-run stdout/stderr logs
}

// MemoryConfig configures the day-memory summary pipeline
type MemoryConfig struct {
	AutoloadSummaryDays          int  `mapstructure:"autoload_summary_days"`
	RealtimeSummaryTurnThreshold int  `mapstructure:"realtime_summary_turn_threshold"`
	SummaryWorkerPollSec         int  `mapstructure:"summary_worker_poll_sec"`
	SummaryWorkerMaxJobsPerTick  int  `mapstructure:"summary_worker_max_jobs_per_tick"`
	DailySummaryUseModel         bool `mapstructure:"daily_summary_use_model"`
}

// ProviderQueueConfig holds per-group rate-limit policy for outbound calls
type ProviderQueueConfig struct {
	QueueMinIntervalSec  float64 `mapstructure:"queue_min_interval_sec"`
	QueueJitterSec       float64 `mapstructure:"queue_jitter_sec"`
	QueueMaxRetries      int     `mapstructure:"queue_max_retries"`
	QueueRetryBackoffSec float64 `mapstructure:"queue_retry_backoff_sec"`
}

// ServerConfig configures the HTTP control API
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	JSON bool `mapstructure:"json"` // structured JSON instead of console output
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

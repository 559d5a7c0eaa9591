package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	Reset()
	t.Cleanup(Reset)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.CentralService.Enabled)
	assert.Equal(t, 30, cfg.HeartbeatPollIntervalSec)
	assert.Equal(t, 3, cfg.TaskRunnerConcurrency)
	assert.Equal(t, "memory/central/zubot_core.db", cfg.SchedulerDBPath)
	assert.Equal(t, 30, cfg.RunHistoryRetentionDays)
	assert.Equal(t, 2000, cfg.RunHistoryMaxRows)
	assert.Equal(t, 5000, cfg.DBQueueBusyTimeoutMs)
	assert.Equal(t, 500, cfg.DBQueueDefaultMaxRows)
	assert.Equal(t, 3600, cfg.WaitingForUserTimeoutSec)
	assert.Equal(t, 180, cfg.Scheduler.CalendarCatchupMinutes)
	assert.Equal(t, 1800, cfg.Runner.ScriptTimeoutDefaultSec)
	assert.Equal(t, 12, cfg.Memory.RealtimeSummaryTurnThreshold)
	assert.Equal(t, 15, cfg.Memory.SummaryWorkerPollSec)
	assert.False(t, cfg.Memory.DailySummaryUseModel)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.False(t, cfg.Logging.JSON)
}

func TestLoadCached(t *testing.T) {
	isolate(t)

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadFromFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "zubot.toml")
	content := `
task_runner_concurrency = 5
scheduler_db_path = "data/core.db"

[central_service]
enabled = true

[scheduler]
calendar_catchup_minutes = 60

[server]
port = 9999

[providers.gmail]
queue_min_interval_sec = 2.5
queue_jitter_sec = 0.5
queue_max_retries = 4
queue_retry_backoff_sec = 10.0

[providers.github]
queue_min_interval_sec = 1.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.CentralService.Enabled)
	assert.Equal(t, 5, cfg.TaskRunnerConcurrency)
	assert.Equal(t, "data/core.db", cfg.SchedulerDBPath)
	assert.Equal(t, 60, cfg.Scheduler.CalendarCatchupMinutes)
	assert.Equal(t, 9999, cfg.Server.Port)
	// Untouched keys keep defaults
	assert.Equal(t, 30, cfg.HeartbeatPollIntervalSec)

	gmail := cfg.ProviderQueue("gmail")
	assert.Equal(t, 2.5, gmail.QueueMinIntervalSec)
	assert.Equal(t, 4, gmail.QueueMaxRetries)
	assert.Equal(t, 10.0, gmail.QueueRetryBackoffSec)

	github := cfg.ProviderQueue("github")
	assert.Equal(t, 1.0, github.QueueMinIntervalSec)
	assert.Zero(t, github.QueueMaxRetries)

	// Unconfigured group yields the zero policy
	assert.Zero(t, cfg.ProviderQueue("slack"))
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("ZUBOT_TASK_RUNNER_CONCURRENCY", "7")
	t.Setenv("ZUBOT_SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TaskRunnerConcurrency)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestProjectConfigDiscovery(t *testing.T) {
	isolate(t)

	dir, err := os.Getwd()
	require.NoError(t, err)
	content := "task_runner_concurrency = 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zubot.toml"), []byte(content), 0o644))
	Reset()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.TaskRunnerConcurrency)
}

func TestWriteDefault(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "conf", "zubot.toml")
	require.NoError(t, WriteDefault(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TaskRunnerConcurrency)
	assert.Equal(t, 8787, cfg.Server.Port)

	// Refuses to clobber an existing file
	err = WriteDefault(path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestGetAccessors(t *testing.T) {
	isolate(t)

	assert.Equal(t, 30, GetInt("heartbeat_poll_interval_sec"))
	assert.Equal(t, "127.0.0.1", GetString("server.host"))
	assert.False(t, GetBool("logging.json"))
	assert.NotNil(t, Get("memory.summary_worker_poll_sec"))
}

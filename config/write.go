package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// defaultFileHeader documents the file for people editing it by hand.
const defaultFileHeader = `# zubot daemon configuration.
# Environment variables override any key here with the ZUBOT_ prefix,
# e.g. ZUBOT_TASK_RUNNER_CONCURRENCY=5.

`

// WriteDefault writes a fully-populated default config file at path.
// Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.ErrExist
	}

	v := GetViper()
	settings := map[string]interface{}{
		"central_service": map[string]interface{}{
			"enabled": v.GetBool("central_service.enabled"),
		},
		"heartbeat_poll_interval_sec":            v.GetInt("heartbeat_poll_interval_sec"),
		"task_runner_concurrency":                v.GetInt("task_runner_concurrency"),
		"scheduler_db_path":                      v.GetString("scheduler_db_path"),
		"run_history_retention_days":             v.GetInt("run_history_retention_days"),
		"run_history_max_rows":                   v.GetInt("run_history_max_rows"),
		"memory_manager_sweep_interval_sec":      v.GetInt("memory_manager_sweep_interval_sec"),
		"memory_manager_completion_debounce_sec": v.GetInt("memory_manager_completion_debounce_sec"),
		"queue_warning_threshold":                v.GetInt("queue_warning_threshold"),
		"running_age_warning_sec":                v.GetInt("running_age_warning_sec"),
		"db_queue_busy_timeout_ms":               v.GetInt("db_queue_busy_timeout_ms"),
		"db_queue_default_max_rows":              v.GetInt("db_queue_default_max_rows"),
		"waiting_for_user_timeout_sec":           v.GetInt("waiting_for_user_timeout_sec"),
		"scheduler": map[string]interface{}{
			"calendar_catchup_minutes": v.GetInt("scheduler.calendar_catchup_minutes"),
		},
		"runner": map[string]interface{}{
			"script_timeout_default_sec": v.GetInt("runner.script_timeout_default_sec"),
			"log_dir":                    v.GetString("runner.log_dir"),
		},
		"memory": map[string]interface{}{
			"autoload_summary_days":            v.GetInt("memory.autoload_summary_days"),
			"realtime_summary_turn_threshold":  v.GetInt("memory.realtime_summary_turn_threshold"),
			"summary_worker_poll_sec":          v.GetInt("memory.summary_worker_poll_sec"),
			"summary_worker_max_jobs_per_tick": v.GetInt("memory.summary_worker_max_jobs_per_tick"),
			"daily_summary_use_model":          v.GetBool("memory.daily_summary_use_model"),
		},
		"server": map[string]interface{}{
			"host": v.GetString("server.host"),
			"port": v.GetInt("server.port"),
		},
		"logging": map[string]interface{}{
			"json": v.GetBool("logging.json"),
		},
	}

	var buf bytes.Buffer
	buf.WriteString(defaultFileHeader)
	if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), DefaultFilePermissions)
}

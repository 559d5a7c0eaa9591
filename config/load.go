package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the zubot configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}

// Watch re-reads the active config file on change and invokes onReload with
// the freshly unmarshalled config. Errors during reload keep the previous
// config in place.
func Watch(onReload func(*Config)) {
	v := initViper()
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var config Config
		if err := v.Unmarshal(&config); err != nil {
			return
		}
		globalConfig = &config
		if onReload != nil {
			onReload(&config)
		}
	})
	v.WatchConfig()
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("ZUBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configPath := findProjectConfig(); configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		// Missing or malformed files fall back to defaults + env
		_ = v.ReadInConfig()
	}

	viperInstance = v
	return v
}

// findProjectConfig searches for zubot.toml or config.toml by walking up the
// directory tree, then falls back to the user config directory.
// Preference order: zubot.toml > config.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		zubotPath := filepath.Join(dir, "zubot.toml")
		if _, err := os.Stat(zubotPath); err == nil {
			return zubotPath
		}

		configPath := filepath.Join(dir, "config.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	userPath := filepath.Join(homeDir, ".config", "zubot", "zubot.toml")
	if _, err := os.Stat(userPath); err == nil {
		return userPath
	}

	return ""
}

// SetDefaults registers the default for every recognized key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("central_service.enabled", false)

	v.SetDefault("heartbeat_poll_interval_sec", 30)
	v.SetDefault("task_runner_concurrency", 3)
	v.SetDefault("scheduler_db_path", "memory/central/zubot_core.db")
	v.SetDefault("run_history_retention_days", 30)
	v.SetDefault("run_history_max_rows", 2000)
	v.SetDefault("memory_manager_sweep_interval_sec", 43200)
	v.SetDefault("memory_manager_completion_debounce_sec", 300)
	v.SetDefault("queue_warning_threshold", 10)
	v.SetDefault("running_age_warning_sec", 3600)
	v.SetDefault("db_queue_busy_timeout_ms", 5000)
	v.SetDefault("db_queue_default_max_rows", 500)
	v.SetDefault("waiting_for_user_timeout_sec", 3600)

	v.SetDefault("scheduler.calendar_catchup_minutes", 180)

	v.SetDefault("runner.script_timeout_default_sec", 1800)
	v.SetDefault("runner.log_dir", "memory/central/logs")

	v.SetDefault("memory.autoload_summary_days", 3)
	v.SetDefault("memory.realtime_summary_turn_threshold", 12)
	v.SetDefault("memory.summary_worker_poll_sec", 15)
	v.SetDefault("memory.summary_worker_max_jobs_per_tick", 1)
	v.SetDefault("memory.daily_summary_use_model", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)

	v.SetDefault("logging.json", false)
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return initViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return initViper().GetString(key)
}

// GetBool returns a configuration value as bool using dot notation
func GetBool(key string) bool {
	return initViper().GetBool(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	return initViper().GetInt(key)
}

// ProviderQueue returns the rate-limit policy for a queue group, zero-valued
// when the group has no configured section.
func (c *Config) ProviderQueue(group string) ProviderQueueConfig {
	if c == nil || c.Providers == nil {
		return ProviderQueueConfig{}
	}
	return c.Providers[group]
}

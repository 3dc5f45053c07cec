// Package config loads the chaoshub TOML configuration.
//
// Configuration structure:
//   - [server]: HTTP listen address and shutdown timeout
//   - [hub]: public dashboard URL handed to the chaostoolkit runner
//   - [database]: SQLite file holding schedule records
//   - [logging]: level, format and output
//   - [schedulers]: enabled backends and their SCHED_* settings
//   - [dashboard]: internal API used for authorization, tokens,
//     experiments and the activity feed
//   - [retention]: periodic removal of finished schedule records
//
// String values may reference environment variables with ${VAR} or
// ${VAR:default}. For example: api_key = "${DASHBOARD_API_KEY:}"
package config

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Hub        HubConfig        `toml:"hub"`
	Database   DatabaseConfig   `toml:"database"`
	Logging    LoggingConfig    `toml:"logging"`
	Schedulers SchedulersConfig `toml:"schedulers"`
	Dashboard  DashboardConfig  `toml:"dashboard"`
	Retention  RetentionConfig  `toml:"retention"`
}

type ServerConfig struct {
	Addr                   string `toml:"addr"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

type HubConfig struct {
	URL      string `toml:"url"`
	Timezone string `toml:"timezone"` // zone of date/time fields without offset
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// SchedulersConfig selects the backends to register. Settings keys are the
// raw environment-style names, e.g. SCHED_LOCAL_GRACE_PERIOD.
type SchedulersConfig struct {
	Enabled       []string          `toml:"enabled"`
	Settings      map[string]string `toml:"settings"`
	ResultsBuffer int               `toml:"results_buffer"`
}

type DashboardConfig struct {
	URL            string `toml:"url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RetryAttempts  int    `toml:"retry_attempts"`
}

type RetentionConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalMinutes int  `toml:"interval_minutes"`
	KeepDays        int  `toml:"keep_days"` // finished records older than this are deleted
}

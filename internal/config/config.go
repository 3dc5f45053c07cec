package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAddr              = ":8080"
	DefaultDatabasePath      = "~/.chaoshub/chaoshub.db"
	DefaultShutdownTimeout   = 30
	DefaultResultsBuffer     = 100
	DefaultDashboardTimeout  = 10
	DefaultRetryAttempts     = 3
	DefaultRetentionInterval = 60
	DefaultRetentionKeepDays = 30
)

// SettingsEnvPrefix marks environment variables that override scheduler
// settings.
const SettingsEnvPrefix = "SCHED_"

// Load reads, expands and defaults the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	expandEnvVars(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = DefaultShutdownTimeout
	}
	if c.Hub.Timezone == "" {
		c.Hub.Timezone = "UTC"
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	c.Database.Path = expandHome(c.Database.Path)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if len(c.Schedulers.Enabled) == 0 {
		c.Schedulers.Enabled = []string{"local"}
	}
	if c.Schedulers.Settings == nil {
		c.Schedulers.Settings = map[string]string{}
	}
	if c.Schedulers.ResultsBuffer == 0 {
		c.Schedulers.ResultsBuffer = DefaultResultsBuffer
	}

	if c.Dashboard.TimeoutSeconds == 0 {
		c.Dashboard.TimeoutSeconds = DefaultDashboardTimeout
	}
	if c.Dashboard.RetryAttempts == 0 {
		c.Dashboard.RetryAttempts = DefaultRetryAttempts
	}

	if c.Retention.IntervalMinutes == 0 {
		c.Retention.IntervalMinutes = DefaultRetentionInterval
	}
	if c.Retention.KeepDays == 0 {
		c.Retention.KeepDays = DefaultRetentionKeepDays
	}
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_seconds must be >= 0"))
	}

	if err := validateURL(c.Hub.URL, "hub.url"); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Hub.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid hub.timezone: %s", c.Hub.Timezone))
	}
	if err := validateURL(c.Dashboard.URL, "dashboard.url"); err != nil {
		errs = append(errs, err)
	}
	if c.Dashboard.APIKey != "" && len(c.Dashboard.APIKey) < 10 {
		errs = append(errs, formatValidationError("dashboard.api_key", "is too short (minimum 10 characters)", c.Dashboard.APIKey))
	}
	if c.Dashboard.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("dashboard.timeout_seconds must be >= 0"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	if !slices.Contains([]string{"json", "text"}, strings.ToLower(c.Logging.Format)) {
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}
	if c.Logging.Output == "" {
		errs = append(errs, fmt.Errorf("logging.output is required"))
	}

	seen := map[string]bool{}
	for _, name := range c.Schedulers.Enabled {
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("schedulers.enabled contains an empty name"))
		case seen[name]:
			errs = append(errs, fmt.Errorf("schedulers.enabled lists %q twice", name))
		}
		seen[name] = true
	}
	for key := range c.Schedulers.Settings {
		if !strings.HasPrefix(key, SettingsEnvPrefix) {
			errs = append(errs, fmt.Errorf("schedulers.settings key %q must start with %s", key, SettingsEnvPrefix))
		}
	}
	if c.Schedulers.ResultsBuffer < 0 {
		errs = append(errs, fmt.Errorf("schedulers.results_buffer must be >= 0"))
	}

	if c.Retention.IntervalMinutes < 0 {
		errs = append(errs, fmt.Errorf("retention.interval_minutes must be >= 0"))
	}
	if c.Retention.KeepDays < 0 {
		errs = append(errs, fmt.Errorf("retention.keep_days must be >= 0"))
	}

	return errs
}

// Location returns the zone used to interpret schedule dates.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Hub.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SchedulerSettings merges the file settings with SCHED_* variables from
// environ (os.Environ format). The environment wins.
func (c *Config) SchedulerSettings(environ []string) map[string]string {
	out := make(map[string]string, len(c.Schedulers.Settings))
	for k, v := range c.Schedulers.Settings {
		out[k] = v
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, SettingsEnvPrefix) {
			out[key] = value
		}
	}
	return out
}

func validateURL(raw, field string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}

func expandEnvVars(c *Config) {
	for _, p := range []*string{
		&c.Server.Addr,
		&c.Hub.URL,
		&c.Hub.Timezone,
		&c.Database.Path,
		&c.Logging.Level,
		&c.Logging.Output,
		&c.Dashboard.URL,
		&c.Dashboard.APIKey,
	} {
		*p = expandEnv(*p)
	}
	for k, v := range c.Schedulers.Settings {
		c.Schedulers.Settings[k] = expandEnv(v)
	}
}

// expandEnv expands a value of the form ${VAR} or ${VAR:default}.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}
	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	if key, def, ok := strings.Cut(content, ":"); ok {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return def
	}
	return os.Getenv(content)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Package config loads the coordinator's environment-driven configuration
// (spec.md §6). Grounded generally on the teacher's env-var + defaulting
// style (internal/api.NewServer reading CACHE_TTL); expanded here to the
// full set of options spec.md names: store path, listen address, the two
// poller intervals, per-variant alert thresholds, the signing key and the
// periphery allowlist/timeout.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chis/corectl/internal/statuscache"
)

// Config is the coordinator's full runtime configuration.
type Config struct {
	StorePath   string
	ListenAddr  string
	SeedFile    string

	StatusPollingInterval     time.Duration
	MonitoringPollingInterval time.Duration
	PeripheryTimeout          time.Duration

	Thresholds statuscache.Thresholds

	SigningKey              string
	AllowedPeripheryAddrs   []string

	LogLevel string
	LogJSON  bool
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads configuration from the process environment, applying the
// defaults spec.md §6 implies ("order of seconds" polling, 30s action
// timeout).
func Load() (*Config, error) {
	cfg := &Config{
		StorePath:  getEnv("CORE_STORE_PATH", "core.db"),
		ListenAddr: getEnv("CORE_LISTEN_ADDR", ":9120"),
		SeedFile:   getEnv("CORE_SEED_FILE", ""),

		StatusPollingInterval:     getEnvDuration("CORE_STATUS_POLLING_INTERVAL", 15*time.Second),
		MonitoringPollingInterval: getEnvDuration("CORE_MONITORING_POLLING_INTERVAL", 60*time.Second),
		PeripheryTimeout:          getEnvDuration("CORE_PERIPHERY_TIMEOUT", 30*time.Second),

		Thresholds: statuscache.Thresholds{
			CPUWarning:  getEnvFloat("CORE_THRESHOLD_CPU_WARNING", 80),
			CPUCritical: getEnvFloat("CORE_THRESHOLD_CPU_CRITICAL", 95),
			MemWarning:  getEnvFloat("CORE_THRESHOLD_MEM_WARNING", 80),
			MemCritical: getEnvFloat("CORE_THRESHOLD_MEM_CRITICAL", 95),
			DiskWarning:  getEnvFloat("CORE_THRESHOLD_DISK_WARNING", 75),
			DiskCritical: getEnvFloat("CORE_THRESHOLD_DISK_CRITICAL", 90),
		},

		SigningKey:            getEnv("CORE_SIGNING_KEY", ""),
		AllowedPeripheryAddrs: splitCSV(getEnv("CORE_ALLOWED_PERIPHERY_ADDRS", "")),

		LogLevel: getEnv("CORE_LOG_LEVEL", "info"),
		LogJSON:  getEnv("CORE_LOG_JSON", "false") == "true",
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("config: store path must not be empty")
	}
	if c.SigningKey == "" {
		return fmt.Errorf("config: CORE_SIGNING_KEY must be set")
	}
	if c.StatusPollingInterval <= 0 || c.MonitoringPollingInterval <= 0 {
		return fmt.Errorf("config: polling intervals must be positive")
	}
	return nil
}

// IsPeripheryAllowed reports whether addr may be contacted as a periphery
// agent. An empty allowlist permits any address (local/dev default).
func (c *Config) IsPeripheryAllowed(addr string) bool {
	if len(c.AllowedPeripheryAddrs) == 0 {
		return true
	}
	for _, a := range c.AllowedPeripheryAddrs {
		if a == addr {
			return true
		}
	}
	return false
}

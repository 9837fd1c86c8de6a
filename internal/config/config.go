package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBindAddr   = "127.0.0.1:18790"
	defaultDebounceMS = 750
	defaultBackupKeep = 7
)

// BackupConfig controls scheduled database copies. An empty Schedule
// disables them.
type BackupConfig struct {
	Schedule string `yaml:"schedule"`
	Dir      string `yaml:"dir"`
	Keep     int    `yaml:"keep"`
}

// RateLimitConfig bounds inbound frames per websocket client.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required as a bearer token on /ws.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// Operators lists actor ids that carry the operator flag.
	Operators []string `yaml:"operators"`

	DebounceMS        int    `yaml:"debounce_ms"`
	DBPath            string `yaml:"db_path"`
	BootstrapDefaults *bool  `yaml:"bootstrap_defaults"`

	Backup    BackupConfig    `yaml:"backup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      OTelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// DebounceDelay returns the persistence coalescing window.
func (c Config) DebounceDelay() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// Bootstrap reports whether default projects are created on an empty store.
func (c Config) Bootstrap() bool {
	return c.BootstrapDefaults == nil || *c.BootstrapDefaults
}

// IsOperator reports whether actorID is listed in operators.
func (c Config) IsOperator(actorID string) bool {
	for _, id := range c.Operators {
		if id == actorID {
			return true
		}
	}
	return false
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|debounce=%d|db=%s|origins=%v|operators=%v|auth=%t|backup=%s/%d|rate=%t/%d/%d",
		c.BindAddr, c.LogLevel, c.DebounceMS, c.DBPath, c.AllowOrigins, c.Operators, c.AuthToken != "",
		c.Backup.Schedule, c.Backup.Keep, c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:   defaultBindAddr,
		LogLevel:   "info",
		DebounceMS: defaultDebounceMS,
		Backup:     BackupConfig{Keep: defaultBackupKeep},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         60,
		},
		OTel: OTelConfig{
			Exporter:    "otlp",
			ServiceName: "tasksync",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasksync")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, creating the directory if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tasksync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = defaultDebounceMS
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "tasksync.db")
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Backup.Keep <= 0 {
		cfg.Backup.Keep = defaultBackupKeep
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 60
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "tasksync"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1.0
	}
	cfg.Operators = cleanList(cfg.Operators)
}

// cleanList trims, dedupes and sorts ids so the fingerprint is stable.
func cleanList(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKSYNC_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKSYNC_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKSYNC_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DebounceMS = v
		}
	}
	if raw := os.Getenv("TASKSYNC_OPERATORS"); raw != "" {
		cfg.Operators = strings.Split(raw, ",")
	}
	if raw := os.Getenv("TASKSYNC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
}

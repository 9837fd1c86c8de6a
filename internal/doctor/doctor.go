package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/cron"
	"github.com/basket/tasksync/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkBind,
		checkAuth,
		checkBackup,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "No config.yaml; running on defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err), Detail: cfg.DBPath}
	}
	counts, err := store.CollectionCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.DBPath}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%s (%s)", cfg.DBPath, strings.Join(parts, ", ")),
	}
}

// checkBind tries to listen on the configured address. An address in use
// usually means a server is already running, which is only a warning.
func checkBind(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{
				Name:    "Bind",
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s already in use (server running?)", cfg.BindAddr),
			}
		}
		return CheckResult{Name: "Bind", Status: StatusFail, Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AuthToken != "" {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Bearer token required"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err == nil && isLoopback(host) {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "No token; bound to loopback"}
	}
	return CheckResult{
		Name:    "Auth",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No auth token while bound to %s", cfg.BindAddr),
		Detail:  "Set auth_token in config.yaml or TASKSYNC_AUTH_TOKEN",
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkBackup(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backup", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Backup.Schedule) == "" {
		return CheckResult{Name: "Backup", Status: StatusSkip, Message: "Scheduled backups disabled"}
	}
	next, err := cron.NextRunTime(cfg.Backup.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Backup", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.Backup.Schedule, err)}
	}
	if err := os.MkdirAll(cfg.Backup.Dir, 0o755); err != nil {
		return CheckResult{Name: "Backup", Status: StatusFail, Message: fmt.Sprintf("Backup dir not creatable: %v", err)}
	}
	files, _ := cron.List(cfg.Backup.Dir)
	detail := fmt.Sprintf("dir=%s, kept=%d/%d", cfg.Backup.Dir, len(files), cfg.Backup.Keep)
	if len(files) > 0 {
		detail += ", latest=" + filepath.Base(files[len(files)-1])
	}
	return CheckResult{
		Name:    "Backup",
		Status:  StatusPass,
		Message: fmt.Sprintf("Next backup at %s", next.Format(time.RFC3339)),
		Detail:  detail,
	}
}

// Package cron runs scheduled database backups on a cron expression and
// prunes old copies.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// LastBackupKey is the kv key holding the path of the newest backup.
const LastBackupKey = "backup.last"

const filePrefix = "tasksync-"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Store is the part of the persistence layer backups need.
type Store interface {
	Backup(ctx context.Context, destPath string) error
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the backup scheduler.
type Config struct {
	Store    Store
	Logger   *slog.Logger
	Schedule string // empty disables the scheduler
	Dir      string
	Keep     int           // copies to retain; <= 0 keeps everything
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler checks once per interval whether a backup is due.
type Scheduler struct {
	store    Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	expr     string
	dir      string
	keep     int
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	next time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a scheduler. A nil
// scheduler with no error means backups are disabled.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse backup schedule %q: %w", expr, err)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("backup scheduler: store required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup scheduler: directory required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		schedule: sched,
		expr:     expr,
		dir:      cfg.Dir,
		keep:     cfg.Keep,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. The first
// backup runs at the first scheduled time after Start.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.next = s.schedule.Next(s.now())
	next := s.next
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("backup scheduler started", "schedule", s.expr, "dir", s.dir, "next_run_at", next)
}

// Stop cancels the loop and waits for an in-flight backup to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("backup scheduler stopped")
}

// Next returns the next scheduled run.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.next)
	if due {
		s.next = s.schedule.Next(now)
	}
	next := s.next
	s.mu.Unlock()
	if !due {
		return
	}
	path, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("backup failed", "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("backup written", "path", path, "next_run_at", next)
}

// RunOnce writes one backup now, records it and prunes old copies.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	path := filepath.Join(s.dir, FileName(s.now()))
	if err := s.store.Backup(ctx, path); err != nil {
		return "", err
	}
	if err := s.store.KVSet(ctx, LastBackupKey, path); err != nil {
		s.logger.Warn("record last backup failed", "error", err)
	}
	removed, err := Prune(s.dir, s.keep)
	if err != nil {
		s.logger.Warn("prune backups failed", "error", err)
	} else if len(removed) > 0 {
		s.logger.Info("old backups pruned", "count", len(removed))
	}
	return path, nil
}

// FileName is the backup file name for a run at t. Names sort by time.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format("20060102T150405.000") + ".db"
}

// List returns the backup files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Prune deletes all but the newest keep backups in dir and returns the
// removed paths.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	files, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		return nil, nil
	}
	stale := files[:len(files)-keep]
	for _, f := range stale {
		if err := os.Remove(f); err != nil {
			return nil, fmt.Errorf("remove %s: %w", f, err)
		}
	}
	return stale, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/cron"
	"github.com/basket/tasksync/internal/persistence"
)

// runBackupCommand writes a copy of the database. With no argument the copy
// goes to backup.dir under a timestamped name.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: tasksync backup [dest]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	dest := filepath.Join(cfg.Backup.Dir, cron.FileName(time.Now()))
	if len(args) == 1 {
		dest = args[0]
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	if err := store.KVSet(ctx, cron.LastBackupKey, dest); err != nil {
		fmt.Fprintf(os.Stderr, "warning: record backup: %v\n", err)
	}
	fmt.Println(dest)
	return 0
}

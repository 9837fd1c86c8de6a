package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/client"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/telemetry"
	"github.com/basket/tasksync/internal/tui"
)

// runWatchCommand connects as a client and shows the task list of one
// scope. On a terminal it draws a live board; otherwise it reprints the
// list every time the server pushes a snapshot.
func runWatchCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	actor := fs.String("actor", os.Getenv("USER"), "actor id to connect as")
	name := fs.String("name", "", "display name")
	scopeFlag := fs.String("scope", string(model.ScopeTeam), "scope to show: PERSONAL or TEAM")
	addr := fs.String("addr", "", "server address (default: bind_addr from config)")
	plain := fs.Bool("plain", false, "print snapshots instead of drawing a board")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*actor) == "" {
		fmt.Fprintln(os.Stderr, "watch: -actor is required")
		return 2
	}
	scope := model.ParseScope(*scopeFlag)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	target := *addr
	if target == "" {
		target = cfg.BindAddr
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	events := bus.New()
	snapshots := events.Subscribe(bus.TopicSnapshotApplied)
	notices := events.Subscribe(bus.TopicNoticeReceived)
	defer events.Unsubscribe(snapshots)
	defer events.Unsubscribe(notices)

	conn, err := client.Dial(ctx, client.Config{
		Addr:    target,
		ActorID: *actor,
		Name:    *name,
		Token:   cfg.AuthToken,
		Bus:     events,
		Logger:  logger.With("component", "watch"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer conn.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	if !*plain && out == os.Stdout && isatty.IsTerminal(os.Stdout.Fd()) {
		return watchBoard(ctx, conn, *actor, scope, snapshots, notices, runErr)
	}

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
				return 1
			}
			return 0
		case ev := <-snapshots.Ch():
			if snap, ok := ev.Payload.(bus.SnapshotEvent); ok && snap.Scope != string(scope) {
				continue
			}
			replica := conn.Replica()
			fmt.Fprint(out, tui.RenderScope(scope, replica.Tasks(scope), replica.Projects(scope)))
		case ev := <-notices.Ch():
			if n, ok := ev.Payload.(bus.NoticeEvent); ok {
				fmt.Fprintln(out, tui.RenderNotice(noticeText(n)))
			}
		}
	}
}

func noticeText(n bus.NoticeEvent) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", n.Code, n.ProjectID, n.Subject))
}

// watchBoard feeds bus events into the live board until the user quits,
// the connection ends or ctx is done.
func watchBoard(ctx context.Context, conn *client.Conn, actor string, scope model.Scope, snapshots, notices *bus.Subscription, runErr <-chan error) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		received []string
		lastErr  string
	)
	provider := func() tui.Board {
		mu.Lock()
		defer mu.Unlock()
		replica := conn.Replica()
		return tui.Board{
			Actor:     actor,
			Scope:     scope,
			Connected: conn.Connected(),
			Tasks:     replica.Tasks(scope),
			Projects:  replica.Projects(scope),
			Notices:   append([]string(nil), received...),
			LastError: lastErr,
		}
	}

	refresh := make(chan struct{}, 1)
	poke := func() {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-snapshots.Ch():
				poke()
			case ev := <-notices.Ch():
				if n, ok := ev.Payload.(bus.NoticeEvent); ok {
					mu.Lock()
					received = append(received, noticeText(n))
					mu.Unlock()
				}
				poke()
			case err := <-runErr:
				if err != nil && !errors.Is(err, context.Canceled) {
					mu.Lock()
					lastErr = err.Error()
					mu.Unlock()
				}
				poke()
				return
			}
		}
	}()

	if err := tui.Run(ctx, provider, refresh); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

package smoke

import (
	"context"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/client"
	"github.com/basket/tasksync/internal/model"
)

func dialActor(t *testing.T, ctx context.Context, addr, actor, name string) *client.Conn {
	t.Helper()
	conn, err := client.Dial(ctx, client.Config{Addr: addr, ActorID: actor, Name: name})
	if err != nil {
		t.Fatalf("dial %s: %v", actor, err)
	}
	go func() { _ = conn.Run(ctx) }()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForTask(t *testing.T, conn *client.Conn, title string) model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, task := range conn.Replica().Tasks(model.ScopeTeam) {
			if task.Title == title {
				return task
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %q never reached the replica", title)
	return model.Task{}
}

func TestSmoke_TeamTaskSyncsAndSurvivesRestart(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	d := startDaemon(t, bin, home, addr)
	d.waitForPhase(t, "listener_bound")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := dialActor(t, ctx, addr, "alice", "Alice")
	bob := dialActor(t, ctx, addr, "bob", "Bob")

	if err := alice.AddTask(ctx, model.Task{
		Title:    "rotate signing keys",
		Scope:    model.ScopeTeam,
		Priority: model.PriorityHigh,
	}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	seen := waitForTask(t, bob, "rotate signing keys")
	if seen.CreatorID != "alice" {
		t.Fatalf("creator = %q, want alice", seen.CreatorID)
	}
	if seen.ProjectID != model.DefaultTeamProjectID {
		t.Fatalf("project = %q, want default team project", seen.ProjectID)
	}
	_ = alice.Close()
	_ = bob.Close()
	d.stop(t)

	d = startDaemon(t, bin, home, addr)
	d.waitForPhase(t, "listener_bound")
	carol := dialActor(t, ctx, addr, "carol", "Carol")
	restored := waitForTask(t, carol, "rotate signing keys")
	if restored.ID != seen.ID {
		t.Fatalf("task id changed across restart: %q != %q", restored.ID, seen.ID)
	}
	d.stop(t)
}

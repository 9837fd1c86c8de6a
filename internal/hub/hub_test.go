package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/codec"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/protocol"
	"github.com/basket/tasksync/internal/testutil"
)

var errClientGone = errors.New("client gone")

type delivery struct {
	ClientID string
	Method   string
	Params   any
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       []delivery
	broadcasts []delivery
	down       map[string]bool
}

func (f *fakeTransport) SendToClient(clientID, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[clientID] {
		return errClientGone
	}
	f.sent = append(f.sent, delivery{ClientID: clientID, Method: method, Params: params})
	return nil
}

func (f *fakeTransport) Broadcast(method string, params any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, delivery{Method: method, Params: params})
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.broadcasts = nil
}

func (f *fakeTransport) to(clientID, method string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, d := range f.sent {
		if d.ClientID == clientID && d.Method == method {
			out = append(out, d.Params)
		}
	}
	return out
}

func (f *fakeTransport) broadcastCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.broadcasts {
		if d.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeTransport) notices(clientID string) []string {
	var codes []string
	for _, p := range f.to(clientID, protocol.MethodNotice) {
		codes = append(codes, p.(protocol.Notice).Code)
	}
	return codes
}

// lastTasks returns the most recent task snapshot of scope sent directly
// to clientID.
func (f *fakeTransport) lastTasks(clientID string, scope model.Scope) (protocol.TasksSnapshot, bool) {
	snaps := f.to(clientID, protocol.MethodTasksSnapshot)
	for i := len(snaps) - 1; i >= 0; i-- {
		if s := snaps[i].(protocol.TasksSnapshot); s.Scope == string(scope) {
			return s, true
		}
	}
	return protocol.TasksSnapshot{}, false
}

type fakeStorage struct {
	mu       sync.Mutex
	tasks    map[model.Scope][]model.Task
	projects map[model.Scope][]model.Project
	saves    []model.Scope
	fail     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		tasks:    map[model.Scope][]model.Task{},
		projects: map[model.Scope][]model.Project{},
	}
}

func (s *fakeStorage) LoadScope(_ context.Context, scope model.Scope) ([]model.Task, []model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Task(nil), s.tasks[scope]...), append([]model.Project(nil), s.projects[scope]...), nil
}

func (s *fakeStorage) SaveScope(_ context.Context, scope model.Scope, tasks []model.Task, projects []model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, scope)
	if s.fail != nil {
		return s.fail
	}
	s.tasks[scope] = tasks
	s.projects[scope] = projects
	return nil
}

func (s *fakeStorage) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStorage) savedTasks(scope model.Scope) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[scope]
}

type testHub struct {
	*Hub
	transport *fakeTransport
	storage   *fakeStorage
	clock     *testutil.ManualClock
}

func newTestHub(t *testing.T, storage *fakeStorage) *testHub {
	t.Helper()
	if storage == nil {
		storage = newFakeStorage()
	}
	clock := testutil.NewManualClock(time.UnixMilli(1_760_000_000_000))
	transport := &fakeTransport{down: map[string]bool{}}
	seq := 0
	h, err := New(Config{
		Storage:           storage,
		Transport:         transport,
		Bus:               bus.New(),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		BootstrapDefaults: true,
		Clock:             clock,
		Now:               clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return &testHub{Hub: h, transport: transport, storage: storage, clock: clock}
}

// sync waits until everything queued so far has run.
func (th *testHub) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := th.Do(ctx, func() {}); err != nil {
		t.Fatalf("hub barrier: %v", err)
	}
}

func (th *testHub) join(t *testing.T, s Session) {
	t.Helper()
	th.Join(s)
	th.sync(t)
}

func (th *testHub) request(t *testing.T, s Session, method string, params any) bool {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	queued := th.Dispatch(context.Background(), s, method, raw)
	th.sync(t)
	return queued
}

// inspect runs fn on the loop so it may read hub state.
func (th *testHub) inspect(t *testing.T, fn func()) {
	t.Helper()
	if err := th.Do(context.Background(), fn); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func (th *testHub) task(t *testing.T, id string) (model.Task, bool) {
	t.Helper()
	var (
		task model.Task
		ok   bool
	)
	th.inspect(t, func() { task, ok = th.tasks.Get(id) })
	return task, ok
}

func (th *testHub) project(t *testing.T, id string) (model.Project, bool) {
	t.Helper()
	var (
		p  model.Project
		ok bool
	)
	th.inspect(t, func() { p, ok = th.projects.Get(id) })
	return p, ok
}

var fixtureTime = time.UnixMilli(1_700_000_000_000)

// teamFixture is a team project owned by olga with lee as LEAD and mia as
// MEMBER, three team tasks and one personal task of alice.
func teamFixture() *fakeStorage {
	s := newFakeStorage()
	p := model.NewProject("proj", "Launch", model.ScopeTeam, "olga", fixtureTime)
	p.AddMember("olga", model.RoleProjectManager, "Olga")
	p.AddMember("lee", model.RoleLead, "Lee")
	p.AddMember("mia", model.RoleMember, "Mia")
	s.projects[model.ScopeTeam] = []model.Project{p}
	s.tasks[model.ScopeTeam] = []model.Task{
		{ID: "t-open", Title: "Open", Scope: model.ScopeTeam, ProjectID: "proj", CreatedAt: fixtureTime},
		{ID: "t-mia", Title: "Mine", Scope: model.ScopeTeam, ProjectID: "proj", CreatedAt: fixtureTime, AssigneeID: "mia", AssigneeName: "Mia"},
		{ID: "t-lee", Title: "Lead's", Scope: model.ScopeTeam, ProjectID: "proj", CreatedAt: fixtureTime, AssigneeID: "lee", AssigneeName: "Lee"},
	}
	s.tasks[model.ScopePersonal] = []model.Task{
		{ID: "p-alice", Title: "Private", Scope: model.ScopePersonal, CreatorID: "alice", CreatedAt: fixtureTime},
	}
	return s
}

var (
	alice = Session{ClientID: "c-alice", ActorID: "alice", ActorName: "Alice"}
	bob   = Session{ClientID: "c-bob", ActorID: "bob", ActorName: "Bob"}
	olga  = Session{ClientID: "c-olga", ActorID: "olga", ActorName: "Olga"}
	lee   = Session{ClientID: "c-lee", ActorID: "lee", ActorName: "Lee"}
	mia   = Session{ClientID: "c-mia", ActorID: "mia", ActorName: "Mia"}
	root  = Session{ClientID: "c-root", ActorID: "root", ActorName: "Root", Operator: true}
)

func TestStart_BootstrapsDefaultProjects(t *testing.T) {
	th := newTestHub(t, nil)

	for _, id := range []string{model.DefaultPersonalProjectID, model.DefaultTeamProjectID} {
		p, ok := th.project(t, id)
		if !ok {
			t.Fatalf("default project %s missing", id)
		}
		if !p.Unclaimed() {
			t.Fatalf("default project %s should start unowned, owner=%q", id, p.OwnerID)
		}
	}
	if got := th.storage.saveCount(); got != 2 {
		t.Fatalf("bootstrap should flush both scopes once, got %d saves", got)
	}
}

func TestStart_AdoptsOrphanTasks(t *testing.T) {
	s := newFakeStorage()
	s.projects[model.ScopeTeam] = []model.Project{model.NewProject(model.DefaultTeamProjectID, "Team", model.ScopeTeam, "", fixtureTime)}
	s.tasks[model.ScopeTeam] = []model.Task{{ID: "orphan", Title: "x", Scope: model.ScopeTeam}}
	th := newTestHub(t, s)

	task, _ := th.task(t, "orphan")
	if task.ProjectID != model.DefaultTeamProjectID {
		t.Fatalf("orphan task project = %q, want %q", task.ProjectID, model.DefaultTeamProjectID)
	}
	if !th.scheduler.Dirty(model.ScopeTeam) {
		t.Fatal("adopting orphans should mark TEAM dirty")
	}
}

func TestJoin_SendsSnapshotsFilteredPerActor(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, bob)

	personal, ok := th.transport.lastTasks(bob.ClientID, model.ScopePersonal)
	if !ok {
		t.Fatal("bob got no personal snapshot")
	}
	if len(personal.Tasks) != 0 {
		t.Fatalf("bob should not see alice's personal task: %+v", personal.Tasks)
	}
	team, _ := th.transport.lastTasks(bob.ClientID, model.ScopeTeam)
	if len(team.Tasks) != 3 {
		t.Fatalf("team snapshot has %d tasks, want 3", len(team.Tasks))
	}
	if got := len(th.transport.to(bob.ClientID, protocol.MethodProjectsSnapshot)); got != 2 {
		t.Fatalf("want one project snapshot per scope, got %d", got)
	}
	if th.Stats().Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", th.Stats().Sessions)
	}
}

func TestJoin_RefreshesCachedNames(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, Session{ClientID: "c-mia", ActorID: "mia", ActorName: "Mia Renamed"})

	p, _ := th.project(t, "proj")
	if p.MemberName("mia") != "Mia Renamed" {
		t.Fatalf("member name not refreshed: %q", p.MemberName("mia"))
	}
	task, _ := th.task(t, "t-mia")
	if task.AssigneeName != "Mia Renamed" {
		t.Fatalf("assignee name not refreshed: %q", task.AssigneeName)
	}
	if th.transport.broadcastCount(protocol.MethodProjectsSnapshot) != 1 {
		t.Fatal("name refresh should broadcast team projects")
	}
}

func TestTaskAdd_PersonalAssignsServerFields(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, alice)
	th.join(t, bob)
	th.transport.reset()

	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{
		ID: "client-chosen", Title: "Write report", AssigneeID: "bob",
		Subtasks: []codec.TaskRecord{{Title: "outline"}},
	}})

	task, ok := th.task(t, "id-1")
	if !ok {
		t.Fatal("task not stored under server id")
	}
	if task.CreatorID != "alice" || task.Assigned() || task.ProjectID != model.DefaultPersonalProjectID {
		t.Fatalf("unexpected server fields: %+v", task)
	}
	if !task.CreatedAt.Equal(th.clock.Now()) {
		t.Fatalf("createdAt = %v, want %v", task.CreatedAt, th.clock.Now())
	}
	if len(task.Subtasks) != 1 || task.Subtasks[0].ID == "" {
		t.Fatalf("subtask should get an id: %+v", task.Subtasks)
	}

	acks := th.transport.to(alice.ClientID, protocol.MethodTaskAck)
	want := []any{protocol.TaskAck{Action: protocol.AckAdd, ID: "id-1", Success: true}}
	if diff := cmp.Diff(want, acks); diff != "" {
		t.Fatalf("acks mismatch (-want +got):\n%s", diff)
	}
	if snap, _ := th.transport.lastTasks(alice.ClientID, model.ScopePersonal); len(snap.Tasks) != 1 {
		t.Fatalf("alice should see her task, got %+v", snap.Tasks)
	}
	if snap, _ := th.transport.lastTasks(bob.ClientID, model.ScopePersonal); len(snap.Tasks) != 0 {
		t.Fatalf("bob should not see alice's task, got %+v", snap.Tasks)
	}
	if th.transport.broadcastCount(protocol.MethodTasksSnapshot) != 0 {
		t.Fatal("personal changes must not be broadcast to everyone")
	}
}

func TestTaskAdd_TeamNeedsManagerAndOperatorClaims(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, bob)
	th.join(t, root)
	th.transport.reset()

	th.request(t, bob, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "nope", Scope: "TEAM"}})
	if len(th.transport.to(bob.ClientID, protocol.MethodTaskAck)) != 0 {
		t.Fatal("denied add must not be acknowledged")
	}
	if th.Stats().Denied != 1 {
		t.Fatalf("denied = %d, want 1", th.Stats().Denied)
	}

	th.request(t, root, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "kickoff", Scope: "TEAM"}})
	p, _ := th.project(t, model.DefaultTeamProjectID)
	if p.OwnerID != "root" {
		t.Fatalf("operator should claim the default team project, owner=%q", p.OwnerID)
	}
	if role, _ := p.MemberRole("root"); role != model.RoleProjectManager {
		t.Fatalf("claimer role = %v", role)
	}
	var team []model.Task
	th.inspect(t, func() { team = th.tasks.ByScope(model.ScopeTeam) })
	if len(team) != 1 || team[0].Title != "kickoff" {
		t.Fatalf("unexpected team tasks: %+v", team)
	}
	if th.transport.broadcastCount(protocol.MethodTasksSnapshot) != 1 {
		t.Fatal("accepted team add should broadcast once")
	}
}

func TestDebounce_CoalescesWithinWindow(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, alice)
	base := th.storage.saveCount()

	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "one"}})
	th.clock.Advance(100 * time.Millisecond)
	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "two"}})
	th.clock.Advance(650 * time.Millisecond)
	th.sync(t)

	if got := th.storage.saveCount() - base; got != 1 {
		t.Fatalf("want one coalesced write, got %d", got)
	}
	if n := len(th.storage.savedTasks(model.ScopePersonal)); n != 2 {
		t.Fatalf("write should carry both tasks, got %d", n)
	}

	th.clock.Advance(50 * time.Millisecond)
	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "three"}})
	th.clock.Advance(750 * time.Millisecond)
	th.sync(t)
	if got := th.storage.saveCount() - base; got != 2 {
		t.Fatalf("a mutation after the window should write again, got %d writes", got)
	}
}

func TestFlushFailure_NotRetried(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, alice)
	th.storage.mu.Lock()
	th.storage.fail = errors.New("disk full")
	th.storage.mu.Unlock()
	base := th.storage.saveCount()

	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "lost"}})
	th.clock.Advance(750 * time.Millisecond)
	th.sync(t)
	th.clock.Advance(5 * time.Second)
	th.sync(t)

	if got := th.storage.saveCount() - base; got != 1 {
		t.Fatalf("failed flush should not retry, got %d attempts", got)
	}
	if th.Stats().FlushFails != 1 {
		t.Fatalf("flush failures = %d, want 1", th.Stats().FlushFails)
	}
	if _, ok := th.task(t, "id-1"); !ok {
		t.Fatal("in-memory state must survive a failed flush")
	}
}

func TestTaskToggle_MemberOnlyOnOwnAssignment(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, mia)

	th.request(t, mia, protocol.MethodTaskToggle, protocol.TaskIDParams{ID: "t-mia"})
	if task, _ := th.task(t, "t-mia"); !task.Completed {
		t.Fatal("member should toggle a task assigned to them")
	}
	th.request(t, mia, protocol.MethodTaskToggle, protocol.TaskIDParams{ID: "t-lee"})
	if task, _ := th.task(t, "t-lee"); task.Completed {
		t.Fatal("member must not toggle someone else's task")
	}
	acks := th.transport.to(mia.ClientID, protocol.MethodTaskAck)
	if len(acks) != 1 {
		t.Fatalf("only the accepted toggle is acknowledged, got %d acks", len(acks))
	}
}

func TestTaskAssign_ClaimAssignAbandon(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, mia)
	th.join(t, lee)

	th.request(t, mia, protocol.MethodTaskAssign, protocol.TaskAssignParams{ID: "t-open", AssigneeID: "mia"})
	task, _ := th.task(t, "t-open")
	if task.AssigneeID != "mia" || task.AssigneeName != "Mia" {
		t.Fatalf("claim failed: %+v", task)
	}

	th.request(t, mia, protocol.MethodTaskAssign, protocol.TaskAssignParams{ID: "t-open", AssigneeID: "lee"})
	if task, _ := th.task(t, "t-open"); task.AssigneeID != "mia" {
		t.Fatal("member must not assign others")
	}

	th.request(t, mia, protocol.MethodTaskAssign, protocol.TaskAssignParams{ID: "t-open"})
	if task, _ := th.task(t, "t-open"); task.Assigned() {
		t.Fatal("member should abandon their own task")
	}

	th.request(t, lee, protocol.MethodTaskAssign, protocol.TaskAssignParams{ID: "t-open", AssigneeID: "mia"})
	if task, _ := th.task(t, "t-open"); task.AssigneeID != "mia" {
		t.Fatal("lead should assign others")
	}
	if len(th.transport.to(mia.ClientID, protocol.MethodTaskAck)) != 0 {
		t.Fatal("assignment is not acknowledged")
	}
}

func TestTaskUpdate_EditNeedsManagerOnTeam(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, mia)
	th.join(t, lee)

	rename := protocol.TaskParams{Task: codec.TaskRecord{ID: "t-mia", Title: "Renamed", Priority: "HIGH"}}
	th.request(t, mia, protocol.MethodTaskUpdate, rename)
	if task, _ := th.task(t, "t-mia"); task.Title != "Mine" {
		t.Fatal("member edit should be denied")
	}
	th.request(t, lee, protocol.MethodTaskUpdate, rename)
	task, _ := th.task(t, "t-mia")
	if task.Title != "Renamed" || task.Priority != model.PriorityHigh {
		t.Fatalf("lead edit not applied: %+v", task)
	}
	if task.AssigneeID != "mia" || task.ProjectID != "proj" || !task.CreatedAt.Equal(fixtureTime) {
		t.Fatalf("update must keep immutable fields: %+v", task)
	}
}

func TestTaskDelete_PersonalIsPrivate(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, bob)
	th.join(t, alice)

	th.request(t, bob, protocol.MethodTaskDelete, protocol.TaskIDParams{ID: "p-alice"})
	if _, ok := th.task(t, "p-alice"); !ok {
		t.Fatal("bob must not delete alice's personal task")
	}
	if th.Stats().Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", th.Stats().Dropped)
	}
	th.request(t, alice, protocol.MethodTaskDelete, protocol.TaskIDParams{ID: "p-alice"})
	if _, ok := th.task(t, "p-alice"); ok {
		t.Fatal("alice should delete her own task")
	}
}

func TestTaskReplace_MemberDiffSkipsDenied(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, mia)
	th.transport.reset()

	th.request(t, mia, protocol.MethodTaskReplace, protocol.TaskReplaceParams{
		Scope: "TEAM",
		Tasks: []codec.TaskRecord{
			{ID: "t-lee", Title: "ignored", Completed: true, AssigneeID: "lee"},
		},
	})
	if task, _ := th.task(t, "t-lee"); task.Completed || task.Title != "Lead's" {
		t.Fatalf("denied diff applied: %+v", task)
	}
	if _, ok := th.transport.lastTasks(mia.ClientID, model.ScopeTeam); !ok {
		t.Fatal("a refused replace should resend the authoritative snapshot")
	}

	th.request(t, mia, protocol.MethodTaskReplace, protocol.TaskReplaceParams{
		Scope: "TEAM",
		Tasks: []codec.TaskRecord{{ID: "t-mia", Title: "Mine", Completed: true, AssigneeID: "mia"}},
	})
	if task, _ := th.task(t, "t-mia"); !task.Completed {
		t.Fatal("allowed completion diff not applied")
	}
}

func TestTaskReplace_OperatorReplacesTeam(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, root)

	th.request(t, root, protocol.MethodTaskReplace, protocol.TaskReplaceParams{
		Scope: "TEAM",
		Tasks: []codec.TaskRecord{{ID: "fresh", Title: "Only one"}},
	})
	var team []model.Task
	th.inspect(t, func() { team = th.tasks.ByScope(model.ScopeTeam) })
	if len(team) != 1 || team[0].ID != "fresh" || team[0].Scope != model.ScopeTeam {
		t.Fatalf("unexpected team tasks: %+v", team)
	}
}

func TestTaskReplace_PersonalKeepsOtherActors(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, bob)

	th.request(t, bob, protocol.MethodTaskReplace, protocol.TaskReplaceParams{
		Scope: "PERSONAL",
		Tasks: []codec.TaskRecord{{ID: "b-1", Title: "Bob's"}, {ID: "p-alice", Title: "hijack"}},
	})
	var personal []model.Task
	th.inspect(t, func() { personal = th.tasks.ByScope(model.ScopePersonal) })
	got := map[string]string{}
	for _, task := range personal {
		got[task.ID] = task.Title + "/" + task.CreatorID
	}
	want := map[string]string{"p-alice": "Private/alice", "b-1": "Bob's/bob"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("personal tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectAdd_TeamDiscardsClientMembers(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, alice)

	th.request(t, alice, protocol.MethodProjectAdd, protocol.ProjectParams{Project: codec.ProjectRecord{
		Name: "Guild", Scope: "TEAM", OwnerID: "mallory",
		Members:     map[string]string{"mallory": "PROJECT_MANAGER", "eve": "LEAD"},
		MemberNames: map[string]string{"eve": "Eve"},
	}})

	p, ok := th.project(t, "id-1")
	if !ok {
		t.Fatal("project not created")
	}
	if p.OwnerID != "alice" {
		t.Fatalf("owner = %q, want alice", p.OwnerID)
	}
	want := map[string]model.ProjectRole{"alice": model.RoleProjectManager}
	if diff := cmp.Diff(want, p.Members); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"alice": "Alice"}, p.MemberNames); diff != "" {
		t.Fatalf("member names mismatch (-want +got):\n%s", diff)
	}
	if len(th.transport.to(alice.ClientID, protocol.MethodTaskAck)) != 0 {
		t.Fatal("project operations are not acknowledged")
	}
}

func TestProjectUpdate_TeamNeedsProjectManager(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, lee)
	th.join(t, olga)

	color := uint32(0xFF00AA00)
	th.request(t, lee, protocol.MethodProjectUpdate, protocol.ProjectParams{Project: codec.ProjectRecord{ID: "proj", Name: "Lead rename"}})
	if p, _ := th.project(t, "proj"); p.Name != "Launch" {
		t.Fatal("lead must not edit the project")
	}
	th.request(t, olga, protocol.MethodProjectUpdate, protocol.ProjectParams{Project: codec.ProjectRecord{ID: "proj", Name: "Relaunch", Color: &color}})
	p, _ := th.project(t, "proj")
	if p.Name != "Relaunch" || p.Color != 0x00AA00 || !p.AllowMemberCreate {
		t.Fatalf("owner edit not applied as expected: %+v", p)
	}
}

func TestProjectDelete_CascadesTasks(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, olga)

	th.request(t, olga, protocol.MethodProjectDelete, protocol.ProjectIDParams{ProjectID: "proj"})
	if _, ok := th.project(t, "proj"); ok {
		t.Fatal("project not deleted")
	}
	var team []model.Task
	th.inspect(t, func() { team = th.tasks.ByScope(model.ScopeTeam) })
	if len(team) != 0 {
		t.Fatalf("tasks of a deleted project should go too: %+v", team)
	}
	if _, ok := th.task(t, "p-alice"); !ok {
		t.Fatal("other scopes must be untouched")
	}
}

func TestMemberRemove_LeadCannotRemoveOwner(t *testing.T) {
	s := teamFixture()
	s.projects[model.ScopeTeam][0].AddMember("pam", model.RoleProjectManager, "Pam")
	th := newTestHub(t, s)
	lead := lee
	pm := Session{ClientID: "c-pam", ActorID: "pam", ActorName: "Pam"}
	th.join(t, lead)
	th.join(t, pm)

	th.request(t, lead, protocol.MethodProjectMemberRemove, protocol.MemberParams{ProjectID: "proj", MemberID: "olga"})
	if p, _ := th.project(t, "proj"); !p.IsMember("olga") {
		t.Fatal("lead must not remove the owner")
	}
	th.request(t, pm, protocol.MethodProjectMemberRemove, protocol.MemberParams{ProjectID: "proj", MemberID: "olga"})
	p, _ := th.project(t, "proj")
	if p.IsMember("olga") || !p.Unclaimed() {
		t.Fatalf("project manager should remove the owner: %+v", p)
	}
	th.request(t, pm, protocol.MethodProjectMemberRemove, protocol.MemberParams{ProjectID: "proj", MemberID: "pam"})
	if p, _ := th.project(t, "proj"); !p.IsMember("pam") {
		t.Fatal("nobody removes themselves")
	}
}

func TestMemberAdd_ResolvesName(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, lee)
	th.join(t, bob)

	th.request(t, lee, protocol.MethodProjectMemberAdd, protocol.MemberAddParams{ProjectID: "proj", MemberName: "bob"})
	p, _ := th.project(t, "proj")
	if role, ok := p.MemberRole("bob"); !ok || role != model.RoleMember {
		t.Fatalf("bob should be added as MEMBER: %+v", p.Members)
	}
	if p.MemberName("bob") != "Bob" {
		t.Fatalf("cached name = %q", p.MemberName("bob"))
	}

	th.request(t, lee, protocol.MethodProjectMemberAdd, protocol.MemberAddParams{ProjectID: "proj", MemberName: "nobody"})
	if th.Stats().Dropped != 1 {
		t.Fatalf("unresolved name should be dropped, dropped=%d", th.Stats().Dropped)
	}
}

func TestMemberRole_ChangesOnlyToLeadOrMember(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, olga)

	th.request(t, olga, protocol.MethodProjectMemberRole, protocol.MemberRoleParams{ProjectID: "proj", MemberID: "mia", Role: "ADMIN"})
	p, _ := th.project(t, "proj")
	if role, _ := p.MemberRole("mia"); role != model.RoleLead {
		t.Fatalf("ADMIN should map to LEAD, got %v", role)
	}
	th.request(t, olga, protocol.MethodProjectMemberRole, protocol.MemberRoleParams{ProjectID: "proj", MemberID: "mia", Role: "PROJECT_MANAGER"})
	p, _ = th.project(t, "proj")
	if role, _ := p.MemberRole("mia"); role != model.RoleLead {
		t.Fatalf("ownership must not be granted by role change, got %v", role)
	}
}

func TestJoinFlow(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, bob)

	th.request(t, bob, protocol.MethodProjectJoinRequest, protocol.ProjectIDParams{ProjectID: "proj"})
	if diff := cmp.Diff([]string{protocol.NoticeJoinNoReviewer}, th.transport.notices(bob.ClientID)); diff != "" {
		t.Fatalf("notices mismatch (-want +got):\n%s", diff)
	}

	th.join(t, olga)
	pending := th.transport.to(olga.ClientID, protocol.MethodJoinPending)
	want := []any{protocol.JoinPending{ProjectID: "proj", ProjectName: "Launch", ApplicantID: "bob", ApplicantName: "Bob"}}
	if diff := cmp.Diff(want, pending); diff != "" {
		t.Fatalf("pending review not replayed on join (-want +got):\n%s", diff)
	}

	th.request(t, bob, protocol.MethodProjectJoinDecide, protocol.JoinDecideParams{ProjectID: "proj", ApplicantID: "bob", Accept: true})
	th.request(t, mia, protocol.MethodProjectJoinDecide, protocol.JoinDecideParams{ProjectID: "proj", ApplicantID: "bob", Accept: true})
	if p, _ := th.project(t, "proj"); p.IsMember("bob") {
		t.Fatal("neither the applicant nor a plain member may approve")
	}

	th.request(t, olga, protocol.MethodProjectJoinDecide, protocol.JoinDecideParams{ProjectID: "proj", ApplicantID: "bob", Accept: true})
	p, _ := th.project(t, "proj")
	if role, ok := p.MemberRole("bob"); !ok || role != model.RoleMember {
		t.Fatalf("approved applicant should be MEMBER: %+v", p.Members)
	}
	wantBob := []string{protocol.NoticeJoinNoReviewer, protocol.NoticeJoinCannotSelf, protocol.NoticeJoinAccepted}
	if diff := cmp.Diff(wantBob, th.transport.notices(bob.ClientID)); diff != "" {
		t.Fatalf("applicant notices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{protocol.NoticeJoinApproved}, th.transport.notices(olga.ClientID)); diff != "" {
		t.Fatalf("reviewer notices mismatch (-want +got):\n%s", diff)
	}

	th.request(t, olga, protocol.MethodProjectJoinDecide, protocol.JoinDecideParams{ProjectID: "proj", ApplicantID: "bob", Accept: true})
	if codes := th.transport.notices(olga.ClientID); codes[len(codes)-1] != protocol.NoticeJoinAlreadyMember {
		t.Fatalf("second decision should report already_member, got %v", codes)
	}
}

func TestJoinRequest_NotifiesOnlineReviewers(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, lee)
	th.join(t, mia)
	th.join(t, bob)

	th.request(t, bob, protocol.MethodProjectJoinRequest, protocol.ProjectIDParams{ProjectID: "proj"})
	if len(th.transport.to(lee.ClientID, protocol.MethodJoinPending)) != 1 {
		t.Fatal("online lead should be asked to review")
	}
	if len(th.transport.to(mia.ClientID, protocol.MethodJoinPending)) != 0 {
		t.Fatal("plain members do not review")
	}
	if diff := cmp.Diff([]string{protocol.NoticeJoinSent}, th.transport.notices(bob.ClientID)); diff != "" {
		t.Fatalf("notices mismatch (-want +got):\n%s", diff)
	}

	th.request(t, lee, protocol.MethodProjectJoinDecide, protocol.JoinDecideParams{ProjectID: "proj", ApplicantID: "bob", Accept: false})
	if p, _ := th.project(t, "proj"); p.IsMember("bob") {
		t.Fatal("denial must not add the applicant")
	}
	if codes := th.transport.notices(bob.ClientID); codes[len(codes)-1] != protocol.NoticeJoinDenied {
		t.Fatalf("applicant should be told of the denial, got %v", codes)
	}

	th.request(t, bob, protocol.MethodProjectJoinRequest, protocol.ProjectIDParams{ProjectID: "missing"})
	if codes := th.transport.notices(bob.ClientID); codes[len(codes)-1] != protocol.NoticeJoinInvalidProject {
		t.Fatalf("unknown project should be reported, got %v", codes)
	}
}

func TestDispatch_DropsMalformedBeforeQueueing(t *testing.T) {
	th := newTestHub(t, nil)
	if th.Dispatch(context.Background(), alice, protocol.MethodTaskDelete, json.RawMessage(`{"id":""}`)) {
		t.Fatal("invalid params should not be queued")
	}
	if th.Dispatch(context.Background(), alice, "task.explode", nil) {
		t.Fatal("unknown method should not be queued")
	}
	if got := th.Stats().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestSend_UnavailableClientIsSkipped(t *testing.T) {
	th := newTestHub(t, nil)
	th.transport.mu.Lock()
	th.transport.down[alice.ClientID] = true
	th.transport.mu.Unlock()
	th.join(t, alice)

	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "still stored"}})
	if _, ok := th.task(t, "id-1"); !ok {
		t.Fatal("mutation should apply even if the reply cannot be delivered")
	}
}

func TestRun_SurvivesPanickingWork(t *testing.T) {
	th := newTestHub(t, nil)
	th.Submit(func() { panic("boom") })
	th.sync(t)
	th.join(t, alice)
	if th.Stats().Sessions != 1 {
		t.Fatal("hub should keep serving after a panic")
	}
}

func TestClose_FlushesDirtyScopes(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, alice)
	base := th.storage.saveCount()

	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "durable"}})
	if err := th.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := th.storage.saveCount() - base; got != 1 {
		t.Fatalf("close should flush once, got %d", got)
	}
	if err := th.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after close = %v, want ErrStopped", err)
	}
}

func TestLeave_PublishesSessionLeft(t *testing.T) {
	th := newTestHub(t, nil)
	sub := th.bus.Subscribe(bus.TopicSessionLeft)
	defer th.bus.Unsubscribe(sub)

	th.join(t, alice)
	th.Leave(alice.ClientID)
	th.sync(t)

	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.SessionEvent).ActorID != "alice" {
			t.Fatalf("unexpected payload: %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.left event")
	}
	if th.Stats().Sessions != 0 {
		t.Fatal("session count should drop to zero")
	}
}

func TestProjectDefaultPersonal_NobodyRenamesOrDeletes(t *testing.T) {
	th := newTestHub(t, nil)
	th.join(t, alice)
	th.join(t, bob)
	th.request(t, alice, protocol.MethodTaskAdd, protocol.TaskParams{Task: codec.TaskRecord{Title: "Dentist"}})

	th.request(t, bob, protocol.MethodProjectUpdate, protocol.ProjectParams{Project: codec.ProjectRecord{ID: model.DefaultPersonalProjectID, Name: "Bob's now"}})
	th.request(t, bob, protocol.MethodProjectDelete, protocol.ProjectIDParams{ProjectID: model.DefaultPersonalProjectID})
	th.request(t, alice, protocol.MethodProjectDelete, protocol.ProjectIDParams{ProjectID: model.DefaultPersonalProjectID})

	p, ok := th.project(t, model.DefaultPersonalProjectID)
	if !ok {
		t.Fatal("shared personal default was deleted")
	}
	if p.Name != model.DefaultPersonalProjectName || !p.Unclaimed() {
		t.Fatalf("shared personal default changed: %+v", p)
	}
	if task, ok := th.task(t, "id-1"); !ok || task.CreatorID != "alice" {
		t.Fatalf("alice's task lost: %+v", task)
	}
	if got := th.Stats().Denied; got != 3 {
		t.Fatalf("denied = %d, want 3", got)
	}
}

func TestProjectDelete_CascadeSparesOtherActorsPersonalTasks(t *testing.T) {
	s := newFakeStorage()
	s.projects[model.ScopePersonal] = []model.Project{model.NewProject("bob-home", "Home", model.ScopePersonal, "bob", fixtureTime)}
	s.tasks[model.ScopePersonal] = []model.Task{
		{ID: "b-1", Title: "Bob's", Scope: model.ScopePersonal, CreatorID: "bob", ProjectID: "bob-home", CreatedAt: fixtureTime},
		{ID: "a-1", Title: "Alice's", Scope: model.ScopePersonal, CreatorID: "alice", ProjectID: "bob-home", CreatedAt: fixtureTime},
	}
	th := newTestHub(t, s)
	th.join(t, bob)

	th.request(t, bob, protocol.MethodProjectDelete, protocol.ProjectIDParams{ProjectID: "bob-home"})
	if _, ok := th.project(t, "bob-home"); ok {
		t.Fatal("owner should delete their project")
	}
	if _, ok := th.task(t, "b-1"); ok {
		t.Fatal("bob's task should go with his project")
	}
	if task, ok := th.task(t, "a-1"); !ok || task.CreatorID != "alice" || task.Title != "Alice's" {
		t.Fatalf("alice's personal task must survive bob's delete: %+v", task)
	}
}

func TestTaskReplace_OperatorTeamCannotTakePersonalID(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, root)

	th.request(t, root, protocol.MethodTaskReplace, protocol.TaskReplaceParams{
		Scope: "TEAM",
		Tasks: []codec.TaskRecord{{ID: "p-alice", Title: "taken"}, {ID: "fresh", Title: "ok"}},
	})

	task, ok := th.task(t, "p-alice")
	if !ok || task.Scope != model.ScopePersonal || task.Title != "Private" || task.CreatorID != "alice" {
		t.Fatalf("personal task rewritten by team replace: %+v", task)
	}
	var team []model.Task
	th.inspect(t, func() { team = th.tasks.ByScope(model.ScopeTeam) })
	if len(team) != 1 || team[0].ID != "fresh" {
		t.Fatalf("unexpected team tasks: %+v", team)
	}
	if got := th.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestTaskUpdate_UnchangedRecordAckedOnlyWhenPermitted(t *testing.T) {
	th := newTestHub(t, teamFixture())
	th.join(t, mia)
	th.join(t, lee)
	current, _ := th.task(t, "t-lee")
	same := protocol.TaskParams{Task: codec.FromTask(current)}
	th.transport.reset()

	th.request(t, mia, protocol.MethodTaskUpdate, same)
	if acks := th.transport.to(mia.ClientID, protocol.MethodTaskAck); len(acks) != 0 {
		t.Fatalf("member got an ack for a task they cannot change: %+v", acks)
	}
	if got := th.Stats().Denied; got != 1 {
		t.Fatalf("denied = %d, want 1", got)
	}

	th.request(t, lee, protocol.MethodTaskUpdate, same)
	acks := th.transport.to(lee.ClientID, protocol.MethodTaskAck)
	want := []any{protocol.TaskAck{Action: protocol.AckUpdate, ID: "t-lee", Success: true}}
	if diff := cmp.Diff(want, acks); diff != "" {
		t.Fatalf("acks mismatch (-want +got):\n%s", diff)
	}
}

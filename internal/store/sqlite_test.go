package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustGroup(t *testing.T, s *Store, g Group) {
	t.Helper()
	if err := s.UpsertGroup(context.Background(), g); err != nil {
		t.Fatalf("UpsertGroup(%s): %v", g.JID, err)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	g := Group{
		JID: "123@g.us", Name: "Ops", Folder: "ops",
		Trigger: "@bot", RequiresTrigger: true, IsMain: true,
	}
	mustGroup(t, s, g)

	got, err := s.GetGroup(ctx, g.JID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.Name != g.Name || got.Folder != g.Folder || got.Trigger != g.Trigger ||
		!got.RequiresTrigger || !got.IsMain {
		t.Fatalf("got %+v, want %+v", got, g)
	}
	if got.CreatedAt.IsZero() || got.LastActivity.IsZero() {
		t.Fatalf("timestamps not defaulted: %+v", got)
	}

	byFolder, err := s.GetGroupByFolder(ctx, "ops")
	if err != nil {
		t.Fatalf("GetGroupByFolder: %v", err)
	}
	if byFolder.JID != g.JID {
		t.Fatalf("folder lookup = %q, want %q", byFolder.JID, g.JID)
	}

	if _, err := s.GetGroup(ctx, "missing@g.us"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing group = %v, want ErrNotFound", err)
	}
	if _, err := s.GetGroupByFolder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing folder = %v, want ErrNotFound", err)
	}
}

func TestUpsertGroupPreservesCreatedAt(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a", CreatedAt: created})

	// Renaming through upsert must not reset creation time.
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A renamed", Folder: "a"})

	got, err := s.GetGroup(ctx, "1@g.us")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.Name != "A renamed" {
		t.Fatalf("name = %q", got.Name)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, created)
	}
}

func TestTouchGroupActivity(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a"})

	at := time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC)
	if err := s.TouchGroupActivity(ctx, "1@g.us", at); err != nil {
		t.Fatalf("TouchGroupActivity: %v", err)
	}
	got, _ := s.GetGroup(ctx, "1@g.us")
	if !got.LastActivity.Equal(at) {
		t.Fatalf("last_activity = %v, want %v", got.LastActivity, at)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a"})

	if _, ok, err := s.GetSession(ctx, "1@g.us"); err != nil || ok {
		t.Fatalf("GetSession empty = ok=%v err=%v", ok, err)
	}

	if err := s.PutSession(ctx, "1@g.us", "tok-1"); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if err := s.PutSession(ctx, "1@g.us", "tok-2"); err != nil {
		t.Fatalf("PutSession overwrite: %v", err)
	}
	tok, ok, err := s.GetSession(ctx, "1@g.us")
	if err != nil || !ok || tok != "tok-2" {
		t.Fatalf("GetSession = %q ok=%v err=%v, want tok-2", tok, ok, err)
	}

	if err := s.DeleteSession(ctx, "1@g.us"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, "1@g.us"); ok {
		t.Fatal("session survived delete")
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a"})

	next := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	task := Task{
		ID: "t1", GroupJID: "1@g.us", ChatJID: "1@g.us",
		Prompt: "morning digest", Kind: TaskCron, Expr: "0 9 * * *",
		Context: ContextSession, Status: TaskActive, NextRun: &next,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Kind != TaskCron || got.Context != ContextSession || got.Status != TaskActive {
		t.Fatalf("got %+v", got)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Fatalf("next_run = %v, want %v", got.NextRun, next)
	}

	if err := s.SetTaskStatus(ctx, "t1", TaskPaused); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := s.SetTaskNextRun(ctx, "t1", nil); err != nil {
		t.Fatalf("SetTaskNextRun(nil): %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.Status != TaskPaused || got.NextRun != nil {
		t.Fatalf("after pause: %+v", got)
	}

	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted task = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete = %v, want ErrNotFound", err)
	}
	if err := s.SetTaskStatus(ctx, "nope", TaskActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status of missing task = %v, want ErrNotFound", err)
	}
}

func TestDueTasksSelection(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a"})

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past1 := now.Add(-time.Hour)
	past2 := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mk := func(id string, next *time.Time, status TaskStatus) {
		t.Helper()
		if err := s.CreateTask(ctx, Task{
			ID: id, GroupJID: "1@g.us", ChatJID: "1@g.us", Prompt: "p",
			Kind: TaskInterval, Expr: "30m", Status: status, NextRun: next,
		}); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}
	mk("overdue-old", &past1, TaskActive)
	mk("overdue-new", &past2, TaskActive)
	mk("future", &future, TaskActive)
	mk("paused", &past1, TaskPaused)
	mk("fired-once", nil, TaskActive)

	due, err := s.DueTasks(ctx, now)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d tasks, want 2: %+v", len(due), due)
	}
	// Oldest deadline first.
	if due[0].ID != "overdue-old" || due[1].ID != "overdue-new" {
		t.Fatalf("due order = %s, %s", due[0].ID, due[1].ID)
	}
}

func TestListTasksScoping(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a"})
	mustGroup(t, s, Group{JID: "2@g.us", Name: "B", Folder: "b"})

	for i, jid := range []string{"1@g.us", "1@g.us", "2@g.us"} {
		if err := s.CreateTask(ctx, Task{
			ID: string(rune('a' + i)), GroupJID: jid, ChatJID: jid,
			Prompt: "p", Kind: TaskInterval, Expr: "30m",
		}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	one, err := s.ListTasks(ctx, "1@g.us")
	if err != nil {
		t.Fatalf("ListTasks(1): %v", err)
	}
	if len(one) != 2 {
		t.Fatalf("group 1 tasks = %d, want 2", len(one))
	}
	all, err := s.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks(all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all tasks = %d, want 3", len(all))
	}
}

func TestTaskRunsAppendAndList(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	mustGroup(t, s, Group{JID: "1@g.us", Name: "A", Folder: "a"})
	if err := s.CreateTask(ctx, Task{
		ID: "t1", GroupJID: "1@g.us", ChatJID: "1@g.us",
		Prompt: "p", Kind: TaskInterval, Expr: "30m",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	runs := []TaskRun{
		{TaskID: "t1", FiredAt: base, Duration: 2 * time.Second, OK: true},
		{TaskID: "t1", FiredAt: base.Add(time.Hour), Duration: time.Second, OK: false, Error: "engine error"},
	}
	for _, r := range runs {
		if err := s.AppendTaskRun(ctx, r); err != nil {
			t.Fatalf("AppendTaskRun: %v", err)
		}
	}

	got, err := s.ListTaskRuns(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("runs = %d, want 2", len(got))
	}
	// Most recent first.
	if got[0].OK || got[0].Error != "engine error" {
		t.Fatalf("latest run = %+v", got[0])
	}
	if !got[1].OK || got[1].Duration != 2*time.Second {
		t.Fatalf("earliest run = %+v", got[1])
	}
}

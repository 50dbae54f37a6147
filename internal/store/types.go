package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Group is a registered conversation context. The JID is the opaque chat
// address assigned by the messaging connector; Folder is the filesystem-safe
// identifier that doubles as the authorization principal for the mailbox.
type Group struct {
	JID             string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger bool
	IsMain          bool
	CreatedAt       time.Time
	LastActivity    time.Time
}

type TaskKind string

const (
	TaskCron     TaskKind = "cron"
	TaskInterval TaskKind = "interval"
	TaskOnce     TaskKind = "once"
)

type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
)

// ContextMode decides whether a scheduled task runs against the group's
// ongoing session or in isolation.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextSession  ContextMode = "shared-session"
)

// Task is a scheduled unit of agent work.
// NextRun is nil once a one-shot task has fired.
type Task struct {
	ID        string
	GroupJID  string
	ChatJID   string
	Prompt    string
	Kind      TaskKind
	Expr      string
	Context   ContextMode
	Status    TaskStatus
	NextRun   *time.Time
	CreatedAt time.Time
}

// TaskRun is one append-only audit record per task firing.
type TaskRun struct {
	ID       int64
	TaskID   string
	FiredAt  time.Time
	Duration time.Duration
	OK       bool
	Error    string
}

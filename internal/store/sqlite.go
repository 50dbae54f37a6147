package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed persistence layer. All writes are single-record
// upserts; callers never need cross-table transactions.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- groups ----

func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.LastActivity.IsZero() {
		g.LastActivity = g.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(jid, name, folder, trigger_pattern, requires_trigger, is_main, created_at, last_activity)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(jid) DO UPDATE SET
		   name=excluded.name, folder=excluded.folder, trigger_pattern=excluded.trigger_pattern,
		   requires_trigger=excluded.requires_trigger, is_main=excluded.is_main`,
		g.JID, g.Name, g.Folder, g.Trigger, boolInt(g.RequiresTrigger), boolInt(g.IsMain),
		g.CreatedAt.Format(time.RFC3339Nano), g.LastActivity.Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetGroup(ctx context.Context, jid string) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		`SELECT jid, name, folder, trigger_pattern, requires_trigger, is_main, created_at, last_activity
		 FROM groups WHERE jid = ?`, jid))
}

func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		`SELECT jid, name, folder, trigger_pattern, requires_trigger, is_main, created_at, last_activity
		 FROM groups WHERE folder = ?`, folder))
}

func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, folder, trigger_pattern, requires_trigger, is_main, created_at, last_activity
		 FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := s.scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) TouchGroupActivity(ctx context.Context, jid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET last_activity = ? WHERE jid = ?`,
		at.Format(time.RFC3339Nano), jid)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *Store) scanGroup(row rowScanner) (Group, error) {
	var g Group
	var requires, main int
	var created, activity string
	err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requires, &main, &created, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}
	g.RequiresTrigger = requires != 0
	g.IsMain = main != 0
	g.CreatedAt = parseTime(created)
	g.LastActivity = parseTime(activity)
	return g, nil
}

// ---- sessions ----

func (s *Store) GetSession(ctx context.Context, groupJID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT resume_token FROM sessions WHERE group_jid = ?`, groupJID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (s *Store) PutSession(ctx context.Context, groupJID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(group_jid, resume_token, updated_at) VALUES(?,?,?)
		 ON CONFLICT(group_jid) DO UPDATE SET resume_token=excluded.resume_token, updated_at=excluded.updated_at`,
		groupJID, token, time.Now().Format(time.RFC3339Nano))
	return err
}

func (s *Store) DeleteSession(ctx context.Context, groupJID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE group_jid = ?`, groupJID)
	return err
}

// ---- tasks ----

func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Context == "" {
		t.Context = ContextIsolated
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, group_jid, chat_jid, prompt, kind, expr, context_mode, status, next_run, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.GroupJID, t.ChatJID, t.Prompt, string(t.Kind), t.Expr, string(t.Context),
		string(t.Status), nullTime(t.NextRun), t.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, group_jid, chat_jid, prompt, kind, expr, context_mode, status, next_run, created_at
		 FROM tasks WHERE id = ?`, id))
}

// ListTasks returns tasks for one group, or all tasks when groupJID is empty.
func (s *Store) ListTasks(ctx context.Context, groupJID string) ([]Task, error) {
	q := `SELECT id, group_jid, chat_jid, prompt, kind, expr, context_mode, status, next_run, created_at
	      FROM tasks`
	var args []any
	if groupJID != "" {
		q += ` WHERE group_jid = ?`
		args = append(args, groupJID)
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_jid, chat_jid, prompt, kind, expr, context_mode, status, next_run, created_at
		 FROM tasks WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *Store) SetTaskNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ? WHERE id = ?`, nullTime(next), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ---- task runs ----

func (s *Store) AppendTaskRun(ctx context.Context, r TaskRun) error {
	if r.FiredAt.IsZero() {
		r.FiredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(task_id, fired_at, duration_ms, ok, error) VALUES(?,?,?,?,?)`,
		r.TaskID, r.FiredAt.Format(time.RFC3339Nano), r.Duration.Milliseconds(), boolInt(r.OK), nullStr(r.Error))
	return err
}

func (s *Store) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, fired_at, duration_ms, ok, error
		 FROM task_runs WHERE task_id = ? ORDER BY fired_at DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var fired string
		var ms int64
		var ok int
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &fired, &ms, &ok, &errText); err != nil {
			return nil, err
		}
		r.FiredAt = parseTime(fired)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.OK = ok != 0
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func (s *Store) scanTask(row rowScanner) (Task, error) {
	var t Task
	var kind, cmode, status, created string
	var next sql.NullInt64
	err := row.Scan(&t.ID, &t.GroupJID, &t.ChatJID, &t.Prompt, &kind, &t.Expr, &cmode, &status, &next, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.Kind = TaskKind(kind)
	t.Context = ContextMode(cmode)
	t.Status = TaskStatus(status)
	t.CreatedAt = parseTime(created)
	if next.Valid {
		nt := time.UnixMilli(next.Int64)
		t.NextRun = &nt
	}
	return t, nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

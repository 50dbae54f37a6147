package mailbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gitduk/nanoclaw/internal/store"
)

// Snapshot files are the read-only half of the executor contract: the
// coordinator overwrites them whole before every execution; the executor
// only ever reads them.

type taskSnapshot struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	Tasks       []taskSnapshotEntry `json:"tasks"`
}

type taskSnapshotEntry struct {
	ID       string     `json:"id"`
	GroupJID string     `json:"groupJid"`
	Prompt   string     `json:"prompt"`
	Kind     string     `json:"kind"`
	Expr     string     `json:"expr"`
	Status   string     `json:"status"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

type groupSnapshot struct {
	GeneratedAt time.Time            `json:"generatedAt"`
	Groups      []groupSnapshotEntry `json:"groups"`
}

type groupSnapshotEntry struct {
	JID          string    `json:"jid"`
	Name         string    `json:"name"`
	Folder       string    `json:"folder"`
	Registered   bool      `json:"registered"`
	LastActivity time.Time `json:"lastActivity"`
}

// WriteTaskSnapshot overwrites dir/tasks.json with the given tasks. The
// caller scopes the list: a group's own tasks, or all tasks for the main
// group.
func WriteTaskSnapshot(dir string, tasks []store.Task, now time.Time) error {
	snap := taskSnapshot{GeneratedAt: now, Tasks: make([]taskSnapshotEntry, 0, len(tasks))}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, taskSnapshotEntry{
			ID:       t.ID,
			GroupJID: t.GroupJID,
			Prompt:   t.Prompt,
			Kind:     string(t.Kind),
			Expr:     t.Expr,
			Status:   string(t.Status),
			NextRun:  t.NextRun,
		})
	}
	return writeJSON(filepath.Join(dir, "tasks.json"), snap)
}

// WriteGroupSnapshot overwrites dir/groups.json with the group directory.
// Only written into the main group's working directory.
func WriteGroupSnapshot(dir string, groups []store.Group, now time.Time) error {
	snap := groupSnapshot{GeneratedAt: now, Groups: make([]groupSnapshotEntry, 0, len(groups))}
	for _, g := range groups {
		snap.Groups = append(snap.Groups, groupSnapshotEntry{
			JID:          g.JID,
			Name:         g.Name,
			Folder:       g.Folder,
			Registered:   true,
			LastActivity: g.LastActivity,
		})
	}
	return writeJSON(filepath.Join(dir, "groups.json"), snap)
}

// writeJSON writes via temp-and-rename so the executor never observes a
// half-written snapshot.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

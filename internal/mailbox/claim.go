package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	processingSuffix = ".processing"
	commandSuffix    = ".json"
	reasonSuffix     = ".reason"
)

var ErrAlreadyClaimed = errors.New("mailbox: already claimed")

// Source enumerates per-issuer command inboxes and supports crash-safe
// consumption. Issuer identity is the mailbox name itself; command content
// never contributes to it.
//
// A pending id that already carries the processing marker is a command that
// was claimed before a crash and must be reprocessed; Claim accepts it
// without renaming again.
type Source interface {
	Issuers(ctx context.Context) ([]string, error)
	Pending(ctx context.Context, issuer string) ([]string, error)

	// Claim atomically takes ownership of one command and returns its
	// content. A concurrent claimer gets ErrAlreadyClaimed.
	Claim(ctx context.Context, issuer, id string) ([]byte, error)

	// Resolve removes an applied command.
	Resolve(ctx context.Context, issuer, id string) error

	// Reject moves a failed command to the dead-letter area, tagged with its
	// issuer and original name, and records reason alongside it.
	Reject(ctx context.Context, issuer, id, reason string) error
}

// FSSource is the production Source: one inbox directory per group under
// root, with rename-as-claim. The rename is the only mutual exclusion
// between "still being written by the producer" and "being consumed".
type FSSource struct {
	root       string // <data>/groups
	deadLetter string // <data>/dead-letter
}

func NewFSSource(root, deadLetter string) (*FSSource, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(deadLetter, 0o755); err != nil {
		return nil, err
	}
	return &FSSource{root: root, deadLetter: deadLetter}, nil
}

// InboxDir returns the (created) inbox path for a group folder. The executor
// subprocess is pointed here for dropping command files.
func (s *FSSource) InboxDir(folder string) (string, error) {
	dir := filepath.Join(s.root, folder, "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *FSSource) Issuers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), "inbox")); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FSSource) Pending(ctx context.Context, issuer string) ([]string, error) {
	dir := filepath.Join(s.root, issuer, "inbox")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		// Producers write to a temp name and rename; only finished command
		// files and orphaned claims are eligible.
		if strings.HasSuffix(name, commandSuffix) || strings.HasSuffix(name, commandSuffix+processingSuffix) {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FSSource) Claim(ctx context.Context, issuer, id string) ([]byte, error) {
	dir := filepath.Join(s.root, issuer, "inbox")

	claimed := id
	if !strings.HasSuffix(id, processingSuffix) {
		claimed = id + processingSuffix
		if err := os.Rename(filepath.Join(dir, id), filepath.Join(dir, claimed)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrAlreadyClaimed
			}
			return nil, err
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, claimed))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}
	return b, nil
}

func (s *FSSource) Resolve(ctx context.Context, issuer, id string) error {
	return os.Remove(filepath.Join(s.root, issuer, "inbox", claimedName(id)))
}

func (s *FSSource) Reject(ctx context.Context, issuer, id, reason string) error {
	src := filepath.Join(s.root, issuer, "inbox", claimedName(id))
	base := strings.TrimSuffix(claimedName(id), processingSuffix)
	dst := filepath.Join(s.deadLetter, issuer+"__"+base)
	if _, err := os.Stat(dst); err == nil {
		// Keep every occurrence; never overwrite earlier evidence.
		dst = filepath.Join(s.deadLetter, fmt.Sprintf("%s__%d__%s", issuer, time.Now().UnixNano(), base))
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	// A sidecar note tells whoever inspects the dead-letter directory why
	// the command ended up there.
	note := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), reason)
	if err := os.WriteFile(dst+reasonSuffix, []byte(note), 0o644); err != nil {
		return fmt.Errorf("dead-letter note for %s: %w", filepath.Base(dst), err)
	}
	return nil
}

func claimedName(id string) string {
	if strings.HasSuffix(id, processingSuffix) {
		return id
	}
	return id + processingSuffix
}

// MemSource is an in-memory Source for tests.
type MemSource struct {
	mu      sync.Mutex
	pending map[string]map[string][]byte // issuer -> id -> content
	claimed map[string]map[string][]byte
	dead    map[string][]byte // "<issuer>__<id>" -> content
	reasons map[string]string // "<issuer>__<id>" -> reject reason
}

func NewMemSource() *MemSource {
	return &MemSource{
		pending: map[string]map[string][]byte{},
		claimed: map[string]map[string][]byte{},
		dead:    map[string][]byte{},
		reasons: map[string]string{},
	}
}

// Drop places a command file in an issuer's inbox.
func (m *MemSource) Drop(issuer, id string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[issuer] == nil {
		m.pending[issuer] = map[string][]byte{}
	}
	m.pending[issuer][id] = content
}

func (m *MemSource) Issuers(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for is := range m.pending {
		seen[is] = true
	}
	for is := range m.claimed {
		seen[is] = true
	}
	var out []string
	for is := range seen {
		out = append(out, is)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemSource) Pending(ctx context.Context, issuer string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.pending[issuer] {
		ids = append(ids, id)
	}
	for id := range m.claimed[issuer] {
		ids = append(ids, id+processingSuffix)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemSource) Claim(ctx context.Context, issuer, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.HasSuffix(id, processingSuffix) {
		b, ok := m.claimed[issuer][strings.TrimSuffix(id, processingSuffix)]
		if !ok {
			return nil, ErrAlreadyClaimed
		}
		return b, nil
	}
	b, ok := m.pending[issuer][id]
	if !ok {
		return nil, ErrAlreadyClaimed
	}
	delete(m.pending[issuer], id)
	if m.claimed[issuer] == nil {
		m.claimed[issuer] = map[string][]byte{}
	}
	m.claimed[issuer][id] = b
	return b, nil
}

func (m *MemSource) Resolve(ctx context.Context, issuer, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed[issuer], strings.TrimSuffix(id, processingSuffix))
	return nil
}

func (m *MemSource) Reject(ctx context.Context, issuer, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.TrimSuffix(id, processingSuffix)
	b, ok := m.claimed[issuer][key]
	if !ok {
		return errors.New("mailbox: reject of unclaimed command")
	}
	delete(m.claimed[issuer], key)
	m.dead[issuer+"__"+key] = b
	m.reasons[issuer+"__"+key] = reason
	return nil
}

// DeadLetters returns a copy of the dead-letter map (tests only).
func (m *MemSource) DeadLetters() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.dead))
	for k, v := range m.dead {
		out[k] = v
	}
	return out
}

// DeadReason returns the recorded reject reason for a dead letter (tests only).
func (m *MemSource) DeadReason(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reasons[key]
}

// Package router glues the messaging connector to the execution queue: it
// buffers per-group work (inbound messages and fired scheduled tasks),
// signals the queue, and drains the buffers inside the executor callback.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gitduk/nanoclaw/internal/agent"
	"github.com/gitduk/nanoclaw/internal/mailbox"
	"github.com/gitduk/nanoclaw/internal/queue"
	"github.com/gitduk/nanoclaw/internal/store"
	"github.com/gitduk/nanoclaw/internal/transport"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

// Store is the slice of persistence the router needs.
type Store interface {
	GetGroup(ctx context.Context, jid string) (store.Group, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
	ListTasks(ctx context.Context, groupJID string) ([]store.Task, error)
	GetSession(ctx context.Context, groupJID string) (string, bool, error)
	PutSession(ctx context.Context, groupJID, token string) error
	TouchGroupActivity(ctx context.Context, jid string, at time.Time) error
	AppendTaskRun(ctx context.Context, r store.TaskRun) error
}

type Config struct {
	// ErrorNoticesPerMinute rate-limits failure notices per group so a
	// flapping executor cannot spam a chat. Default 2.
	ErrorNoticesPerMinute int

	// WorkingDirFor and MailboxDirFor resolve a group folder to its
	// filesystem locations for the executor contract.
	WorkingDirFor func(folder string) string
	MailboxDirFor func(folder string) string
}

type Router struct {
	cfg    Config
	log    logx.Logger
	st     Store
	conn   transport.Connector
	q      *queue.GroupQueue
	runner agent.Runner

	mu           sync.Mutex
	pendingMsgs  map[string][]transport.Message
	pendingTasks map[string][]store.Task

	sessMu   sync.Mutex
	sessLock map[string]*sync.Mutex

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, st Store, conn transport.Connector, q *queue.GroupQueue, runner agent.Runner, log logx.Logger) *Router {
	if cfg.ErrorNoticesPerMinute <= 0 {
		cfg.ErrorNoticesPerMinute = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:          cfg,
		log:          log,
		st:           st,
		conn:         conn,
		q:            q,
		runner:       runner,
		pendingMsgs:  map[string][]transport.Message{},
		pendingTasks: map[string][]store.Task{},
		sessLock:     map[string]*sync.Mutex{},
		limiters:     map[string]*rate.Limiter{},
	}
}

// Run consumes inbound messages until ctx is canceled. The supervisor
// restarts it on failure; too many consecutive failures stop the process.
func (r *Router) Run(ctx context.Context) error {
	ch := make(chan transport.Message, 256)
	if err := r.conn.Start(ctx, ch); err != nil {
		return fmt.Errorf("starting connector: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			r.handleInbound(ctx, msg)
		}
	}
}

func (r *Router) handleInbound(ctx context.Context, msg transport.Message) {
	g, err := r.st.GetGroup(ctx, msg.ChatJID)
	if errors.Is(err, store.ErrNotFound) {
		// Unregistered chats are invisible to the coordinator.
		return
	}
	if err != nil {
		r.log.Error("resolving group for inbound message", logx.String("chat", msg.ChatJID), logx.Err(err))
		return
	}

	text, ok := matchTrigger(g, msg.Text)
	if !ok {
		return
	}
	msg.Text = text

	if err := r.st.TouchGroupActivity(ctx, g.JID, msg.At); err != nil {
		r.log.Warn("updating group activity", logx.String("group", g.JID), logx.Err(err))
	}

	r.mu.Lock()
	r.pendingMsgs[g.JID] = append(r.pendingMsgs[g.JID], msg)
	r.mu.Unlock()

	if err := r.q.Signal(g.JID); err != nil {
		r.log.Warn("queue rejected signal", logx.String("group", g.JID), logx.Err(err))
	}
}

// matchTrigger decides whether text activates the group and returns the text
// with the trigger prefix stripped. Groups with RequiresTrigger and no
// pattern configured are never activated by plain messages.
func matchTrigger(g store.Group, text string) (string, bool) {
	if !g.RequiresTrigger {
		return text, true
	}
	trig := strings.TrimSpace(g.Trigger)
	if trig == "" {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < len(trig) || !strings.EqualFold(trimmed[:len(trig)], trig) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(trig):]), true
}

// EnqueueTask buffers a fired scheduled task as synthetic work and signals
// the queue. Installed as the scheduler's FireFunc.
func (r *Router) EnqueueTask(ctx context.Context, t store.Task) {
	r.mu.Lock()
	r.pendingTasks[t.GroupJID] = append(r.pendingTasks[t.GroupJID], t)
	r.mu.Unlock()

	if err := r.q.Signal(t.GroupJID); err != nil {
		r.log.Warn("queue rejected task signal", logx.String("group", t.GroupJID), logx.String("task", t.ID), logx.Err(err))
	}
}

// Execute is the queue's executor callback: it drains everything buffered
// for the group. Scheduled work runs before conversational work; each fired
// task is its own execution with its own run record.
func (r *Router) Execute(ctx context.Context, groupJID string) (bool, error) {
	g, err := r.st.GetGroup(ctx, groupJID)
	if err != nil {
		// Buffered work, including fired tasks whose next_run is already
		// consumed, is still pending; report not-drained so the queue
		// re-queues the group instead of stranding it.
		return false, fmt.Errorf("resolving group %q: %w", groupJID, err)
	}

	r.mu.Lock()
	tasks := r.pendingTasks[groupJID]
	msgs := r.pendingMsgs[groupJID]
	delete(r.pendingTasks, groupJID)
	delete(r.pendingMsgs, groupJID)
	r.mu.Unlock()

	if err := r.refreshSnapshots(ctx, g); err != nil {
		r.log.Warn("writing snapshots", logx.String("group", g.Folder), logx.Err(err))
	}

	var firstErr error
	for _, t := range tasks {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := r.runTask(ctx, g, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(msgs) > 0 {
		if err := r.runConversation(ctx, g, msgs); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	drained := len(r.pendingTasks[groupJID]) == 0 && len(r.pendingMsgs[groupJID]) == 0
	r.mu.Unlock()
	return drained, firstErr
}

func (r *Router) runTask(ctx context.Context, g store.Group, t store.Task) error {
	start := time.Now()

	req := agent.Request{
		Prompt:     "[scheduled task] " + t.Prompt,
		WorkingDir: r.cfg.WorkingDirFor(g.Folder),
		MailboxDir: r.cfg.MailboxDirFor(g.Folder),
	}
	if t.Context == store.ContextSession {
		if token, ok, err := r.st.GetSession(ctx, g.JID); err == nil && ok {
			req.ResumeToken = token
		}
	}

	res, err := r.runner.Execute(ctx, req)
	run := store.TaskRun{
		TaskID:   t.ID,
		FiredAt:  start,
		Duration: time.Since(start),
		OK:       err == nil && res.Status == agent.StatusSuccess,
	}
	switch {
	case err != nil:
		run.Error = err.Error()
	case res.Status != agent.StatusSuccess:
		run.Error = res.Error
	}
	// The run record must survive the execution's own deadline: a timed-out
	// run arrives here with ctx already canceled, and losing the record
	// would make the timeout invisible in the run log.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if rerr := r.st.AppendTaskRun(rctx, run); rerr != nil {
		r.log.Error("recording task run", logx.String("task", t.ID), logx.Err(rerr))
	}

	if err != nil {
		// Scheduled failures only hit the run log; no implicit chat notice.
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if t.Context == store.ContextSession && res.NewResumeToken != "" {
		r.persistSession(ctx, g.JID, res.NewResumeToken)
	}
	if res.Status == agent.StatusSuccess && strings.TrimSpace(res.Output) != "" {
		if serr := r.conn.SendText(ctx, t.ChatJID, res.Output); serr != nil {
			r.log.Error("sending task output", logx.String("task", t.ID), logx.Err(serr))
		}
	}
	return nil
}

func (r *Router) runConversation(ctx context.Context, g store.Group, msgs []transport.Message) error {
	req := agent.Request{
		Prompt:     formatConversation(msgs),
		WorkingDir: r.cfg.WorkingDirFor(g.Folder),
		MailboxDir: r.cfg.MailboxDirFor(g.Folder),
	}
	if token, ok, err := r.st.GetSession(ctx, g.JID); err != nil {
		return fmt.Errorf("loading session for %q: %w", g.JID, err)
	} else if ok {
		req.ResumeToken = token
	}

	res, err := r.runner.Execute(ctx, req)
	if err != nil {
		r.sendErrorNotice(ctx, g)
		return fmt.Errorf("group %s: %w", g.JID, err)
	}
	if res.NewResumeToken != "" {
		r.persistSession(ctx, g.JID, res.NewResumeToken)
	}
	if res.Status != agent.StatusSuccess {
		r.sendErrorNotice(ctx, g)
		return fmt.Errorf("group %s: engine error: %s", g.JID, res.Error)
	}
	if strings.TrimSpace(res.Output) != "" {
		if err := r.conn.SendText(ctx, g.JID, res.Output); err != nil {
			return fmt.Errorf("sending reply to %q: %w", g.JID, err)
		}
	}
	return nil
}

func formatConversation(msgs []transport.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.PushName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&b, "[%s] %s\n", name, m.Text)
	}
	return b.String()
}

// persistSession serializes token writes per group so two completions can
// never interleave and corrupt the stored token.
func (r *Router) persistSession(ctx context.Context, jid, token string) {
	r.sessMu.Lock()
	mu := r.sessLock[jid]
	if mu == nil {
		mu = &sync.Mutex{}
		r.sessLock[jid] = mu
	}
	r.sessMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	if err := r.st.PutSession(ctx, jid, token); err != nil {
		r.log.Error("persisting session token", logx.String("group", jid), logx.Err(err))
	}
}

func (r *Router) sendErrorNotice(ctx context.Context, g store.Group) {
	r.limMu.Lock()
	lim := r.limiters[g.JID]
	if lim == nil {
		perMin := r.cfg.ErrorNoticesPerMinute
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1)
		r.limiters[g.JID] = lim
	}
	r.limMu.Unlock()

	if !lim.Allow() {
		return
	}
	// Failure notices fire when the execution context may already be dead
	// (timeout, cancellation), so the send gets its own deadline.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.conn.SendText(sctx, g.JID, "Something went wrong handling that, please try again."); err != nil {
		r.log.Error("sending error notice", logx.String("group", g.JID), logx.Err(err))
	}
}

// refreshSnapshots regenerates the executor-facing snapshot files before an
// execution: the group's own tasks, or every task plus the group directory
// for the main group.
func (r *Router) refreshSnapshots(ctx context.Context, g store.Group) error {
	dir := r.cfg.WorkingDirFor(g.Folder)
	now := time.Now()

	scope := g.JID
	if g.IsMain {
		scope = ""
	}
	tasks, err := r.st.ListTasks(ctx, scope)
	if err != nil {
		return err
	}
	if err := mailbox.WriteTaskSnapshot(dir, tasks, now); err != nil {
		return err
	}

	if g.IsMain {
		groups, err := r.st.ListGroups(ctx)
		if err != nil {
			return err
		}
		if err := mailbox.WriteGroupSnapshot(dir, groups, now); err != nil {
			return err
		}
	}
	return nil
}

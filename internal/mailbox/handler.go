package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gitduk/nanoclaw/internal/schedule"
	"github.com/gitduk/nanoclaw/internal/store"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

// ErrUnauthorized marks an authorization failure. Per policy it is logged
// and dropped with no side effect; nothing is surfaced to the issuer.
var ErrUnauthorized = errors.New("mailbox: unauthorized")

// GroupStore is the slice of persistence the handler needs for groups.
type GroupStore interface {
	GetGroup(ctx context.Context, jid string) (store.Group, error)
	UpsertGroup(ctx context.Context, g store.Group) error
}

// TaskStore is the slice of persistence the handler needs for tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t store.Task) error
	GetTask(ctx context.Context, id string) (store.Task, error)
	SetTaskStatus(ctx context.Context, id string, status store.TaskStatus) error
	SetTaskNextRun(ctx context.Context, id string, next *time.Time) error
	DeleteTask(ctx context.Context, id string) error
}

// Deps are the handler's side-effect surfaces, injected by the coordinator.
type Deps struct {
	Groups GroupStore
	Tasks  TaskStore

	// Send delivers an outbound message through the connector.
	Send func(ctx context.Context, chatJID, text string) error

	// RefreshGroups resyncs the group directory from the connector.
	RefreshGroups func(ctx context.Context) error

	// ProvisionGroup creates the working directory and inbox for a newly
	// registered group.
	ProvisionGroup func(ctx context.Context, g store.Group) error

	// Loc is the scheduler's time zone, used to validate schedule
	// expressions at creation.
	Loc *time.Location
}

// Handler authorizes and applies commands. The issuer is passed in
// explicitly, resolved by the poller from the mailbox directory, never
// recovered from command content.
type Handler struct {
	deps Deps
	log  logx.Logger
}

func NewHandler(deps Deps, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{deps: deps, log: log}
}

// Handle applies one command on behalf of issuer. It returns
// ErrUnauthorized (possibly wrapped) for permission failures and other
// errors for effect failures; it performs no side effect before the
// authorization check passes.
func (h *Handler) Handle(ctx context.Context, issuer store.Group, cmd Command) error {
	switch cmd.Type {
	case CmdMessage:
		return h.handleMessage(ctx, issuer, cmd)
	case CmdScheduleTask:
		return h.handleScheduleTask(ctx, issuer, cmd)
	case CmdPauseTask:
		return h.handleTaskStatus(ctx, issuer, cmd.TaskID, store.TaskPaused)
	case CmdResumeTask:
		return h.handleResumeTask(ctx, issuer, cmd.TaskID)
	case CmdCancelTask:
		return h.handleCancelTask(ctx, issuer, cmd.TaskID)
	case CmdRefreshGroups:
		if !issuer.IsMain {
			return fmt.Errorf("%w: refresh_groups from %q", ErrUnauthorized, issuer.Folder)
		}
		return h.deps.RefreshGroups(ctx)
	case CmdRegisterGroup:
		return h.handleRegisterGroup(ctx, issuer, cmd)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (h *Handler) handleMessage(ctx context.Context, issuer store.Group, cmd Command) error {
	if cmd.ChatTarget != issuer.JID && !issuer.IsMain {
		return fmt.Errorf("%w: %q may not send to %q", ErrUnauthorized, issuer.Folder, cmd.ChatTarget)
	}
	return h.deps.Send(ctx, cmd.ChatTarget, cmd.Text)
}

func (h *Handler) handleScheduleTask(ctx context.Context, issuer store.Group, cmd Command) error {
	targetJID := strings.TrimSpace(cmd.TargetGroup)
	if targetJID == "" {
		targetJID = issuer.JID
	}
	if targetJID != issuer.JID && !issuer.IsMain {
		return fmt.Errorf("%w: %q may not schedule for %q", ErrUnauthorized, issuer.Folder, targetJID)
	}
	target, err := h.deps.Groups.GetGroup(ctx, targetJID)
	if err != nil {
		return fmt.Errorf("resolve target group %q: %w", targetJID, err)
	}

	// Invalid expressions are rejected here, before anything is persisted.
	kind := store.TaskKind(cmd.ScheduleType)
	now := time.Now()
	next, err := schedule.FirstRun(kind, cmd.ScheduleValue, now, h.deps.Loc)
	if err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}

	cmode := store.ContextIsolated
	if cmd.ContextMode == string(store.ContextSession) {
		cmode = store.ContextSession
	}

	t := store.Task{
		ID:        uuid.NewString(),
		GroupJID:  target.JID,
		ChatJID:   target.JID,
		Prompt:    cmd.Prompt,
		Kind:      kind,
		Expr:      cmd.ScheduleValue,
		Context:   cmode,
		Status:    store.TaskActive,
		NextRun:   next,
		CreatedAt: now,
	}
	if err := h.deps.Tasks.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	h.log.Info("task created",
		logx.String("task", t.ID),
		logx.String("group", target.JID),
		logx.String("kind", string(kind)),
		logx.Time("next", *next))
	return nil
}

func (h *Handler) authorizeTask(ctx context.Context, issuer store.Group, taskID string) (store.Task, error) {
	t, err := h.deps.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, fmt.Errorf("load task %q: %w", taskID, err)
	}
	if t.GroupJID != issuer.JID && !issuer.IsMain {
		return store.Task{}, fmt.Errorf("%w: %q does not own task %q", ErrUnauthorized, issuer.Folder, taskID)
	}
	return t, nil
}

func (h *Handler) handleTaskStatus(ctx context.Context, issuer store.Group, taskID string, status store.TaskStatus) error {
	if _, err := h.authorizeTask(ctx, issuer, taskID); err != nil {
		return err
	}
	return h.deps.Tasks.SetTaskStatus(ctx, taskID, status)
}

// handleResumeTask recomputes next_run from now so a long-paused task does
// not fire immediately on its stale timestamp.
func (h *Handler) handleResumeTask(ctx context.Context, issuer store.Group, taskID string) error {
	t, err := h.authorizeTask(ctx, issuer, taskID)
	if err != nil {
		return err
	}
	next, err := schedule.ResumeFrom(t.Kind, t.Expr, time.Now(), h.deps.Loc)
	if err != nil {
		return fmt.Errorf("resume task %q: %w", taskID, err)
	}
	if next == nil {
		// One-shot whose time has passed: resuming it cannot produce a
		// future fire, leave it deactivated.
		return fmt.Errorf("resume task %q: one-shot already expired", taskID)
	}
	if err := h.deps.Tasks.SetTaskNextRun(ctx, taskID, next); err != nil {
		return err
	}
	return h.deps.Tasks.SetTaskStatus(ctx, taskID, store.TaskActive)
}

func (h *Handler) handleCancelTask(ctx context.Context, issuer store.Group, taskID string) error {
	if _, err := h.authorizeTask(ctx, issuer, taskID); err != nil {
		return err
	}
	return h.deps.Tasks.DeleteTask(ctx, taskID)
}

func (h *Handler) handleRegisterGroup(ctx context.Context, issuer store.Group, cmd Command) error {
	if !issuer.IsMain {
		return fmt.Errorf("%w: register_group from %q", ErrUnauthorized, issuer.Folder)
	}

	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		name = cmd.Folder
	}
	g := store.Group{
		JID:             cmd.GroupJID,
		Name:            name,
		Folder:          cmd.Folder,
		Trigger:         strings.TrimSpace(cmd.Trigger),
		RequiresTrigger: true,
		CreatedAt:       time.Now(),
	}
	if err := h.deps.Groups.UpsertGroup(ctx, g); err != nil {
		return fmt.Errorf("register group %q: %w", g.JID, err)
	}
	if err := h.deps.ProvisionGroup(ctx, g); err != nil {
		return fmt.Errorf("provision group %q: %w", g.Folder, err)
	}
	h.log.Info("group registered", logx.String("jid", g.JID), logx.String("folder", g.Folder))
	return nil
}

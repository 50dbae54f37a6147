// Package schedule computes next-run times for cron, interval, and one-shot
// tasks and hands due tasks to the execution queue.
package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gitduk/nanoclaw/internal/eventbus"
	"github.com/gitduk/nanoclaw/internal/store"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

// TaskStore is the slice of the persistence layer the scheduler needs.
type TaskStore interface {
	DueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	SetTaskNextRun(ctx context.Context, id string, next *time.Time) error
	SetTaskStatus(ctx context.Context, id string, status store.TaskStatus) error
	AppendTaskRun(ctx context.Context, r store.TaskRun) error
}

// FireFunc hands a due task to the coordinator, which buffers it as synthetic
// work and signals the execution queue. It must not block on the execution
// itself; the run record is written by whoever runs the work.
type FireFunc func(ctx context.Context, t store.Task)

type Config struct {
	TickInterval time.Duration // default 1m
	Timezone     string        // IANA TZ; empty means local

	// StaleOncePolicy: "fire" (default) runs an overdue one-shot once on the
	// next tick; "skip" deactivates it without running.
	StaleOncePolicy string

	// StaleOnceAfter is how overdue a one-shot must be before the skip
	// policy applies. Fire-policy ignores it. Default 24h.
	StaleOnceAfter time.Duration
}

type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	tasks TaskStore
	fire  FireFunc
	loc   *time.Location

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

func New(cfg Config, tasks TaskStore, fire FireFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.StaleOnceAfter <= 0 {
		cfg.StaleOnceAfter = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	return &Service{cfg: cfg, log: log, bus: bus, tasks: tasks, fire: fire, loc: loc}
}

// Location returns the scheduler's resolved time zone, shared with schedule
// validation at task creation.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.stopped)
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.TickInterval), logx.String("tz", s.loc.String()))
}

// Stop halts ticking. In-flight fires already handed to the queue proceed.
func (s *Service) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	stopped := s.stopped
	s.stopCh = nil
	s.stopped = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
	s.log.Info("scheduler stopped")
}

func (s *Service) loop(ctx context.Context, stopCh, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// First pass immediately so fires missed during downtime are not delayed
	// by a full tick on top of the outage.
	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick advances every due task: the new next_run is computed and persisted
// BEFORE firing, so a crash mid-fire can cost at most one duplicate run,
// never an unbounded replay.
func (s *Service) tick(ctx context.Context, now time.Time) {
	due, err := s.tasks.DueTasks(ctx, now)
	if err != nil {
		s.log.Error("loading due tasks", logx.Err(err))
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		s.advance(ctx, t, now)
	}
}

func (s *Service) advance(ctx context.Context, t store.Task, now time.Time) {
	if t.Kind == store.TaskOnce && s.skipStale(ctx, t, now) {
		return
	}

	next, err := Next(t.Kind, t.Expr, now, s.loc)
	if err != nil {
		// The expression was valid at creation; treat corruption as a pause,
		// not a crash loop.
		s.log.Error("task has unparseable schedule, pausing", logx.String("task", t.ID), logx.String("expr", t.Expr), logx.Err(err))
		_ = s.tasks.SetTaskNextRun(ctx, t.ID, nil)
		_ = s.tasks.SetTaskStatus(ctx, t.ID, store.TaskPaused)
		return
	}

	if t.Kind == store.TaskOnce {
		// One-shot: exhausted after this firing.
		next = nil
	}
	if err := s.tasks.SetTaskNextRun(ctx, t.ID, next); err != nil {
		// Do not fire without a committed next_run; firing anyway would
		// replay this task on every tick after a store hiccup.
		s.log.Error("persisting next_run failed, deferring fire", logx.String("task", t.ID), logx.Err(err))
		return
	}
	if t.Kind == store.TaskOnce {
		if err := s.tasks.SetTaskStatus(ctx, t.ID, store.TaskPaused); err != nil {
			s.log.Error("deactivating one-shot failed", logx.String("task", t.ID), logx.Err(err))
		}
	}

	s.log.Info("task fired",
		logx.String("task", t.ID),
		logx.String("group", t.GroupJID),
		logx.String("kind", string(t.Kind)),
		logx.Time("next", deref(next)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFired, Data: t.ID})
	}
	s.fire(ctx, t)
}

// skipStale applies the stale one-shot policy. Returns true when the task was
// consumed (deactivated without firing).
func (s *Service) skipStale(ctx context.Context, t store.Task, now time.Time) bool {
	if strings.ToLower(strings.TrimSpace(s.cfg.StaleOncePolicy)) != "skip" {
		return false
	}
	if t.NextRun == nil || now.Sub(*t.NextRun) <= s.cfg.StaleOnceAfter {
		return false
	}

	s.log.Warn("skipping stale one-shot task",
		logx.String("task", t.ID),
		logx.Time("was_due", *t.NextRun),
		logx.Duration("overdue", now.Sub(*t.NextRun)))
	_ = s.tasks.SetTaskNextRun(ctx, t.ID, nil)
	_ = s.tasks.SetTaskStatus(ctx, t.ID, store.TaskPaused)
	if err := s.tasks.AppendTaskRun(ctx, store.TaskRun{
		TaskID:  t.ID,
		FiredAt: now,
		OK:      false,
		Error:   "skipped: stale one-shot",
	}); err != nil {
		s.log.Error("recording stale skip failed", logx.String("task", t.ID), logx.Err(err))
	}
	return true
}

// ResumeFrom recomputes a task's next_run from now, used when a paused task
// is resumed so it does not fire immediately on a stale timestamp.
func ResumeFrom(kind store.TaskKind, expr string, now time.Time, loc *time.Location) (*time.Time, error) {
	return Next(kind, expr, now, loc)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

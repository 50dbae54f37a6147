// Package queue serializes agent executions per group and bounds global
// concurrency. It is purely an admission controller: it decides when a
// group's executor callback runs, never what the work is.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitduk/nanoclaw/internal/eventbus"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
)

var (
	ErrStopped    = errors.New("queue: stopped")
	ErrNoExecutor = errors.New("queue: no executor installed")
)

// ExecutorFunc runs all pending work for one group. It reports whether the
// group's input was fully drained; false re-queues the group immediately.
type ExecutorFunc func(ctx context.Context, groupJID string) (drained bool, err error)

type Config struct {
	// MaxConcurrent caps simultaneously running executions across groups.
	MaxConcurrent int

	// ExecTimeout is the hard wall-clock bound for one execution. On expiry
	// the executor call is abandoned and the slot released as if it errored.
	ExecTimeout time.Duration
}

type slot struct {
	status     Status
	recheck    bool
	signaledAt time.Time
}

// GroupQueue guarantees at most one running execution per group and at most
// MaxConcurrent running executions overall. Signals arriving while a group
// runs coalesce into exactly one follow-up execution.
type GroupQueue struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	exec  ExecutorFunc
	slots map[string]*slot
	ready []string // FIFO by signal arrival
	run   int

	started  bool
	draining bool
	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{} // one tick per completed execution
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *GroupQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GroupQueue{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		slots:  map[string]*slot{},
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}, 256),
	}
}

// SetExecutor installs the callback. Must be called before Start.
func (q *GroupQueue) SetExecutor(fn ExecutorFunc) {
	q.mu.Lock()
	q.exec = fn
	q.mu.Unlock()
}

// Start launches the dispatch loop. It returns once the loop is running.
func (q *GroupQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exec == nil {
		return ErrNoExecutor
	}
	if q.started {
		return nil
	}
	q.started = true
	go q.dispatch(ctx)
	return nil
}

// Signal marks that a group has pending work. Idempotent while the group is
// already queued; while running it sets a re-check bit so work arriving
// mid-execution triggers exactly one follow-up run.
func (q *GroupQueue) Signal(groupJID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return ErrStopped
	}

	s := q.slots[groupJID]
	if s == nil {
		s = &slot{status: StatusIdle}
		q.slots[groupJID] = s
	}
	switch s.status {
	case StatusIdle:
		s.status = StatusQueued
		s.signaledAt = time.Now()
		q.ready = append(q.ready, groupJID)
		q.wakeLocked()
	case StatusQueued:
		// Coalesced; nothing to do.
	case StatusRunning:
		s.recheck = true
	}
	return nil
}

// StatusOf reports the group's current slot status.
func (q *GroupQueue) StatusOf(groupJID string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s := q.slots[groupJID]; s != nil {
		return s.status
	}
	return StatusIdle
}

// ActiveCount reports the number of currently running executions.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.run
}

// QueuedCount reports the number of groups waiting for a slot.
func (q *GroupQueue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Shutdown stops admitting new work and waits up to grace for in-flight
// executions. It returns the number still running when it gave up; the
// caller decides whether to escalate.
func (q *GroupQueue) Shutdown(grace time.Duration) int {
	q.mu.Lock()
	q.draining = true
	running := q.run
	q.mu.Unlock()
	close(q.stopCh)

	if running == 0 {
		return 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-q.doneCh:
			q.mu.Lock()
			running = q.run
			q.mu.Unlock()
			if running == 0 {
				return 0
			}
		case <-timer.C:
			q.mu.Lock()
			running = q.run
			q.mu.Unlock()
			if running > 0 {
				q.log.Warn("shutdown grace elapsed with executions in flight", logx.Int("running", running))
			}
			return running
		}
	}
}

func (q *GroupQueue) wakeLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *GroupQueue) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.draining || q.run >= q.cfg.MaxConcurrent || len(q.ready) == 0 {
				q.mu.Unlock()
				break
			}
			jid := q.ready[0]
			q.ready = q.ready[1:]
			s := q.slots[jid]
			if s == nil || s.status != StatusQueued {
				q.mu.Unlock()
				continue
			}
			s.status = StatusRunning
			s.recheck = false
			q.run++
			q.mu.Unlock()

			go q.runOne(ctx, jid)
		}
	}
}

func (q *GroupQueue) runOne(ctx context.Context, jid string) {
	start := time.Now()
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeExecStarted, Data: jid})
	}

	runCtx, cancel := context.WithTimeout(ctx, q.cfg.ExecTimeout)

	type result struct {
		drained bool
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		drained, err := q.exec(runCtx, jid)
		resCh <- result{drained: drained, err: err}
	}()

	var (
		res      result
		returned bool
		timedOut bool
	)
	select {
	case res = <-resCh:
		returned = true
	case <-runCtx.Done():
		// The call is abandoned; a late result is discarded and the slot is
		// released as if it had errored.
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		res = result{err: runCtx.Err()}
	}
	cancel()

	took := time.Since(start)
	switch {
	case timedOut:
		q.log.Error("execution timed out", logx.String("group", jid), logx.Duration("took", took))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypeExecTimeout, Data: jid})
		}
	case res.err != nil:
		q.log.Error("execution failed", logx.String("group", jid), logx.Duration("took", took), logx.Err(res.err))
	default:
		q.log.Debug("execution finished", logx.String("group", jid), logx.Duration("took", took), logx.Bool("drained", res.drained))
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeExecFinished, Data: jid})
	}

	q.mu.Lock()
	q.run--
	s := q.slots[jid]
	// An executor-reported not-drained re-queues even when the execution
	// errored: the group still holds pending work (a fired task, buffered
	// messages) that no future signal is guaranteed to pick up. An abandoned
	// call reported nothing; only the recheck bit can re-queue it.
	requeue := s != nil && (s.recheck || (returned && !res.drained))
	if requeue && !q.draining {
		s.status = StatusQueued
		s.recheck = false
		s.signaledAt = time.Now()
		q.ready = append(q.ready, jid)
	} else if s != nil {
		delete(q.slots, jid)
	}
	q.wakeLocked()
	q.mu.Unlock()

	select {
	case q.doneCh <- struct{}{}:
	default:
	}
}

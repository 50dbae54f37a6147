package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSignalCoalescesWhileRunning(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	q := New(Config{MaxConcurrent: 2}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		n := runs.Add(1)
		if n == 1 {
			close(started)
			<-release
		}
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	<-started

	// Several signals mid-run must collapse to exactly one follow-up.
	for i := 0; i < 5; i++ {
		if err := q.Signal("g1"); err != nil {
			t.Fatalf("Signal: %v", err)
		}
	}
	close(release)

	waitFor(t, func() bool { return runs.Load() == 2 }, "follow-up execution")
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want exactly 2", got)
	}
	if st := q.StatusOf("g1"); st != StatusIdle {
		t.Fatalf("status = %v, want idle", st)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	release := make(chan struct{})

	q := New(Config{MaxConcurrent: 2}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, jid := range []string{"a", "b", "c", "d"} {
		if err := q.Signal(jid); err != nil {
			t.Fatalf("Signal(%s): %v", jid, err)
		}
	}

	waitFor(t, func() bool { return q.ActiveCount() == 2 && q.QueuedCount() == 2 }, "two running, two queued")
	close(release)
	waitFor(t, func() bool { return q.ActiveCount() == 0 && q.QueuedCount() == 0 }, "all drained")

	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestNotDrainedRequeues(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	q := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		// First run reports leftover work, second drains.
		return runs.Add(1) >= 2, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 2 }, "requeued run")
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestExecutorErrorReleasesSlot(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	q := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		if runs.Add(1) == 1 {
			return true, errors.New("boom")
		}
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	// An errored run that drained its input must not requeue on its own.
	waitFor(t, func() bool { return runs.Load() == 1 && q.StatusOf("g1") == StatusIdle }, "slot released after error")

	// But the group accepts fresh signals afterwards.
	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal after error: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 2 }, "run after error")
}

func TestErrorWithPendingWorkRequeues(t *testing.T) {
	t.Parallel()

	// An execution that fails before draining (a transient store error, say)
	// leaves the group's buffered work behind; the queue must run it again
	// rather than wait for an unrelated future signal.
	var runs atomic.Int64
	q := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		if runs.Add(1) == 1 {
			return false, errors.New("store hiccup")
		}
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 2 }, "retry after errored not-drained run")
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want exactly 2", got)
	}
	if st := q.StatusOf("g1"); st != StatusIdle {
		t.Fatalf("status = %v, want idle", st)
	}
}

func TestExecutorPanicReleasesSlot(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	q := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		if runs.Add(1) == 1 {
			panic("executor exploded")
		}
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 1 && q.ActiveCount() == 0 }, "slot released after panic")

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal after panic: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 2 }, "run after panic")
}

func TestTimeoutAbandonsExecution(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var canceled []string
	block := make(chan struct{})

	q := New(Config{MaxConcurrent: 1, ExecTimeout: 50 * time.Millisecond}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		select {
		case <-ctx.Done():
			mu.Lock()
			canceled = append(canceled, jid)
			mu.Unlock()
			return false, ctx.Err()
		case <-block:
			return true, nil
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("slow"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	// The slot must come back even though the executor never returned in time.
	waitFor(t, func() bool { return q.ActiveCount() == 0 && q.StatusOf("slow") == StatusIdle }, "slot released on timeout")

	mu.Lock()
	gotCancel := len(canceled) > 0
	mu.Unlock()
	if !gotCancel {
		// The abandoned call still observes cancellation shortly after.
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(canceled) > 0
		}, "abandoned executor saw cancellation")
	}
}

func TestFIFOAcrossGroups(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	q := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		mu.Lock()
		order = append(order, jid)
		first := len(order) == 1
		mu.Unlock()
		if first {
			<-release
		}
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("a"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, "first execution started")

	for _, jid := range []string{"b", "c", "d"} {
		if err := q.Signal(jid); err != nil {
			t.Fatalf("Signal(%s): %v", jid, err)
		}
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, "all executions ran")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	for i, jid := range want {
		if order[i] != jid {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownRejectsSignalsAndReportsStragglers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)

	q := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.SetExecutor(func(ctx context.Context, jid string) (bool, error) {
		close(started)
		<-block
		return true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Signal("g1"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	<-started

	remaining := q.Shutdown(20 * time.Millisecond)
	if remaining != 1 {
		t.Fatalf("Shutdown remaining = %d, want 1", remaining)
	}
	if err := q.Signal("g2"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Signal after shutdown = %v, want ErrStopped", err)
	}
}

func TestStartWithoutExecutor(t *testing.T) {
	t.Parallel()
	q := New(Config{}, logx.Nop(), nil)
	if err := q.Start(context.Background()); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("Start = %v, want ErrNoExecutor", err)
	}
}

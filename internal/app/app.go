// Package app is the composition root: it wires the store, the execution
// queue, the command mailbox, the task scheduler, and the message router
// into one supervised coordinator.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gitduk/nanoclaw/internal/agent"
	"github.com/gitduk/nanoclaw/internal/config"
	"github.com/gitduk/nanoclaw/internal/eventbus"
	"github.com/gitduk/nanoclaw/internal/mailbox"
	"github.com/gitduk/nanoclaw/internal/queue"
	"github.com/gitduk/nanoclaw/internal/router"
	"github.com/gitduk/nanoclaw/internal/runtime/supervisor"
	"github.com/gitduk/nanoclaw/internal/schedule"
	"github.com/gitduk/nanoclaw/internal/store"
	"github.com/gitduk/nanoclaw/internal/transport"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

type App struct {
	cfg *config.Config
	log logx.Logger
	bus eventbus.Bus

	st     *store.Store
	conn   transport.Connector
	src    *mailbox.FSSource
	q      *queue.GroupQueue
	rt     *router.Router
	sched  *schedule.Service
	poller *mailbox.Poller

	groupsRoot    string
	shutdownGrace time.Duration
}

// New wires every service but starts nothing. The connector is injected so
// tests can drive the coordinator with transport.Recorder.
func New(cfg *config.Config, conn transport.Connector, log logx.Logger) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := eventbus.New()

	dataDir := cfg.DataDirOrDefault()
	groupsRoot := filepath.Join(dataDir, "groups")

	busyTimeout, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.StorePath(), BusyTimeout: busyTimeout}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	src, err := mailbox.NewFSSource(groupsRoot, filepath.Join(dataDir, "dead-letter"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("setting up mailboxes: %w", err)
	}

	execTimeout, err := config.ParseDurationOrDefault("queue.exec_timeout", cfg.Queue.ExecTimeout, 10*time.Minute)
	if err != nil {
		st.Close()
		return nil, err
	}
	shutdownGrace, err := config.ParseDurationOrDefault("queue.shutdown_grace", cfg.Queue.ShutdownGrace, 30*time.Second)
	if err != nil {
		st.Close()
		return nil, err
	}
	q := queue.New(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		ExecTimeout:   execTimeout,
	}, log.With(logx.String("comp", "queue")), bus)

	runner := agent.NewCLIRunner(cfg.Agent.Command, cfg.Agent.Args, log.With(logx.String("comp", "agent")))

	a := &App{
		cfg:           cfg,
		log:           log,
		bus:           bus,
		st:            st,
		conn:          conn,
		src:           src,
		q:             q,
		groupsRoot:    groupsRoot,
		shutdownGrace: shutdownGrace,
	}

	a.rt = router.New(router.Config{
		ErrorNoticesPerMinute: cfg.Router.ErrorNoticesPerMinute,
		WorkingDirFor:         a.workingDir,
		MailboxDirFor:         a.inboxDir,
	}, st, conn, q, runner, log.With(logx.String("comp", "router")))
	q.SetExecutor(a.rt.Execute)

	tickInterval, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Minute)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.sched = schedule.New(schedule.Config{
		TickInterval:    tickInterval,
		Timezone:        cfg.Scheduler.Timezone,
		StaleOncePolicy: cfg.Scheduler.StaleOncePolicy,
	}, st, func(ctx context.Context, t store.Task) {
		a.rt.EnqueueTask(ctx, t)
	}, log.With(logx.String("comp", "scheduler")), bus)

	handler := mailbox.NewHandler(mailbox.Deps{
		Groups:         st,
		Tasks:          st,
		Send:           conn.SendText,
		RefreshGroups:  a.refreshGroups,
		ProvisionGroup: a.provisionGroup,
		Loc:            a.sched.Location(),
	}, log.With(logx.String("comp", "mailbox")))

	pollInterval, err := config.ParseDurationOrDefault("mailbox.poll_interval", cfg.Mailbox.PollInterval, 5*time.Second)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.poller = mailbox.NewPoller(mailbox.PollerConfig{PollInterval: pollInterval},
		src, handler, a.resolveIssuer, a.watchDirs,
		log.With(logx.String("comp", "mailbox")), bus)

	if err := a.bootstrap(context.Background()); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// bootstrap seeds the main group from config on first start and makes sure
// every registered group has its directories on disk.
func (a *App) bootstrap(ctx context.Context) error {
	mg := a.cfg.MainGroup
	if _, err := a.st.GetGroup(ctx, mg.JID); err == store.ErrNotFound {
		folder := mg.Folder
		if folder == "" {
			folder = "main"
		}
		g := store.Group{
			JID:             mg.JID,
			Name:            mg.Name,
			Folder:          folder,
			Trigger:         mg.Trigger,
			RequiresTrigger: mg.Trigger != "",
			IsMain:          true,
			CreatedAt:       time.Now(),
		}
		if err := a.st.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("seeding main group: %w", err)
		}
		a.log.Info("registered main group", logx.String("jid", g.JID), logx.String("folder", g.Folder))
	} else if err != nil {
		return err
	}

	groups, err := a.st.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := a.provisionGroup(ctx, g); err != nil {
			return fmt.Errorf("provisioning %q: %w", g.Folder, err)
		}
	}
	return nil
}

// Run starts everything and blocks until ctx is canceled or a supervised
// service fails fatally. Shutdown order: stop producing new work first, then
// drain in-flight executions within the grace period.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	if err := a.q.Start(sup.Context()); err != nil {
		return err
	}
	a.sched.Start(sup.Context())

	sup.GoRestart("router", a.rt.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithMaxRestarts(5),
		supervisor.WithFatalOnFinalError(true),
	)
	sup.GoRestart("mailbox-poller", a.poller.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithMaxRestarts(5),
		supervisor.WithFatalOnFinalError(true),
	)

	a.log.Info("coordinator running",
		logx.Int("max_concurrent", availableSlots(a.cfg)),
		logx.String("data_dir", a.cfg.DataDirOrDefault()))

	<-sup.Context().Done()

	a.sched.Stop()
	if err := a.conn.Stop(context.Background()); err != nil {
		a.log.Warn("stopping connector", logx.Err(err))
	}
	if remaining := a.q.Shutdown(a.shutdownGrace); remaining > 0 {
		a.log.Warn("abandoned in-flight executions at shutdown", logx.Int("count", remaining))
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Wait(waitCtx)

	if err := a.st.Close(); err != nil {
		a.log.Warn("closing store", logx.Err(err))
	}

	if err := sup.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Bus exposes lifecycle events for observers and tests.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) workingDir(folder string) string {
	return filepath.Join(a.groupsRoot, folder)
}

func (a *App) inboxDir(folder string) string {
	dir, err := a.src.InboxDir(folder)
	if err != nil {
		// Folder names are validated at registration; this is unreachable
		// for stored groups.
		return filepath.Join(a.groupsRoot, folder, "inbox")
	}
	return dir
}

func (a *App) provisionGroup(ctx context.Context, g store.Group) error {
	if err := os.MkdirAll(a.workingDir(g.Folder), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(a.inboxDir(g.Folder), 0o755)
}

func (a *App) resolveIssuer(ctx context.Context, folder string) (store.Group, error) {
	return a.st.GetGroupByFolder(ctx, folder)
}

func (a *App) watchDirs() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	groups, err := a.st.ListGroups(ctx)
	if err != nil {
		return nil
	}
	dirs := make([]string, 0, len(groups))
	for _, g := range groups {
		dirs = append(dirs, a.inboxDir(g.Folder))
	}
	return dirs
}

// refreshGroups resyncs display names from the connector's group directory
// for every registered group.
func (a *App) refreshGroups(ctx context.Context) error {
	infos, err := a.conn.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing connector groups: %w", err)
	}
	names := make(map[string]string, len(infos))
	for _, gi := range infos {
		names[gi.JID] = gi.Name
	}

	groups, err := a.st.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		name, ok := names[g.JID]
		if !ok || name == "" || name == g.Name {
			continue
		}
		g.Name = name
		if err := a.st.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("updating group %q: %w", g.JID, err)
		}
	}
	return nil
}

func availableSlots(cfg *config.Config) int {
	if cfg.Queue.MaxConcurrent > 0 {
		return cfg.Queue.MaxConcurrent
	}
	return 3
}

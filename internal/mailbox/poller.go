// Package mailbox implements the filesystem command channel between running
// executions and the coordinator: per-group inbox directories, atomic
// rename-as-claim consumption, directory-derived authorization, and a
// dead-letter area for commands that cannot be applied.
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gitduk/nanoclaw/internal/eventbus"
	"github.com/gitduk/nanoclaw/internal/store"
	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

// IssuerResolver maps a mailbox folder name to its group. Unknown folders
// fail the lookup and their commands are dead-lettered.
type IssuerResolver func(ctx context.Context, folder string) (store.Group, error)

type PollerConfig struct {
	PollInterval time.Duration // default 5s
}

// Poller drains all inboxes on a fixed interval, with fsnotify wakeups in
// between so commands are usually picked up immediately.
type Poller struct {
	cfg     PollerConfig
	src     Source
	handler *Handler
	resolve IssuerResolver
	log     logx.Logger
	bus     eventbus.Bus

	// watchDirs returns the inbox directories to watch; re-evaluated every
	// poll so newly registered groups get picked up.
	watchDirs func() []string
}

func NewPoller(cfg PollerConfig, src Source, handler *Handler, resolve IssuerResolver, watchDirs func() []string, log logx.Logger, bus eventbus.Bus) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg, src: src, handler: handler, resolve: resolve, watchDirs: watchDirs, log: log, bus: bus}
}

// Run drains mailboxes until ctx is canceled. Intended to be supervised.
func (p *Poller) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.Warn("fsnotify unavailable, falling back to polling only", logx.Err(err))
	} else {
		defer watcher.Close()
		go p.forwardEvents(ctx, watcher, wake)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.syncWatches(watcher)
		p.drainAll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (p *Poller) forwardEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("mailbox watch error", logx.Err(err))
		}
	}
}

func (p *Poller) syncWatches(watcher *fsnotify.Watcher) {
	if watcher == nil || p.watchDirs == nil {
		return
	}
	watched := map[string]bool{}
	for _, d := range watcher.WatchList() {
		watched[d] = true
	}
	for _, dir := range p.watchDirs() {
		if !watched[dir] {
			if err := watcher.Add(dir); err != nil {
				p.log.Debug("cannot watch inbox", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}

func (p *Poller) drainAll(ctx context.Context) {
	issuers, err := p.src.Issuers(ctx)
	if err != nil {
		p.log.Error("listing mailboxes", logx.Err(err))
		return
	}
	for _, issuer := range issuers {
		if ctx.Err() != nil {
			return
		}
		p.drainIssuer(ctx, issuer)
	}
}

func (p *Poller) drainIssuer(ctx context.Context, issuer string) {
	ids, err := p.src.Pending(ctx, issuer)
	if err != nil {
		p.log.Error("listing inbox", logx.String("issuer", issuer), logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	group, err := p.resolve(ctx, issuer)
	if err != nil {
		// A mailbox with no registered group cannot be authorized; its
		// commands go to dead-letter rather than being rescanned forever.
		p.log.Warn("commands from unknown mailbox", logx.String("issuer", issuer), logx.Int("count", len(ids)), logx.Err(err))
		for _, id := range ids {
			if _, cerr := p.src.Claim(ctx, issuer, id); cerr != nil {
				continue
			}
			if rerr := p.src.Reject(ctx, issuer, id, "unknown issuer"); rerr != nil {
				p.log.Error("dead-lettering command", logx.String("issuer", issuer), logx.String("id", id), logx.Err(rerr))
			}
		}
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		p.processOne(ctx, group, issuer, id)
	}
}

// processOne drives one command to exactly one terminal state:
// applied-and-deleted, or dead-lettered. Authorization failures are logged
// and deleted with no side effect (fail closed, silent to the issuer).
func (p *Poller) processOne(ctx context.Context, group store.Group, issuer, id string) {
	data, err := p.src.Claim(ctx, issuer, id)
	if errors.Is(err, ErrAlreadyClaimed) {
		return
	}
	if err != nil {
		p.log.Error("claiming command", logx.String("issuer", issuer), logx.String("id", id), logx.Err(err))
		return
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		p.log.Warn("malformed command", logx.String("issuer", issuer), logx.String("id", id), logx.Err(err))
		p.reject(ctx, issuer, id, err.Error())
		return
	}

	err = p.handler.Handle(ctx, group, cmd)
	switch {
	case err == nil:
		p.log.Debug("command applied", logx.String("issuer", issuer), logx.String("type", cmd.Type))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeCommandOK, Data: cmd.Type})
		}
		p.resolveID(ctx, issuer, id)
	case errors.Is(err, ErrUnauthorized):
		p.log.Warn("command denied", logx.String("issuer", issuer), logx.String("type", cmd.Type), logx.Err(err))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeCommandDeny, Data: cmd.Type})
		}
		p.resolveID(ctx, issuer, id)
	default:
		p.log.Error("command failed", logx.String("issuer", issuer), logx.String("type", cmd.Type), logx.Err(err))
		p.reject(ctx, issuer, id, err.Error())
	}
}

func (p *Poller) resolveID(ctx context.Context, issuer, id string) {
	if err := p.src.Resolve(ctx, issuer, id); err != nil {
		p.log.Error("removing applied command", logx.String("issuer", issuer), logx.String("id", id), logx.Err(err))
	}
}

func (p *Poller) reject(ctx context.Context, issuer, id, reason string) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeCommandDead, Data: issuer + "/" + id})
	}
	if err := p.src.Reject(ctx, issuer, id, reason); err != nil {
		p.log.Error("dead-lettering command", logx.String("issuer", issuer), logx.String("id", id), logx.Err(err))
	}
}

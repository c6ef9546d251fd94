package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/hub"
)

const (
	queueSize   = 64
	workerCount = 4
)

// Notifier is poked after the pipeline commits enrichments or attachments,
// so the stream hub picks up the new events.
type Notifier interface {
	Wake()
}

// Pipeline watches the journal for message.created and message.edited
// events, and runs the enabled plugins against each affected message on a
// small worker pool. Per message the plugins run sequentially in the order
// they are declared.
type Pipeline struct {
	svc    *hub.Service
	runner Runner
	notify Notifier
	logger *slog.Logger

	wakeCh chan struct{}
	queue  chan string // message ids

	mu       sync.Mutex
	plugins  []config.PluginConfig
	breakers map[string]*breaker
	cursor   int64
}

// New builds a pipeline. The journal cursor starts at the current maximum
// so only messages committed after construction are processed. notify may
// be nil when nothing streams.
func New(ctx context.Context, svc *hub.Service, runner Runner, plugins []config.PluginConfig, notify Notifier, logger *slog.Logger) (*Pipeline, error) {
	max, err := svc.Store().MaxEventID(ctx)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		svc:      svc,
		runner:   runner,
		notify:   notify,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
		queue:    make(chan string, queueSize),
		breakers: make(map[string]*breaker),
		cursor:   max,
	}
	p.SwapPlugins(plugins)
	return p, nil
}

// Wake signals that new journal events committed. Non-blocking.
func (p *Pipeline) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// SwapPlugins replaces the plugin set, keeping breaker state for plugins
// that survive the reload. Used by the config watcher.
func (p *Pipeline) SwapPlugins(plugins []config.PluginConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	breakers := make(map[string]*breaker, len(plugins))
	for _, pc := range plugins {
		if b, ok := p.breakers[pc.Name]; ok {
			breakers[pc.Name] = b
		} else {
			breakers[pc.Name] = &breaker{}
		}
	}
	p.plugins = plugins
	p.breakers = breakers
}

// Run starts the dispatcher and workers and blocks until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.dispatch(ctx) })
	for i := 0; i < workerCount; i++ {
		g.Go(func() error { return p.worker(ctx) })
	}
	return g.Wait()
}

// dispatch advances the journal cursor and enqueues affected messages. A
// full queue drops the message with a warning rather than stalling the
// cursor.
func (p *Pipeline) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wakeCh:
		}

		for {
			p.mu.Lock()
			cur := p.cursor
			p.mu.Unlock()

			evs, err := p.svc.Store().EventsAfter(ctx, cur, 200)
			if err != nil {
				p.logger.Error("pipeline journal read failed", "error", err)
				break
			}
			if len(evs) == 0 {
				break
			}
			for _, ev := range evs {
				if ev.Name == event.MessageCreated || ev.Name == event.MessageEdited {
					if ev.Entity != nil {
						select {
						case p.queue <- ev.Entity.ID:
						default:
							p.logger.Warn("plugin queue full, skipping message",
								"message_id", ev.Entity.ID)
						}
					}
				}
				p.mu.Lock()
				p.cursor = ev.EventID
				p.mu.Unlock()
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msgID := <-p.queue:
			p.process(ctx, msgID)
		}
	}
}

// process runs every enabled plugin against one message.
func (p *Pipeline) process(ctx context.Context, msgID string) {
	snap, err := p.svc.SnapshotMessage(ctx, msgID)
	if err != nil {
		p.logger.Warn("plugin snapshot failed", "message_id", msgID, "error", err)
		return
	}
	if snap.DeletedAt != nil {
		return
	}

	p.mu.Lock()
	plugins := make([]config.PluginConfig, len(p.plugins))
	copy(plugins, p.plugins)
	breakers := p.breakers
	p.mu.Unlock()

	for _, pc := range plugins {
		if !pc.Enabled {
			continue
		}
		br := breakers[pc.Name]
		if br == nil || !br.allow(time.Now()) {
			p.logger.Warn("plugin skipped",
				"plugin", pc.Name, "message_id", msgID, "code", FailCircuitOpen)
			continue
		}
		if err := p.invoke(ctx, pc, snap); err != nil {
			br.failure(time.Now())
			var stderrText string
			var re *RunError
			if errors.As(err, &re) {
				stderrText = re.Stderr
			}
			p.logger.Warn("plugin failed",
				"plugin", pc.Name,
				"message_id", msgID,
				"code", FailureCode(err),
				"error", err,
				"stderr", stderrText)
			continue
		}
		br.success()
	}
}

// invoke runs one plugin and commits its outputs under the staleness
// guard. A stale snapshot discards the outputs without error.
func (p *Pipeline) invoke(ctx context.Context, pc config.PluginConfig, snap *hub.Snapshot) error {
	stdin, err := encodeInvocation(snap, pc.Config)
	if err != nil {
		return &RunError{Code: FailInvalidOutput, Err: err}
	}

	stdout, err := p.runner.Run(ctx, pc, stdin)
	if err != nil {
		return err
	}

	switch pc.Type {
	case config.PluginLinkifier:
		inputs, perr := parseEnrichments(stdout, len(snap.ContentRaw))
		if perr != nil {
			return &RunError{Code: FailInvalidOutput, Err: perr}
		}
		eventID, stale, aerr := p.svc.ApplyEnrichments(ctx, snap, pc.Name, inputs)
		if aerr != nil {
			return classifyApplyError(aerr)
		}
		if stale {
			p.logger.Debug("plugin output discarded: message changed",
				"plugin", pc.Name, "message_id", snap.MessageID)
			return nil
		}
		if eventID > 0 {
			p.wakeNotify()
		}

	case config.PluginExtractor:
		inputs, perr := parseAttachments(stdout)
		if perr != nil {
			return &RunError{Code: FailInvalidOutput, Err: perr}
		}
		eventIDs, stale, aerr := p.svc.ApplyExtracted(ctx, snap, pc.Name, inputs)
		if aerr != nil {
			return classifyApplyError(aerr)
		}
		if stale {
			p.logger.Debug("plugin output discarded: message changed",
				"plugin", pc.Name, "message_id", snap.MessageID)
			return nil
		}
		if len(eventIDs) > 0 {
			p.wakeNotify()
		}
	}
	return nil
}

// classifyApplyError separates outputs the service rejected as invalid
// from genuine commit failures.
func classifyApplyError(err error) error {
	if _, ok := hub.AsError(err); ok {
		return &RunError{Code: FailInvalidOutput, Err: err}
	}
	return &RunError{Code: FailExecutionError, Err: err}
}

func (p *Pipeline) wakeNotify() {
	if p.notify != nil {
		p.notify.Wake()
	}
}

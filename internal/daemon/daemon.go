// Package daemon wires the whole hub together: single-writer lock, store,
// HTTP+WS server, plugin pipeline, and config watcher, with a clean drain
// on shutdown. One daemon per workspace, enforced by the lock file.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chorushq/chorus/internal/api"
	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/hub"
	"github.com/chorushq/chorus/internal/ids"
	"github.com/chorushq/chorus/internal/plugin"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/internal/stream"
	"github.com/chorushq/chorus/internal/workspace"
)

const drainTimeout = 10 * time.Second

// Options controls daemon startup. Zero values defer to chorus.toml and
// its defaults.
type Options struct {
	Root          string
	Host          string // overrides config when non-empty
	Port          int    // overrides config when > 0
	UnsafeNetwork bool
	Logger        *slog.Logger
}

// NewToken mints the per-instance bearer token: 32 random bytes, hex.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Run starts the daemon and blocks until ctx is canceled or a component
// fails. The writer lock, server.json, and all listeners are torn down
// before return.
func Run(ctx context.Context, opts Options) error {
	root := opts.Root
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := workspace.EnsureLayout(root); err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := AcquireLock(ctx, root); err != nil {
		return err
	}
	defer func() { _ = ReleaseLock(root) }()

	st, err := store.Open(workspace.DBPath(root), store.Options{EnableFTS: cfg.Search.Enabled})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	token, err := NewToken()
	if err != nil {
		return err
	}
	instanceID := ids.NewInstanceID()
	svc := hub.New(st, logger)

	streamHub, err := stream.New(ctx, st, instanceID, token, logger)
	if err != nil {
		return fmt.Errorf("start stream hub: %w", err)
	}

	runner := plugin.NewWASIRunner(ctx, root)
	defer func() { _ = runner.Close(context.Background()) }()
	pipeline, err := plugin.New(ctx, svc, runner, cfg.Plugins, streamHub, logger)
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	apiSrv, err := api.New(ctx, api.Options{
		Service:    svc,
		Stream:     streamHub,
		Notifiers:  []api.Notifier{pipeline},
		Limits:     cfg.Limits,
		Token:      token,
		InstanceID: instanceID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if opts.Host != "" {
		host = opts.Host
	}
	port := cfg.Server.Port
	if opts.Port > 0 {
		port = opts.Port
	}
	if !opts.UnsafeNetwork && !cfg.Server.UnsafeNetwork {
		// Token-in-file auth assumes same-machine clients; exposing the
		// port further needs an explicit opt-in.
		host = "127.0.0.1"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	schemaVer, err := st.SchemaVersion(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	dbID, err := st.DBID(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}

	sf := &ServerFile{
		InstanceID:      instanceID,
		DBID:            dbID,
		Host:            host,
		Port:            boundPort,
		PID:             os.Getpid(),
		AuthToken:       token,
		StartedAt:       time.Now().UTC().Format(time.RFC3339),
		ProtocolVersion: api.ProtocolVersion,
		SchemaVersion:   schemaVer,
	}
	if err := WriteServerFile(root, sf); err != nil {
		_ = ln.Close()
		return fmt.Errorf("write server file: %w", err)
	}
	defer func() { _ = RemoveServerFile(root) }()

	httpSrv := &http.Server{
		Handler:           apiSrv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("daemon listening",
		"host", host,
		"port", boundPort,
		"instance_id", instanceID,
		"db_id", dbID,
		"pid", os.Getpid())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(streamHub.Run(runCtx)) })
	g.Go(func() error { return ignoreCanceled(pipeline.Run(runCtx)) })
	g.Go(func() error {
		watcher := config.NewWatcher(root, logger, func(c *config.Config) {
			pipeline.SwapPlugins(c.Plugins)
		})
		return ignoreCanceled(watcher.Run(runCtx))
	})
	g.Go(func() error {
		apiSrv.PurgeStale(runCtx.Done())
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()

		apiSrv.SetDraining(true)
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		if err := httpSrv.Shutdown(drainCtx); err != nil {
			logger.Warn("drain incomplete, forcing close", "error", err)
			_ = httpSrv.Close()
		}
		streamHub.Shutdown()
		return nil
	})

	err = g.Wait()
	logger.Info("daemon stopped")
	return ignoreCanceled(err)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

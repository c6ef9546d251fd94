// Command chorus is the workspace messaging hub CLI: it initializes a
// workspace, manages the daemon, and talks to a running daemon over its
// local HTTP/WebSocket API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chorushq/chorus/internal/client"
	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/daemon"
	"github.com/chorushq/chorus/internal/logging"
	"github.com/chorushq/chorus/internal/mcp"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/internal/workspace"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagWorkspace string
	flagJSON      bool
	flagQuiet     bool
	flagVerbose   bool
)

// Exit codes beyond the usual 0/1.
const (
	exitUnreachable  = 3  // daemon not running or health probe failed
	exitAuthRejected = 4  // recorded token rejected by the daemon
	exitLockHeld     = 10 // another live daemon holds the writer lock
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chorus",
		Short: "Workspace-scoped messaging hub",
		Long: `Chorus is a local-first messaging hub for a workspace.

A single daemon owns the SQLite store and serves channels, topics,
messages, and a live event stream to CLIs, agents (via MCP), and
browser clients over loopback HTTP and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "Workspace path")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("chorus v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	// Resolve --workspace to the nearest parent containing .chorus/
	// (git-style traversal). Skip for "init", which creates .chorus/.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}
		if !cmd.Flags().Changed("workspace") {
			if root, err := workspace.FindRoot(flagWorkspace); err == nil {
				flagWorkspace = root
			}
			// Not found: keep "." — downstream reports the real error
		}
		return nil
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(topicCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps well-known failures to their documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, daemon.ErrLockHeld):
		return exitLockHeld
	case errors.Is(err, client.ErrNoDaemon), errors.Is(err, client.ErrUnreachable):
		return exitUnreachable
	case errors.Is(err, client.ErrAuthRejected):
		return exitAuthRejected
	default:
		return 1
	}
}

// connect opens a client against the workspace's recorded daemon.
func connect() (*client.Client, error) {
	c, err := client.Connect(flagWorkspace)
	if err != nil {
		if errors.Is(err, client.ErrNoDaemon) {
			return nil, fmt.Errorf("%w (run: chorus daemon start)", err)
		}
		return nil, err
	}
	return c, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// isInteractive reports whether stdin is a terminal (not piped/redirected).
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a chorus workspace",
		Long: `Creates .chorus/ under the workspace path, initializes the
message store, and writes a starter chorus.toml if one is absent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := flagWorkspace
			if err := workspace.EnsureLayout(root); err != nil {
				return err
			}

			// Open once so migrations run and the database id is minted.
			st, err := store.Open(workspace.DBPath(root), store.Options{})
			if err != nil {
				return fmt.Errorf("initialize store: %w", err)
			}
			if err := st.Close(); err != nil {
				return fmt.Errorf("close store: %w", err)
			}

			wrote, err := config.WriteStarter(root)
			if err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Println("✓ Workspace initialized")
				if wrote {
					fmt.Printf("  Config written to %s — edit anytime\n", workspace.ConfigPath(root))
				}
				fmt.Println("  Next: chorus daemon start")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			health, err := cli.Health(ctx)
			if err != nil {
				return err
			}
			if err := cli.VerifyAuth(ctx); err != nil {
				return err
			}

			if flagJSON {
				return printJSON(health)
			}
			fmt.Printf("Daemon:    %s (PID %d)\n", health.Status, health.PID)
			fmt.Printf("Instance:  %s\n", health.InstanceID)
			fmt.Printf("Uptime:    %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
			fmt.Printf("Schema:    v%d (protocol v%d)\n", health.SchemaVersion, health.ProtocolVersion)
			fmt.Printf("Address:   %s\n", cli.ServerFile().BaseURL())
			return nil
		},
	}
}

func daemonCmd() *cobra.Command {
	var (
		flagHost   string
		flagPort   int
		flagUnsafe bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the chorus daemon",
	}

	cmd.PersistentFlags().StringVar(&flagHost, "host", "", "Bind host (overrides chorus.toml)")
	cmd.PersistentFlags().IntVar(&flagPort, "port", 0, "Bind port (overrides chorus.toml)")
	cmd.PersistentFlags().BoolVar(&flagUnsafe, "unsafe-network", false,
		"Allow binding beyond loopback (no TLS; use with care)")

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemonStart(cmd.Context(), flagHost, flagPort, flagUnsafe); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon started")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemonStop(); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon stopped")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			health, err := cli.Health(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(health)
			}
			fmt.Printf("Daemon:   running (PID %d)\n", health.PID)
			fmt.Printf("Uptime:   %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
			fmt.Printf("Address:  %s\n", cli.ServerFile().BaseURL())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Ignore stop failure: a dead daemon still restarts cleanly.
			_ = daemonStop()
			time.Sleep(500 * time.Millisecond)
			if err := daemonStart(cmd.Context(), flagHost, flagPort, flagUnsafe); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon restarted")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground (internal use)",
		Hidden: true, // Hidden from help - used internally by daemon start
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonRun(flagHost, flagPort, flagUnsafe)
		},
	})

	return cmd
}

// daemonStart spawns "chorus daemon run" detached and waits for the
// daemon to publish server.json and answer its health probe.
func daemonStart(ctx context.Context, host string, port int, unsafe bool) error {
	root := flagWorkspace

	// Already running? Connect and probe before spawning a doomed child.
	if cli, err := client.Connect(root); err == nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		health, herr := cli.Health(probeCtx)
		cancel()
		if herr == nil {
			return fmt.Errorf("daemon is already running (PID %d): %w", health.PID, daemon.ErrLockHeld)
		}
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	spawnArgs := []string{"daemon", "run", "--workspace", root}
	if host != "" {
		spawnArgs = append(spawnArgs, "--host", host)
	}
	if port > 0 {
		spawnArgs = append(spawnArgs, "--port", fmt.Sprintf("%d", port))
	}
	if unsafe {
		spawnArgs = append(spawnArgs, "--unsafe-network")
	}

	child := exec.Command(executable, spawnArgs...) //nolint:gosec // executable from os.Executable()
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	child.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // New session: detach from the terminal
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	// Release so the child is adopted by init. Calling Wait() here would
	// race with our own exit and can wedge the child on macOS.
	if err := child.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	// Ready when server.json exists and /health answers.
	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for daemon to start (see %s)", workspace.LogPath(root))
		case <-ticker.C:
			cli, err := client.Connect(root)
			if err != nil {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, time.Second)
			_, err = cli.Health(probeCtx)
			cancel()
			if err == nil {
				return nil
			}
		}
	}
}

// daemonStop sends SIGTERM to the recorded PID and waits for server.json
// to disappear, which the daemon does last before releasing its lock.
func daemonStop() error {
	root := flagWorkspace

	sf, err := daemon.ReadServerFile(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("daemon is not running")
		}
		return err
	}

	proc, err := os.FindProcess(sf.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", sf.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			// Stale server.json from a crashed daemon.
			return daemon.RemoveServerFile(root)
		}
		return fmt.Errorf("signal process %d: %w", sf.PID, err)
	}

	timeout := time.After(15 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for daemon to stop (PID %d still running)", sf.PID)
		case <-ticker.C:
			if _, err := daemon.ReadServerFile(root); errors.Is(err, os.ErrNotExist) {
				return nil
			}
		}
	}
}

// daemonRun runs the daemon in the foreground until SIGINT/SIGTERM.
func daemonRun(host string, port int, unsafe bool) error {
	root := flagWorkspace
	if err := workspace.EnsureLayout(root); err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	level := logging.ParseLevel(cfg.Log.Level)
	if flagVerbose {
		level = logging.ParseLevel("debug")
	}
	// Mirror to stderr only when someone is watching; under "daemon
	// start" stderr is detached.
	mirror := term.IsTerminal(int(os.Stderr.Fd()))
	logger, closer := logging.NewRotating(workspace.LogPath(root),
		cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, level, mirror)
	defer func() { _ = closer.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	return daemon.Run(ctx, daemon.Options{
		Root:          root,
		Host:          host,
		Port:          port,
		UnsafeNetwork: unsafe,
		Logger:        logger,
	})
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP stdio server",
		Long: `Serves chorus tools (post_message, list_messages, create_topic,
list_channels, list_topics, add_attachment, wait_for_event) over the
Model Context Protocol on stdin/stdout. Requires a running daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := mcp.NewServer(flagWorkspace, mcp.WithVersion(Version))
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return srv.Run(ctx)
		},
	}
}

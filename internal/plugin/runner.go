package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/workspace"
)

// Failure codes for plugin invocations. These never reach HTTP clients;
// they appear only in logs.
const (
	FailTimeout            = "TIMEOUT"
	FailWorkerCrash        = "WORKER_CRASH"
	FailInvalidOutput      = "INVALID_OUTPUT"
	FailCircuitOpen        = "CIRCUIT_OPEN"
	FailLoadError          = "LOAD_ERROR"
	FailExecutionError     = "EXECUTION_ERROR"
	FailIsolationViolation = "ISOLATION_VIOLATION"
)

// stderrCap truncates captured guest stderr for logging.
const stderrCap = 4096

// RunError classifies a failed invocation.
type RunError struct {
	Code   string
	Err    error
	Stderr string
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// FailureCode extracts the classification from an invocation error.
func FailureCode(err error) string {
	var re *RunError
	if errors.As(err, &re) {
		return re.Code
	}
	return FailWorkerCrash
}

// Runner executes one plugin against one stdin payload and returns the
// guest's stdout. The pipeline swaps in a stub for tests.
type Runner interface {
	Run(ctx context.Context, p config.PluginConfig, stdin []byte) ([]byte, error)
}

// compiledModule caches a compilation keyed by path; mtime invalidates.
type compiledModule struct {
	mod     wazero.CompiledModule
	modTime time.Time
}

// WASIRunner executes WASI command modules with wazero. Guests get stdin,
// stdout, and stderr only: no filesystem mounts, no network, no host
// environment, no arguments.
type WASIRunner struct {
	root    string
	runtime wazero.Runtime

	mu    sync.Mutex
	cache map[string]compiledModule
}

// NewWASIRunner builds a runner rooted at the workspace. The runtime is
// configured to tear down a guest when its context deadline expires.
func NewWASIRunner(ctx context.Context, root string) *WASIRunner {
	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	return &WASIRunner{
		root:    root,
		runtime: rt,
		cache:   make(map[string]compiledModule),
	}
}

// Close releases the runtime and all cached compilations.
func (w *WASIRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// Run invokes the plugin's module once. Each call instantiates a fresh
// module so no state survives between messages.
func (w *WASIRunner) Run(ctx context.Context, p config.PluginConfig, stdin []byte) ([]byte, error) {
	path := p.Module
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	// Config validation checked this at load time; re-check at the moment
	// of use in case the config changed underneath us.
	if !workspace.Within(w.root, path) {
		return nil, &RunError{Code: FailIsolationViolation,
			Err: fmt.Errorf("module path escapes the workspace")}
	}

	compiled, err := w.compile(ctx, path)
	if err != nil {
		return nil, &RunError{Code: FailLoadError, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.EffectiveTimeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous; parallel invocations of one plugin must not collide
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(newCappedWriter(&stderr, stderrCap))

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
	}
	if err != nil {
		if cerr := classifyRunError(ctx, err, stderr.String()); cerr != nil {
			return nil, cerr
		}
	}
	return stdout.Bytes(), nil
}

// compile loads and compiles the module, reusing the cache while the file
// is unchanged on disk.
func (w *WASIRunner) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat module: %w", err)
	}

	w.mu.Lock()
	cached, ok := w.cache[path]
	w.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.mod, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	mod, err := w.runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	w.mu.Lock()
	if old, ok := w.cache[path]; ok {
		_ = old.mod.Close(ctx)
	}
	w.cache[path] = compiledModule{mod: mod, modTime: info.ModTime()}
	w.mu.Unlock()
	return mod, nil
}

// classifyRunError maps an instantiation failure to the taxonomy. A clean
// exit(0) never reaches here; wazero reports it as a nil-or-zero ExitError
// which Run treats as success.
func classifyRunError(ctx context.Context, err error, stderrText string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &RunError{Code: FailTimeout, Err: err, Stderr: stderrText}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return &RunError{Code: FailExecutionError,
			Err: fmt.Errorf("exit code %d", exitErr.ExitCode()), Stderr: stderrText}
	}
	return &RunError{Code: FailWorkerCrash, Err: err, Stderr: stderrText}
}

// cappedWriter keeps the first n bytes and drops the rest, so a chatty
// guest cannot balloon the log.
type cappedWriter struct {
	dst *bytes.Buffer
	max int
}

func newCappedWriter(dst *bytes.Buffer, max int) *cappedWriter {
	return &cappedWriter{dst: dst, max: max}
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	room := c.max - c.dst.Len()
	if room > 0 {
		if len(p) > room {
			c.dst.Write(p[:room])
		} else {
			c.dst.Write(p)
		}
	}
	return len(p), nil
}

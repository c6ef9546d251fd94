package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/config"
)

func TestRunRejectsModuleOutsideWorkspace(t *testing.T) {
	root := t.TempDir()
	r := NewWASIRunner(t.Context(), root)
	defer func() { _ = r.Close(context.Background()) }()

	_, err := r.Run(t.Context(), config.PluginConfig{
		Name: "evil", Type: config.PluginLinkifier, Module: "../outside.wasm", Enabled: true,
	}, nil)
	if FailureCode(err) != FailIsolationViolation {
		t.Fatalf("code = %s (%v), want %s", FailureCode(err), err, FailIsolationViolation)
	}
}

func TestRunMissingModuleIsLoadError(t *testing.T) {
	root := t.TempDir()
	r := NewWASIRunner(t.Context(), root)
	defer func() { _ = r.Close(context.Background()) }()

	_, err := r.Run(t.Context(), config.PluginConfig{
		Name: "ghost", Type: config.PluginLinkifier, Module: "plugins/ghost.wasm", Enabled: true,
	}, nil)
	if FailureCode(err) != FailLoadError {
		t.Fatalf("code = %s (%v), want %s", FailureCode(err), err, FailLoadError)
	}
}

func TestClassifyRunError(t *testing.T) {
	ctx := context.Background()
	timedOut, cancel := context.WithCancel(ctx)
	cancel()

	if err := classifyRunError(ctx, errors.New("wasm trap: unreachable"), "boom"); FailureCode(err) != FailWorkerCrash {
		t.Errorf("trap classified %s, want %s", FailureCode(err), FailWorkerCrash)
	}
	// A canceled (not deadline-expired) context is still a crash, not a
	// timeout.
	if err := classifyRunError(timedOut, errors.New("module closed"), ""); FailureCode(err) != FailWorkerCrash {
		t.Errorf("cancel classified %s, want %s", FailureCode(err), FailWorkerCrash)
	}

	expired, cancel2 := context.WithDeadline(ctx, time.Unix(0, 0))
	defer cancel2()
	<-expired.Done()
	if err := classifyRunError(expired, errors.New("module closed with context deadline"), ""); FailureCode(err) != FailTimeout {
		t.Errorf("deadline classified %s, want %s", FailureCode(err), FailTimeout)
	}
}

func TestRunErrorCarriesStderr(t *testing.T) {
	err := classifyRunError(context.Background(), errors.New("trap"), "guest stderr text")
	var re *RunError
	if !errors.As(err, &re) || re.Stderr != "guest stderr text" {
		t.Fatalf("stderr not carried: %v", err)
	}
}

func TestFailureCodeFallsBackToCrash(t *testing.T) {
	if got := FailureCode(fmt.Errorf("opaque")); got != FailWorkerCrash {
		t.Fatalf("code = %s, want %s", got, FailWorkerCrash)
	}
}

func TestCappedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := newCappedWriter(&buf, 8)
	n, err := w.Write([]byte(strings.Repeat("x", 20)))
	if err != nil || n != 20 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if buf.Len() != 8 {
		t.Fatalf("captured %d bytes, want 8", buf.Len())
	}
	if n, _ := w.Write([]byte("more")); n != 4 || buf.Len() != 8 {
		t.Fatalf("second write grew the buffer to %d", buf.Len())
	}
}

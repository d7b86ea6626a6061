package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/doccmill/archsafe"
)

// fakeTool writes an executable script to act as the conversion binary.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docc2context")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvertSuccess(t *testing.T) {
	tool := fakeTool(t, `echo "converted" > "$2"
echo "ok"
`)
	wd := t.TempDir()
	out := filepath.Join(wd, "out.md")

	res, err := New(Config{ToolPath: tool}).Convert(context.Background(), wd, filepath.Join(wd, "in.zip"), out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Stdout, "ok") {
		t.Errorf("stdout not captured: %q", res.Stdout)
	}
	if data, err := os.ReadFile(out); err != nil || !strings.Contains(string(data), "converted") {
		t.Errorf("output file missing or wrong: %q, %v", data, err)
	}
}

func TestConvertNonZeroExit(t *testing.T) {
	tool := fakeTool(t, `echo "parse failure" >&2
exit 3
`)
	wd := t.TempDir()

	res, err := New(Config{ToolPath: tool}).Convert(context.Background(), wd, "in.zip", "out.md")
	if err != nil {
		t.Fatalf("non-zero exit must be a result, not an error: %v", err)
	}
	if res.Success() {
		t.Fatal("expected failure result")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "parse failure") {
		t.Errorf("stderr not captured: %q", res.Stderr)
	}
}

func TestTimeout(t *testing.T) {
	tool := fakeTool(t, "sleep 30\n")
	wd := t.TempDir()

	start := time.Now()
	res, err := New(Config{ToolPath: tool, Timeout: 300 * time.Millisecond}).
		Convert(context.Background(), wd, "in.zip", "out.md")
	if err != nil {
		t.Fatalf("timeout must be a result, not an error: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("process not terminated near the timeout boundary: %v", elapsed)
	}
	if res.Success() {
		t.Fatal("timed-out result must not be success")
	}
}

func TestMemoryCeiling(t *testing.T) {
	// Grows a shell variable geometrically until allocation fails under the
	// address-space ceiling; the tool must die well before the timeout.
	tool := fakeTool(t, `x=a
while :; do x="$x$x$x$x"; done
`)
	wd := t.TempDir()
	out := filepath.Join(wd, "out.md")

	res, err := New(Config{
		ToolPath:         tool,
		Timeout:          20 * time.Second,
		MemoryLimitBytes: 64 << 20,
	}).Convert(context.Background(), wd, filepath.Join(wd, "in.zip"), out)
	if err != nil {
		t.Fatalf("ceiling kill must be a result, not an error: %v", err)
	}
	if res.Success() {
		t.Fatalf("expected the memory ceiling to stop the tool, got %+v", res)
	}
	if res.TimedOut {
		t.Fatalf("tool ran into the timeout instead of the memory ceiling: %+v", res)
	}
	if !res.Signaled && res.ExitCode == 0 {
		t.Errorf("expected a signal or non-zero exit, got %+v", res)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("no output expected from a killed tool, stat: %v", err)
	}
}

func TestCancellation(t *testing.T) {
	tool := fakeTool(t, "sleep 30\n")
	wd := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := New(Config{ToolPath: tool, Timeout: time.Minute}).
		Convert(ctx, wd, "in.zip", "out.md")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHostileArgumentRejected(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	tool := fakeTool(t, `touch `+marker+"\n")
	wd := t.TempDir()

	tests := []string{
		"in.zip; rm -rf /",
		"$(reboot)",
		"a|b",
		"nul\x00byte.zip",
	}
	for _, arg := range tests {
		_, err := New(Config{ToolPath: tool}).Convert(context.Background(), wd, arg, "out.md")
		var v *archsafe.Violation
		if !errors.As(err, &v) || v.Reason != archsafe.ReasonInjection {
			t.Errorf("arg %.32q: expected injection violation, got %v", arg, err)
		}
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("tool executed despite hostile argument")
	}
}

func TestEmptyArgumentRejected(t *testing.T) {
	tool := fakeTool(t, "exit 0\n")
	_, err := New(Config{ToolPath: tool}).Convert(context.Background(), t.TempDir(), "", "out.md")
	var v *archsafe.Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected violation for empty argument, got %v", err)
	}
}

func TestEnvWhitelist(t *testing.T) {
	tool := fakeTool(t, `env > "$2"
`)
	wd := t.TempDir()
	out := filepath.Join(wd, "env.txt")

	t.Setenv("DOCCMILL_AMBIENT_SECRET", "leakme")

	res, err := New(Config{ToolPath: tool}).Convert(context.Background(), wd, "in.zip", out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !res.Success() {
		t.Fatalf("tool failed: %+v", res)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "DOCCMILL_AMBIENT_SECRET") {
		t.Fatal("ambient environment variable leaked into the child")
	}
}

func TestVersionProbe(t *testing.T) {
	tool := fakeTool(t, `echo "docc2context 1.2.3"
`)
	res, err := New(Config{ToolPath: tool}).Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(res.Stdout, "1.2.3") {
		t.Errorf("version output = %q", res.Stdout)
	}
}

func TestToolMissing(t *testing.T) {
	_, err := New(Config{ToolPath: filepath.Join(t.TempDir(), "nonexistent")}).
		Version(context.Background())
	if err == nil {
		t.Fatal("expected error for missing tool binary")
	}
}

func TestCapBuffer(t *testing.T) {
	b := newCapBuffer(10)
	n, err := b.Write([]byte("0123456789ABCDEF"))
	if err != nil || n != 16 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	got := b.String()
	if !strings.HasPrefix(got, "0123456789") {
		t.Errorf("buffer content = %q", got)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Errorf("expected truncation marker, got %q", got)
	}

	small := newCapBuffer(100)
	small.Write([]byte("hello"))
	if small.String() != "hello" {
		t.Errorf("unexpected truncation: %q", small.String())
	}
}

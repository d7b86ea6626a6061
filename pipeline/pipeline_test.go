package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/doccmill/sandbox"
	"github.com/hazyhaar/doccmill/unpack"
	"github.com/hazyhaar/doccmill/workspace"
)

// convertScript is a stand-in conversion tool: writes a Markdown file to the
// output path given as its second argument.
const convertScript = `echo "# Converted" > "$2"
`

func makeArchive(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

type testEnv struct {
	p    *Pipeline
	base string
}

func newTestEnv(t *testing.T, toolScript string, mutate func(*Pipeline)) *testEnv {
	t.Helper()
	base := t.TempDir()

	tool := filepath.Join(t.TempDir(), "docc2context")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"+toolScript), 0o755); err != nil {
		t.Fatal(err)
	}

	p := &Pipeline{
		Workspaces:     workspace.NewManager(base, "doccmill"),
		Extractor:      unpack.New(unpack.Config{}),
		Executor:       sandbox.New(sandbox.Config{ToolPath: tool, Timeout: 30 * time.Second}),
		Conversions:    semaphore.NewWeighted(4),
		MaxUploadBytes: 100 << 20,
	}
	if mutate != nil {
		mutate(p)
	}
	return &testEnv{p: p, base: base}
}

// assertSwept fails if any workspace survived.
func (e *testEnv) assertSwept(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d workspaces leaked: %v", len(entries), entries)
	}
}

func wantFailure(t *testing.T, err error, kind Kind, reason string) *Failure {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %v (%T)", err, err)
	}
	if f.Kind != kind {
		t.Fatalf("failure kind = %s, want %s (reason %s)", f.Kind, kind, f.Reason)
	}
	if reason != "" && f.Reason != reason {
		t.Fatalf("failure reason = %s, want %s", f.Reason, reason)
	}
	return f
}

func TestRunSuccess(t *testing.T) {
	env := newTestEnv(t, convertScript, nil)
	archive := makeArchive(t, map[string]string{
		"docs/guide.md": "# Guide",
		"Info.plist":    "<plist/>",
	})

	out, err := env.p.Run(context.Background(), archive, int64(archive.Len()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The workspace stays alive until the caller has streamed the output.
	rc, err := out.Open()
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("output is not a zip: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["converted.md"] {
		t.Errorf("output missing converted.md: %v", names)
	}
	if !names["extracted/docs/guide.md"] {
		t.Errorf("output missing extracted markdown: %v", names)
	}
	if names["upload.zip"] || names["extracted/Info.plist"] {
		t.Errorf("output contains non-collectible files: %v", names)
	}

	out.Close()
	env.assertSwept(t)
}

func TestRunTraversalArchive(t *testing.T) {
	env := newTestEnv(t, convertScript, nil)
	archive := makeArchive(t, map[string]string{"../../etc/passwd": "x"})

	_, err := env.p.Run(context.Background(), archive, int64(archive.Len()))
	f := wantFailure(t, err, KindSecurity, "traversal")
	if f.State != StateExtracting {
		t.Errorf("failure state = %s, want extracting", f.State)
	}
	if f.Workspace == "" {
		t.Error("failure carries no workspace token for audit correlation")
	}
	env.assertSwept(t)
}

func TestRunOversizedDeclared(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	env := newTestEnv(t, "touch "+marker+"\n", func(p *Pipeline) {
		p.MaxUploadBytes = 100 << 20
	})
	archive := makeArchive(t, map[string]string{"a.md": "x"})

	// 101MB declared against a 100MB limit: rejected before extraction,
	// before the tool could ever run.
	_, err := env.p.Run(context.Background(), archive, 101<<20)
	f := wantFailure(t, err, KindValidation, "oversize")
	if f.State != StateValidating {
		t.Errorf("failure state = %s, want validating", f.State)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatal("conversion tool ran for a rejected upload")
	}
	env.assertSwept(t)
}

func TestRunOversizedBody(t *testing.T) {
	env := newTestEnv(t, convertScript, func(p *Pipeline) {
		p.MaxUploadBytes = 1024
	})
	big := bytes.NewReader(append([]byte("PK\x03\x04"), bytes.Repeat([]byte("x"), 2048)...))

	_, err := env.p.Run(context.Background(), big, -1)
	wantFailure(t, err, KindValidation, "oversize")
	env.assertSwept(t)
}

func TestRunBadSignature(t *testing.T) {
	env := newTestEnv(t, convertScript, nil)
	_, err := env.p.Run(context.Background(), strings.NewReader("%PDF-1.4 not a zip"), 18)
	f := wantFailure(t, err, KindValidation, "bad-signature")
	if f.State != StateValidating {
		t.Errorf("failure state = %s", f.State)
	}
	env.assertSwept(t)
}

func TestRunToolFailure(t *testing.T) {
	env := newTestEnv(t, `echo "malformed archive" >&2
exit 2
`, nil)
	archive := makeArchive(t, map[string]string{"a.md": "x"})

	_, err := env.p.Run(context.Background(), archive, int64(archive.Len()))
	f := wantFailure(t, err, KindExecution, "exit-status")
	if !strings.Contains(f.Stderr, "malformed archive") {
		t.Errorf("stderr not surfaced: %q", f.Stderr)
	}
	env.assertSwept(t)
}

func TestRunTimeout(t *testing.T) {
	env := newTestEnv(t, "sleep 30\n", func(p *Pipeline) {
		p.Executor = sandbox.New(sandbox.Config{
			ToolPath: p.Executor.ToolPath(),
			Timeout:  300 * time.Millisecond,
		})
	})
	archive := makeArchive(t, map[string]string{"a.md": "x"})

	start := time.Now()
	_, err := env.p.Run(context.Background(), archive, int64(archive.Len()))
	wantFailure(t, err, KindResource, "timeout")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced near the boundary: %v", elapsed)
	}
	env.assertSwept(t)
}

func TestRunNoOutput(t *testing.T) {
	env := newTestEnv(t, "exit 0\n", nil)
	archive := makeArchive(t, map[string]string{"data.bin": "\x00\x01"})

	_, err := env.p.Run(context.Background(), archive, int64(archive.Len()))
	wantFailure(t, err, KindExecution, "no-output")
	env.assertSwept(t)
}

func TestRunCancelled(t *testing.T) {
	env := newTestEnv(t, "sleep 30\n", nil)
	archive := makeArchive(t, map[string]string{"a.md": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := env.p.Run(ctx, archive, int64(archive.Len()))
	wantFailure(t, err, KindCancelled, "request-cancelled")
	env.assertSwept(t)
}

func TestRunConcurrent(t *testing.T) {
	env := newTestEnv(t, convertScript, nil)

	const n = 10
	var wg sync.WaitGroup
	outputs := make([]*Outcome, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			archive := makeArchive(t, map[string]string{"doc.md": "# Doc"})
			outputs[i], errs[i] = env.p.Run(context.Background(), archive, int64(archive.Len()))
		}(i)
	}
	wg.Wait()

	tokens := make(map[string]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if tokens[outputs[i].Workspace] {
			t.Fatalf("workspace %s shared between requests", outputs[i].Workspace)
		}
		tokens[outputs[i].Workspace] = true
		outputs[i].Close()
	}
	env.assertSwept(t)
}

func TestCheckExecutionMapping(t *testing.T) {
	p := &Pipeline{}
	tests := []struct {
		name   string
		res    sandbox.Result
		kind   Kind
		reason string
	}{
		{"signaled", sandbox.Result{Signaled: true, ExitCode: -1}, KindResource, "killed"},
		{"timed out", sandbox.Result{TimedOut: true}, KindResource, "timeout"},
		{"non-zero exit", sandbox.Result{ExitCode: 4}, KindExecution, "exit-status"},
	}
	for _, tt := range tests {
		f := p.checkExecution(&tt.res)
		if f == nil {
			t.Fatalf("%s: expected a failure", tt.name)
		}
		if f.Kind != tt.kind || f.Reason != tt.reason {
			t.Errorf("%s: mapped to %s/%s, want %s/%s", tt.name, f.Kind, f.Reason, tt.kind, tt.reason)
		}
	}
	if f := p.checkExecution(&sandbox.Result{}); f != nil {
		t.Errorf("clean exit must not map to a failure: %+v", f)
	}
}

func TestFailureHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, 400},
		{KindSecurity, 400},
		{KindExecution, 500},
		{KindResource, 503},
		{KindWorkspace, 500},
		{KindCancelled, 499},
	}
	for _, tt := range tests {
		f := &Failure{Kind: tt.kind}
		if got := f.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

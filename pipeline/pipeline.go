// Package pipeline sequences one conversion request end to end: validate the
// upload, extract it into an ephemeral workspace, run the conversion tool in
// the sandbox, package the result, and tear the workspace down on every exit
// path without exception.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/doccmill/archsafe"
	"github.com/hazyhaar/doccmill/sandbox"
	"github.com/hazyhaar/doccmill/unpack"
	"github.com/hazyhaar/doccmill/workspace"
)

const (
	uploadName    = "upload.zip"
	extractedDir  = "extracted"
	convertedName = "converted.md"
	outputName    = "output.zip"
)

// sniffLen is how many bytes of the upload feed the signature check.
const sniffLen = 8

// Pipeline is the per-deployment wiring shared by all requests: the
// components are stateless or internally synchronized, and each Run gets its
// own workspace and state machine, so concurrent requests cannot interfere.
type Pipeline struct {
	Workspaces *workspace.Manager
	Extractor  *unpack.Extractor
	Executor   *sandbox.Executor

	// Conversions bounds the number of simultaneous tool invocations. It is
	// the only intentionally shared mutable resource across requests,
	// acquired and released symmetrically around the Converting phase.
	Conversions *semaphore.Weighted

	// MaxUploadBytes is the raw upload ceiling enforced before extraction.
	MaxUploadBytes int64

	Logger *slog.Logger
}

// Outcome is a completed conversion. The caller streams OutputPath and then
// calls Close, which releases the workspace; release never happens before
// the output has been fully read.
type Outcome struct {
	OutputPath string
	OutputSize int64
	Workspace  string // workspace token, for log correlation
	Entries    int
	Extracted  int64 // decompressed bytes
	Duration   time.Duration

	release func()
}

// Open returns a reader over the packaged output.
func (o *Outcome) Open() (io.ReadCloser, error) {
	return os.Open(o.OutputPath)
}

// Close releases the workspace holding the output. Idempotent.
func (o *Outcome) Close() {
	o.release()
}

// Run executes the full pipeline for one upload. On success the returned
// Outcome owns the workspace until Close. On failure the workspace is
// already released and the error is always a *Failure.
func (p *Pipeline) Run(ctx context.Context, upload io.Reader, declaredSize int64) (*Outcome, error) {
	start := time.Now()
	logger := p.logger()

	ws, err := p.Workspaces.Acquire()
	if err != nil {
		return nil, &Failure{
			Kind:    KindWorkspace,
			State:   StateValidating,
			Reason:  "acquire",
			Message: "could not allocate an isolated workspace",
			err:     err,
		}
	}
	// Every failure path below releases here; success hands ownership to
	// the Outcome.
	done := false
	defer func() {
		if !done {
			ws.Release()
		}
	}()

	logger = logger.With("workspace", ws.Token)

	// --- Validating ---
	uploadPath := ws.Path(uploadName)
	if _, err := p.receiveUpload(ctx, upload, uploadPath, declaredSize); err != nil {
		return nil, p.fail(logger, ws.Token, StateValidating, err)
	}

	// --- Extracting ---
	extractRes, err := p.Extractor.Extract(ctx, uploadPath, ws.Path(extractedDir))
	if err != nil {
		return nil, p.fail(logger, ws.Token, StateExtracting, err)
	}
	logger.Info("archive extracted",
		"entries", extractRes.Entries, "bytes", extractRes.Bytes, "depth", extractRes.MaxDepth)

	// --- Converting ---
	execRes, err := p.convert(ctx, ws, uploadPath)
	if err != nil {
		return nil, p.fail(logger, ws.Token, StateConverting, err)
	}
	if f := p.checkExecution(execRes); f != nil {
		f.State = StateConverting
		return nil, p.fail(logger, ws.Token, StateConverting, f)
	}

	// --- Packaging ---
	outputPath := ws.Path(outputName)
	files, err := collectOutputs(ws.Root, map[string]bool{uploadName: true, outputName: true})
	if err != nil {
		return nil, p.fail(logger, ws.Token, StatePackaging, err)
	}
	if len(files) == 0 {
		return nil, p.fail(logger, ws.Token, StatePackaging, &Failure{
			Kind:    KindExecution,
			State:   StatePackaging,
			Reason:  "no-output",
			Message: "conversion produced no output files",
		})
	}
	size, err := writeArchive(outputPath, ws.Root, files)
	if err != nil {
		return nil, p.fail(logger, ws.Token, StatePackaging, err)
	}

	// --- Done ---
	done = true
	duration := time.Since(start)
	logger.Info("pipeline done",
		"entries", extractRes.Entries, "output_files", len(files),
		"output_bytes", size, "duration_ms", duration.Milliseconds())

	return &Outcome{
		OutputPath: outputPath,
		OutputSize: size,
		Workspace:  ws.Token,
		Entries:    extractRes.Entries,
		Extracted:  extractRes.Bytes,
		Duration:   duration,
		release:    ws.Release,
	}, nil
}

// receiveUpload streams the request body into the workspace while enforcing
// the upload ceiling, then checks the container signature on the stored file.
func (p *Pipeline) receiveUpload(ctx context.Context, r io.Reader, dest string, declaredSize int64) (int64, error) {
	if declaredSize > p.MaxUploadBytes {
		return 0, &archsafe.ValidationError{
			Reason: archsafe.ReasonOversize,
			Detail: fmt.Sprintf("declared size exceeds the %d byte upload limit", p.MaxUploadBytes),
		}
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, workspace.FileMode)
	if err != nil {
		return 0, fmt.Errorf("store upload: %w", err)
	}

	// +1 so an oversize body is detected rather than silently truncated.
	written, err := io.Copy(out, io.LimitReader(readerContext(ctx, r), p.MaxUploadBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("store upload: %w", err)
	}
	if err := archsafe.CheckUploadSize(declaredSize, written, p.MaxUploadBytes); err != nil {
		return written, err
	}

	head := make([]byte, sniffLen)
	f, err := os.Open(dest)
	if err != nil {
		return written, fmt.Errorf("reopen upload: %w", err)
	}
	n, _ := f.Read(head)
	f.Close()
	if err := archsafe.CheckSignature(head[:n]); err != nil {
		return written, err
	}
	return written, nil
}

// convert runs the tool under the global conversion semaphore.
func (p *Pipeline) convert(ctx context.Context, ws *workspace.Workspace, uploadPath string) (*sandbox.Result, error) {
	if p.Conversions != nil {
		if err := p.Conversions.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.Conversions.Release(1)
	}
	return p.Executor.Convert(ctx, ws.Root, uploadPath, ws.Path(convertedName))
}

// checkExecution maps a finished tool invocation to a Failure, or nil when
// the conversion may proceed to packaging.
func (p *Pipeline) checkExecution(res *sandbox.Result) *Failure {
	switch {
	case res.TimedOut:
		return &Failure{
			Kind:    KindResource,
			Reason:  "timeout",
			Message: fmt.Sprintf("conversion exceeded the time limit (%s)", res.Duration.Round(time.Millisecond)),
			Stderr:  res.Stderr,
		}
	case res.Signaled:
		return &Failure{
			Kind:    KindResource,
			Reason:  "killed",
			Message: "conversion terminated by the resource ceiling",
			Stderr:  res.Stderr,
		}
	case res.ExitCode != 0:
		return &Failure{
			Kind:    KindExecution,
			Reason:  "exit-status",
			Message: fmt.Sprintf("conversion tool exited with status %d", res.ExitCode),
			Stderr:  res.Stderr,
		}
	}
	return nil
}

func (p *Pipeline) fail(logger *slog.Logger, token string, state State, err error) *Failure {
	f := classify(state, err)
	f.Workspace = token
	if f.Kind == KindSecurity {
		// Adversarial input is logged distinctly from ordinary failures.
		logger.Warn("security violation", "state", f.State, "reason", f.Reason, "error", err)
	} else {
		logger.Info("pipeline failed", "state", f.State, "kind", f.Kind, "reason", f.Reason, "error", err)
	}
	return f
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// readerContext cancels a blocking read when ctx is done, so a client
// disconnect mid-upload stops the pipeline instead of leaking a workspace.
func readerContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

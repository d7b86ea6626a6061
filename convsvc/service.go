// Package convsvc assembles the conversion pipeline into an HTTP service:
// archive uploads in, zip bundles out, with health reporting and
// observability hooks.
package convsvc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/doccmill/health"
	"github.com/hazyhaar/doccmill/kit"
	"github.com/hazyhaar/doccmill/observability"
	"github.com/hazyhaar/doccmill/pipeline"
	"github.com/hazyhaar/doccmill/sandbox"
	"github.com/hazyhaar/doccmill/shield"
	"github.com/hazyhaar/doccmill/unpack"
	"github.com/hazyhaar/doccmill/workspace"
)

// uploadField is the multipart form field carrying the archive.
const uploadField = "archive"

// stderrLimit caps how much tool stderr is echoed to API callers.
const stderrLimit = 2000

// Service wires the pipeline, health checks and observability sinks behind
// the HTTP API.
type Service struct {
	cfg        *Config
	pipeline   *pipeline.Pipeline
	workspaces *workspace.Manager
	checker    *health.Checker
	logger     *slog.Logger

	metrics  *observability.MetricsManager
	security *observability.SecurityLogger
	convlog  *observability.ConversionLogger

	active atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithSecurityLog attaches the security event trail.
func WithSecurityLog(sl *observability.SecurityLogger) Option {
	return func(s *Service) { s.security = sl }
}

// WithConversionLog attaches the per-request outcome log.
func WithConversionLog(cl *observability.ConversionLogger) Option {
	return func(s *Service) { s.convlog = cl }
}

// New builds the service from config. The workspace base directory is
// created if missing.
func New(cfg *Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Workspace.Base, 0o700); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	s.workspaces = workspace.NewManager(cfg.Workspace.Base, cfg.Workspace.Prefix,
		workspace.WithLogger(s.logger))

	executor := sandbox.New(sandbox.Config{
		ToolPath:         cfg.Tool.Path,
		Timeout:          cfg.ToolTimeout(),
		MemoryLimitBytes: cfg.MemoryLimitBytes(),
		EnvWhitelist:     cfg.Tool.EnvWhitelist,
		Logger:           s.logger,
	})

	extractor := unpack.New(unpack.Config{
		MaxEntries:           cfg.Archive.MaxEntries,
		MaxDepth:             cfg.Archive.MaxDepth,
		MaxDecompressedBytes: cfg.MaxDecompressedBytes(),
		MaxRatio:             cfg.Archive.MaxRatio,
		RejectHidden:         cfg.Archive.RejectHidden,
		AllowNested:          cfg.Archive.AllowNested,
		Logger:               s.logger,
	})

	s.pipeline = &pipeline.Pipeline{
		Workspaces:     s.workspaces,
		Extractor:      extractor,
		Executor:       executor,
		Conversions:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         s.logger,
	}

	s.checker = health.New(health.Config{
		Executor:      executor,
		WorkspaceBase: cfg.Workspace.Base,
	})

	return s, nil
}

// SweepWorkspaces removes orphaned workspaces older than the configured
// minimum age. Called at startup, before the listener accepts traffic.
func (s *Service) SweepWorkspaces() (int, error) {
	return s.workspaces.Sweep(s.cfg.SweepMinAge())
}

// Routes returns the service router. Middleware is applied by the caller.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/convert", s.handleConvert)
	r.Get("/v1/health", s.handleHealth)
	return r
}

func (s *Service) handleConvert(w http.ResponseWriter, r *http.Request) {
	logger := shield.GetLogger(r.Context())

	// Ceiling on the whole body: the archive limit plus multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes()+(1<<20))

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "bad-request",
			"multipart/form-data body expected"))
		return
	}

	var upload io.Reader
	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "bad-request",
				"malformed multipart body"))
			return
		}
		if part.FormName() == uploadField {
			upload = part
			break
		}
		io.Copy(io.Discard, part)
		part.Close()
	}
	if upload == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "bad-request",
			"missing multipart field \""+uploadField+"\""))
		return
	}

	s.active.Add(1)
	s.gauge(observability.MetricActiveConversions, float64(s.active.Load()))
	defer func() {
		s.active.Add(-1)
		s.gauge(observability.MetricActiveConversions, float64(s.active.Load()))
	}()

	// Content-Length covers multipart framing too, so the exact archive size
	// is unknown up front; the pipeline enforces the ceiling while streaming.
	out, err := s.pipeline.Run(r.Context(), upload, -1)
	if err != nil {
		s.recordFailure(r, err)
		writeFailure(w, err)
		return
	}
	s.recordSuccess(r, out)

	rc, err := out.Open()
	if err != nil {
		out.Close()
		logger.Error("open output archive", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", "internal",
			"could not read packaged output"))
		return
	}
	defer out.Close()
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="output.zip"`)
	w.Header().Set("Content-Length", strconv.FormatInt(out.OutputSize, 10))

	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(w, rc, buf); err != nil {
		// Response already started; nothing to send but a log line.
		logger.Warn("output stream interrupted", "error", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusError {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Service) recordSuccess(r *http.Request, out *pipeline.Outcome) {
	durationMs := out.Duration.Milliseconds()
	if s.metrics != nil {
		s.metrics.Record(&observability.Metric{
			Name:      observability.MetricConversionDurationMs,
			Timestamp: time.Now(),
			Value:     float64(durationMs),
			Unit:      "milliseconds",
			Labels:    map[string]string{"status": "done"},
		})
		s.metrics.RecordSimple(observability.MetricExtractionEntries, float64(out.Entries), "count")
		s.metrics.RecordSimple(observability.MetricExtractedBytes, float64(out.Extracted), "bytes")
		s.metrics.RecordSimple(observability.MetricOutputBytes, float64(out.OutputSize), "bytes")
	}
	if s.convlog != nil {
		s.convlog.Log(r.Context(), observability.ConversionRecord{
			RequestID:      kit.GetTraceID(r.Context()),
			Status:         "done",
			EntryCount:     int64(out.Entries),
			ExtractedBytes: out.Extracted,
			OutputBytes:    out.OutputSize,
			DurationMs:     durationMs,
			RemoteAddr:     kit.GetRemoteAddr(r.Context()),
		})
	}
}

func (s *Service) recordFailure(r *http.Request, err error) {
	var f *pipeline.Failure
	if !errors.As(err, &f) {
		return
	}
	if s.metrics != nil {
		s.metrics.Record(&observability.Metric{
			Name:      observability.MetricConversionFailures,
			Timestamp: time.Now(),
			Value:     1,
			Unit:      "count",
			Labels:    map[string]string{"kind": string(f.Kind), "reason": f.Reason},
		})
	}
	if s.convlog != nil {
		s.convlog.Log(r.Context(), observability.ConversionRecord{
			RequestID:     kit.GetTraceID(r.Context()),
			Status:        "failed",
			FailureKind:   string(f.Kind),
			FailureReason: f.Reason,
			RemoteAddr:    kit.GetRemoteAddr(r.Context()),
		})
	}
	if s.security != nil && f.Kind == pipeline.KindSecurity {
		s.security.LogAsync(&observability.SecurityEvent{
			Reason:         f.Reason,
			Stage:          string(f.State),
			Detail:         f.Message,
			RemoteAddr:     kit.GetRemoteAddr(r.Context()),
			RequestID:      kit.GetTraceID(r.Context()),
			WorkspaceToken: f.Workspace,
		})
	}
}

func (s *Service) gauge(name string, value float64) {
	if s.metrics != nil {
		s.metrics.RecordSimple(name, value, "count")
	}
}

// writeFailure renders a pipeline failure as the API error envelope. The
// reason code is stable; messages are caller-safe and never leak paths.
func writeFailure(w http.ResponseWriter, err error) {
	var f *pipeline.Failure
	if !errors.As(err, &f) {
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", "internal",
			"conversion failed"))
		return
	}
	body := errorBody(string(f.Kind), f.Reason, f.Message)
	if f.Stderr != "" {
		stderr := f.Stderr
		if len(stderr) > stderrLimit {
			stderr = stderr[:stderrLimit] + "..."
		}
		body["stderr"] = stderr
	}
	writeJSON(w, f.HTTPStatus(), body)
}

func errorBody(kind, reason, message string) map[string]any {
	return map[string]any{
		"error":   kind,
		"reason":  reason,
		"message": message,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

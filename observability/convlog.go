package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/doccmill/idgen"
)

// ConversionRecord is the outcome of one pipeline run.
type ConversionRecord struct {
	ConversionID   string
	RequestID      string
	Timestamp      time.Time
	Status         string // "done" or "failed"
	FailureKind    string // empty on success
	FailureReason  string
	EntryCount     int64
	ExtractedBytes int64
	OutputBytes    int64
	DurationMs     int64
	RemoteAddr     string
}

// ConversionLogger writes per-request outcome rows and manages retention.
type ConversionLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// ConversionLoggerOption configures a ConversionLogger.
type ConversionLoggerOption func(*ConversionLogger)

// WithConversionIDGenerator sets a custom ID generator for conversion IDs.
func WithConversionIDGenerator(gen idgen.Generator) ConversionLoggerOption {
	return func(l *ConversionLogger) { l.newID = gen }
}

// NewConversionLogger creates a logger backed by the observability database.
func NewConversionLogger(db *sql.DB, opts ...ConversionLoggerOption) *ConversionLogger {
	l := &ConversionLogger{
		db:    db,
		newID: idgen.Prefixed("conv_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records a conversion outcome. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never fails a
// conversion that already succeeded.
func (l *ConversionLogger) Log(ctx context.Context, rec ConversionRecord) {
	if rec.ConversionID == "" {
		rec.ConversionID = l.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO conversion_log (
			conversion_id, request_id, timestamp, status,
			failure_kind, failure_reason, entry_count, extracted_bytes,
			output_bytes, duration_ms, remote_addr
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ConversionID, rec.RequestID, rec.Timestamp.Unix(), rec.Status,
		rec.FailureKind, rec.FailureReason, rec.EntryCount, rec.ExtractedBytes,
		rec.OutputBytes, rec.DurationMs, rec.RemoteAddr)
	if err != nil {
		slog.Error("conversion log failed", "error", err, "status", rec.Status)
	}
}

// Recent returns the newest conversion records, optionally filtered by status.
func (l *ConversionLogger) Recent(ctx context.Context, status string, limit int) ([]*ConversionRecord, error) {
	q := `SELECT conversion_id, request_id, timestamp, status,
		failure_kind, failure_reason, entry_count, extracted_bytes,
		output_bytes, duration_ms, remote_addr
		FROM conversion_log`
	var args []interface{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversion log: %w", err)
	}
	defer rows.Close()

	var out []*ConversionRecord
	for rows.Next() {
		var r ConversionRecord
		var ts int64
		var requestID, failureKind, failureReason, remoteAddr sql.NullString
		if err := rows.Scan(&r.ConversionID, &requestID, &ts, &r.Status,
			&failureKind, &failureReason, &r.EntryCount, &r.ExtractedBytes,
			&r.OutputBytes, &r.DurationMs, &remoteAddr); err != nil {
			return nil, fmt.Errorf("scan conversion record: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0)
		r.RequestID = requestID.String
		r.FailureKind = failureKind.String
		r.FailureReason = failureReason.String
		r.RemoteAddr = remoteAddr.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	HTTPLogsDays       int
	ConversionLogDays  int
	SecurityEventsDays int
	HeartbeatsDays     int
	RunVacuumAfter     bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// allowedTables and allowedColumns are whitelists to prevent SQL injection
	// if this pattern is ever refactored to accept external input.
	allowedTables := map[string]bool{
		"http_request_logs": true,
		"conversion_log":    true,
		"security_events":   true,
		"worker_heartbeats": true,
	}
	allowedColumns := map[string]bool{
		"created_at": true,
		"timestamp":  true,
	}

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
		{"conversion_log", "timestamp", cfg.ConversionLogDays},
		{"security_events", "timestamp", cfg.SecurityEventsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return fmt.Errorf("cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}

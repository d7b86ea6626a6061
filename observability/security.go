package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/doccmill/idgen"
)

// SecurityEvent records one rejected archive entry, blocked subprocess
// argument, or other policy violation observed while handling an upload.
type SecurityEvent struct {
	EventID   string
	Timestamp time.Time
	Reason    string // stable violation reason code, e.g. "traversal"
	Stage     string // pipeline state in which the violation surfaced
	EntryName string // offending archive entry, when applicable
	Detail    string

	RemoteAddr     string
	RequestID      string
	WorkspaceToken string
}

// SecurityFilter controls query results from the security event trail.
type SecurityFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Reason    *string
	Limit     int // default 100
}

// SecurityLogger persists security events asynchronously. Events are the
// forensic record of hostile uploads, so a full buffer falls back to a
// synchronous insert rather than dropping.
type SecurityLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *SecurityEvent
	stop  chan struct{}
	done  chan struct{}
}

// SecurityOption configures a SecurityLogger.
type SecurityOption func(*SecurityLogger)

// WithSecurityIDGenerator sets a custom ID generator for event IDs.
func WithSecurityIDGenerator(gen idgen.Generator) SecurityOption {
	return func(s *SecurityLogger) { s.newID = gen }
}

// NewSecurityLogger creates an async security logger. Recommended bufferSize: 1000.
func NewSecurityLogger(db *sql.DB, bufferSize int, opts ...SecurityOption) *SecurityLogger {
	s := &SecurityLogger{
		db:    db,
		newID: idgen.Prefixed("sec_", idgen.Default),
		ch:    make(chan *SecurityEvent, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.flushLoop()
	return s
}

// Log inserts a security event synchronously.
func (s *SecurityLogger) Log(ctx context.Context, event *SecurityEvent) error {
	s.fillDefaults(event)
	return s.insert(ctx, event)
}

// LogAsync queues an event for async persistence.
// Falls back to synchronous insert if the buffer is full.
func (s *SecurityLogger) LogAsync(event *SecurityEvent) {
	s.fillDefaults(event)
	select {
	case s.ch <- event:
	default:
		slog.Warn("security event buffer full, sync fallback", "reason", event.Reason)
		if err := s.insert(context.Background(), event); err != nil {
			slog.Error("security event: sync fallback failed", "error", err)
		}
	}
}

// Query retrieves security events matching the given filter, newest first.
func (s *SecurityLogger) Query(ctx context.Context, f *SecurityFilter) ([]*SecurityEvent, error) {
	q := `SELECT event_id, timestamp, reason, stage, entry_name, detail,
		remote_addr, request_id, workspace_token
		FROM security_events WHERE 1=1`
	var args []interface{}

	if f.StartTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.EndTime.Unix())
	}
	if f.Reason != nil {
		q += " AND reason = ?"
		args = append(args, *f.Reason)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var ts int64
		var entryName, detail, remoteAddr, requestID, workspaceToken sql.NullString

		if err := rows.Scan(&e.EventID, &ts, &e.Reason, &e.Stage,
			&entryName, &detail, &remoteAddr, &requestID, &workspaceToken); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.EntryName = entryName.String
		e.Detail = detail.String
		e.RemoteAddr = remoteAddr.String
		e.RequestID = requestID.String
		e.WorkspaceToken = workspaceToken.String
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Cleanup deletes security events older than retentionDays.
func (s *SecurityLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := s.db.ExecContext(ctx, "DELETE FROM security_events WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup security events: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (s *SecurityLogger) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *SecurityLogger) fillDefaults(e *SecurityEvent) {
	if e.EventID == "" {
		e.EventID = s.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

func (s *SecurityLogger) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*SecurityEvent, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("security events: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO security_events
			(event_id, timestamp, reason, stage, entry_name, detail,
			 remote_addr, request_id, workspace_token)
			VALUES (?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("security events: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.EventID, e.Timestamp.Unix(), e.Reason, e.Stage, e.EntryName, e.Detail,
				e.RemoteAddr, e.RequestID, e.WorkspaceToken,
			); err != nil {
				slog.Error("security events: insert", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("security events: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stop:
			// drain channel
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SecurityLogger) insert(ctx context.Context, e *SecurityEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO security_events
		(event_id, timestamp, reason, stage, entry_name, detail,
		 remote_addr, request_id, workspace_token)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.Timestamp.Unix(), e.Reason, e.Stage, e.EntryName, e.Detail,
		e.RemoteAddr, e.RequestID, e.WorkspaceToken)
	return err
}

package observability

import "database/sql"

// Schema contains the complete DDL for the conversion service's monitoring
// tables. Call Init(db) to apply it, or embed the constant in your own
// schema management.
const Schema = `
-- Worker Heartbeats
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

-- Metrics Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

-- Security Events: rejected archives, hostile entries, blocked subprocess
-- arguments. One row per violation, written out of band of the request.
CREATE TABLE IF NOT EXISTS security_events (
    event_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    reason TEXT NOT NULL,
    stage TEXT NOT NULL,
    entry_name TEXT,
    detail TEXT,
    remote_addr TEXT,
    request_id TEXT,
    workspace_token TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_security_events_reason ON security_events(reason, timestamp DESC);

-- Conversion Log: one row per pipeline run, success or failure.
CREATE TABLE IF NOT EXISTS conversion_log (
    conversion_id TEXT PRIMARY KEY,
    request_id TEXT,
    timestamp INTEGER NOT NULL,
    status TEXT NOT NULL,
    failure_kind TEXT,
    failure_reason TEXT,
    entry_count INTEGER,
    extracted_bytes INTEGER,
    output_bytes INTEGER,
    duration_ms INTEGER,
    remote_addr TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_conversion_log_time ON conversion_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_conversion_log_status ON conversion_log(status, timestamp DESC);

-- HTTP Request Logs (for retention cleanup)
CREATE TABLE IF NOT EXISTS http_request_logs (
    log_id TEXT PRIMARY KEY DEFAULT ('hrl_' || hex(randomblob(16))),
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status_code INTEGER,
    duration_ms INTEGER,
    ip_address TEXT,
    user_agent TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_http_logs_time ON http_request_logs(created_at DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('worker_heartbeats', 'Worker liveness heartbeats with runtime metrics'),
    ('metrics_timeseries', 'Timeseries metric datapoints'),
    ('security_events', 'Rejected archives and blocked subprocess invocations'),
    ('conversion_log', 'Per-request conversion pipeline outcomes'),
    ('http_request_logs', 'HTTP request logs');
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string    { return "datetime('now')" }
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) TimeParam(t time.Time) any {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func (d *SQLiteDialect) JSONParam(jsonStr string) any {
	return jsonStr
}

func (d *SQLiteDialect) MergeJSONExpr(column, placeholder string) string {
	return fmt.Sprintf("json_patch(COALESCE(%s, '{}'), %s)", column, placeholder)
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0" // always false
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(phs, ", "))
}

func (d *SQLiteDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < datetime('now', '-' || %s || ' days')", createdAtCol, ph)
}

func (d *SQLiteDialect) ArrayParam(values []string) any {
	if values == nil {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *SQLiteDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return []string{}, nil
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return []string{}, fmt.Errorf("scan array: %w", err)
	}
	return result, nil
}

func (d *SQLiteDialect) FilterCountExpr(condition string) string {
	return fmt.Sprintf("SUM(CASE WHEN %s THEN 1 ELSE 0 END)", condition)
}

func (d *SQLiteDialect) SyncCommitOff() string { return "" }

func (d *SQLiteDialect) ClaimPendingSQL(table string) string {
	// Single-writer connection makes the CTE-free form safe; the status guard
	// keeps it correct even with multiple connections.
	return fmt.Sprintf(`UPDATE %s SET status = 'running', started_at = ?1, updated_at = ?1
		WHERE id IN (
			SELECT id FROM %s WHERE status = 'pending'
			ORDER BY created_at LIMIT 1
		) AND status = 'pending'
		RETURNING *`, table, table)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT DEFAULT '[]',
    active        INTEGER DEFAULT 1,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS _tenants (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    slug       TEXT NOT NULL UNIQUE,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _tenant_members (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    role       TEXT NOT NULL DEFAULT 'member',
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE(tenant_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_tenant_members_user ON _tenant_members(user_id);

CREATE TABLE IF NOT EXISTS _subscriptions (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    plan       TEXT NOT NULL DEFAULT 'free',
    status     TEXT NOT NULL DEFAULT 'active',
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant ON _subscriptions(tenant_id, status);

CREATE TABLE IF NOT EXISTS _workflows (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    description   TEXT DEFAULT '',
    start_step_id TEXT NOT NULL,
    steps         TEXT NOT NULL DEFAULT '[]',
    enabled       INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_workflows_tenant ON _workflows(tenant_id);

CREATE TABLE IF NOT EXISTS _webhook_endpoints (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    workflow_id TEXT NOT NULL REFERENCES _workflows(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    secret      TEXT NOT NULL,
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now')),
    UNIQUE(tenant_id, secret)
);
CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON _webhook_endpoints(tenant_id, enabled);

CREATE TABLE IF NOT EXISTS _workflow_executions (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    workflow_id  TEXT NOT NULL,
    user_id      TEXT,
    status       TEXT NOT NULL DEFAULT 'pending',
    input        TEXT NOT NULL DEFAULT '{}',
    output       TEXT,
    error        TEXT,
    metrics      TEXT,
    state        TEXT,
    metadata     TEXT NOT NULL DEFAULT '{}',
    started_at   TEXT,
    completed_at TEXT,
    created_at   TEXT DEFAULT (datetime('now')),
    updated_at   TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON _workflow_executions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_executions_tenant_created ON _workflow_executions(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS _artifacts (
    id            TEXT PRIMARY KEY,
    execution_id  TEXT NOT NULL UNIQUE REFERENCES _workflow_executions(id) ON DELETE CASCADE,
    tenant_id     TEXT NOT NULL,
    workflow_id   TEXT NOT NULL,
    name          TEXT NOT NULL,
    artifact_type TEXT NOT NULL DEFAULT 'json',
    content       TEXT,
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_artifacts_tenant ON _artifacts(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS _execution_logs (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES _workflow_executions(id) ON DELETE CASCADE,
    tenant_id    TEXT NOT NULL,
    step_id      TEXT,
    step_type    TEXT,
    status       TEXT NOT NULL,
    output       TEXT,
    error        TEXT DEFAULT '',
    started_at   TEXT,
    completed_at TEXT,
    duration_ms  REAL,
    created_at   TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON _execution_logs(execution_id, created_at);

CREATE TABLE IF NOT EXISTS _trace_events (
    id              TEXT PRIMARY KEY,
    trace_id        TEXT NOT NULL,
    span_id         TEXT NOT NULL,
    parent_span_id  TEXT,
    event_type      TEXT NOT NULL,
    source          TEXT NOT NULL,
    component       TEXT NOT NULL,
    action          TEXT NOT NULL,
    tenant_id       TEXT,
    run_id          TEXT,
    user_id         TEXT,
    duration_ms     REAL,
    status          TEXT,
    metadata        TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON _trace_events (trace_id);
CREATE INDEX IF NOT EXISTS idx_trace_events_created ON _trace_events (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trace_events_run ON _trace_events (run_id);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)

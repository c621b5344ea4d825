package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// ErrNoPendingRuns is returned by ClaimNextPending when the queue is empty.
var ErrNoPendingRuns = errors.New("no pending runs")

// ErrRunNotRunning is returned when a terminal update matches no running row,
// meaning the run already reached a terminal status or never started.
var ErrRunNotRunning = errors.New("run is not running")

// RunStore persists workflow executions. Status moves one way only
// (pending -> running -> completed | failed); every transition is a guarded
// single-statement UPDATE, so a lost race surfaces as zero rows affected
// instead of a status regression.
type RunStore struct {
	Dialect store.Dialect
}

func NewRunStore(dialect store.Dialect) *RunStore {
	return &RunStore{Dialect: dialect}
}

const runColumns = "id, tenant_id, workflow_id, user_id, status, input, output, error, metrics, state, metadata, started_at, completed_at, created_at, updated_at"

// CreatePending inserts a new pending run and returns its ID.
func (rs *RunStore) CreatePending(ctx context.Context, q store.Querier,
	tenantID, workflowID string, userID string, input, metadata map[string]any) (string, error) {

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	id := store.GenerateUUID()
	pb := rs.Dialect.NewParamBuilder()
	var userParam any
	if userID != "" {
		userParam = userID
	}
	sqlStr := fmt.Sprintf(
		`INSERT INTO _workflow_executions (id, tenant_id, workflow_id, user_id, status, input, metadata)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(tenantID), pb.Add(workflowID), pb.Add(userParam),
		pb.Add(model.RunPending), pb.Add(rs.Dialect.JSONParam(string(inputJSON))),
		pb.Add(rs.Dialect.JSONParam(string(metaJSON))))

	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return "", store.MapError(rs.Dialect, err)
	}
	return id, nil
}

// ClaimNextPending atomically claims the oldest pending run: a single UPDATE
// marks it running, stamps started_at, and returns the row. Concurrent workers
// never claim the same run. Returns ErrNoPendingRuns when the queue is empty.
func (rs *RunStore) ClaimNextPending(ctx context.Context, q store.Querier) (*model.Run, error) {
	sqlStr := rs.Dialect.ClaimPendingSQL("_workflow_executions")
	now := rs.Dialect.TimeParam(time.Now())

	row, err := store.QueryRow(ctx, q, sqlStr, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPendingRuns
		}
		return nil, fmt.Errorf("claim pending run: %w", err)
	}
	return model.ParseRun(row)
}

// Complete moves a running run to completed, recording output, metrics, and
// per-step state. Returns ErrRunNotRunning if the run is not currently running.
func (rs *RunStore) Complete(ctx context.Context, q store.Querier, runID string,
	output any, metrics *model.RunMetrics, state map[string]any) error {
	return rs.finish(ctx, q, runID, model.RunCompleted, output, nil, metrics, state)
}

// Fail moves a running run to failed, recording the error and metrics.
// Returns ErrRunNotRunning if the run is not currently running.
func (rs *RunStore) Fail(ctx context.Context, q store.Querier, runID string,
	runErr *model.RunError, metrics *model.RunMetrics, state map[string]any) error {
	return rs.finish(ctx, q, runID, model.RunFailed, nil, runErr, metrics, state)
}

func (rs *RunStore) finish(ctx context.Context, q store.Querier, runID, status string,
	output any, runErr *model.RunError, metrics *model.RunMetrics, state map[string]any) error {

	outputJSON, err := marshalNullable(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	errJSON, err := marshalNullable(runErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	metricsJSON, err := marshalNullable(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	stateJSON, err := marshalNullable(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	now := rs.Dialect.TimeParam(time.Now())
	pb := rs.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`UPDATE _workflow_executions
		 SET status = %s, output = %s, error = %s, metrics = %s, state = %s,
		     completed_at = %s, updated_at = %s
		 WHERE id = %s AND status = %s`,
		pb.Add(status), pb.Add(jsonParamOrNil(rs.Dialect, outputJSON)),
		pb.Add(jsonParamOrNil(rs.Dialect, errJSON)), pb.Add(jsonParamOrNil(rs.Dialect, metricsJSON)),
		pb.Add(jsonParamOrNil(rs.Dialect, stateJSON)),
		pb.Add(now), pb.Add(now),
		pb.Add(runID), pb.Add(model.RunRunning))

	n, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotRunning
	}
	return nil
}

// MergeMetadata merges the given keys into the run's metadata as one atomic
// JSON merge at the database. No read-modify-write, so concurrent writers
// cannot clobber each other's keys.
func (rs *RunStore) MergeMetadata(ctx context.Context, q store.Querier, runID string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}

	pb := rs.Dialect.NewParamBuilder()
	ph := pb.Add(rs.Dialect.JSONParam(string(patchJSON)))
	sqlStr := fmt.Sprintf(
		`UPDATE _workflow_executions SET metadata = %s, updated_at = %s WHERE id = %s`,
		rs.Dialect.MergeJSONExpr("metadata", ph),
		pb.Add(rs.Dialect.TimeParam(time.Now())), pb.Add(runID))

	n, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get loads a run scoped to a tenant.
func (rs *RunStore) Get(ctx context.Context, q store.Querier, tenantID, runID string) (*model.Run, error) {
	pb := rs.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT %s FROM _workflow_executions WHERE id = %s AND tenant_id = %s`,
		runColumns, pb.Add(runID), pb.Add(tenantID))

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return model.ParseRun(row)
}

// List returns a tenant's runs, newest first, optionally filtered to the
// given statuses.
func (rs *RunStore) List(ctx context.Context, q store.Querier, tenantID string, statuses []string, limit int) ([]*model.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	pb := rs.Dialect.NewParamBuilder()
	where := fmt.Sprintf("tenant_id = %s", pb.Add(tenantID))
	if len(statuses) > 0 {
		values := make([]any, len(statuses))
		for i, status := range statuses {
			values[i] = status
		}
		where += " AND " + rs.Dialect.InExpr("status", pb, values)
	}
	sqlStr := fmt.Sprintf(
		`SELECT %s FROM _workflow_executions WHERE %s ORDER BY created_at DESC LIMIT %d`,
		runColumns, where, limit)

	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}

	runs := make([]*model.Run, 0, len(rows))
	for _, row := range rows {
		r, err := model.ParseRun(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// CountPending returns how many runs are waiting for a worker.
func (rs *RunStore) CountPending(ctx context.Context, q store.Querier) (int, error) {
	pb := rs.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT COUNT(*) AS n FROM _workflow_executions WHERE status = %s`,
		pb.Add(model.RunPending))
	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return 0, err
	}
	if n, ok := row["n"].(int64); ok {
		return int(n), nil
	}
	return 0, nil
}

func marshalNullable(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case *model.RunError:
		if val == nil {
			return "", nil
		}
	case *model.RunMetrics:
		if val == nil {
			return "", nil
		}
	case map[string]any:
		if val == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func jsonParamOrNil(d store.Dialect, jsonStr string) any {
	if jsonStr == "" {
		return nil
	}
	return d.JSONParam(jsonStr)
}

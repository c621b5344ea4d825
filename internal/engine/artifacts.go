package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// ArtifactWriter persists run artifacts and execution logs.
type ArtifactWriter struct {
	Dialect store.Dialect
}

func NewArtifactWriter(dialect store.Dialect) *ArtifactWriter {
	return &ArtifactWriter{Dialect: dialect}
}

// CreateForRun writes the artifact for a completed run. The execution_id
// UNIQUE constraint makes this idempotent: a second write for the same run
// returns the existing artifact's ID instead of creating a duplicate.
func (w *ArtifactWriter) CreateForRun(ctx context.Context, q store.Querier,
	run *model.Run, workflowName string, content any) (string, error) {

	artifactType := "json"
	if _, ok := content.(string); ok {
		artifactType = "text"
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal artifact content: %w", err)
	}
	metaJSON, err := json.Marshal(map[string]any{
		"created_by":   "system",
		"execution_id": run.ID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal artifact metadata: %w", err)
	}

	id := store.GenerateUUID()
	pb := w.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _artifacts (id, execution_id, tenant_id, workflow_id, name, artifact_type, content, metadata)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(run.ID), pb.Add(run.TenantID), pb.Add(run.WorkflowID),
		pb.Add(fmt.Sprintf("%s output", workflowName)), pb.Add(artifactType),
		pb.Add(w.Dialect.JSONParam(string(contentJSON))), pb.Add(w.Dialect.JSONParam(string(metaJSON))))

	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		mapped := store.MapError(w.Dialect, err)
		if errors.Is(mapped, store.ErrUniqueViolation) {
			existing, lookupErr := w.GetForRun(ctx, q, run.TenantID, run.ID)
			if lookupErr != nil {
				return "", lookupErr
			}
			return existing.ID, nil
		}
		return "", mapped
	}
	return id, nil
}

// GetForRun loads the artifact belonging to a run, scoped to a tenant.
func (w *ArtifactWriter) GetForRun(ctx context.Context, q store.Querier, tenantID, runID string) (*model.Artifact, error) {
	pb := w.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT id, execution_id, tenant_id, workflow_id, name, artifact_type, content, metadata, created_at
		 FROM _artifacts WHERE execution_id = %s AND tenant_id = %s`,
		pb.Add(runID), pb.Add(tenantID))

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return model.ParseArtifact(row)
}

// AppendLog writes one execution log record. Log failures are reported but
// must never fail the run, so errors are logged and swallowed by callers
// that pass through LogStep.
func (w *ArtifactWriter) AppendLog(ctx context.Context, q store.Querier, entry *model.ExecutionLog) error {
	var outputJSON any
	if entry.Output != nil {
		b, err := json.Marshal(entry.Output)
		if err != nil {
			return fmt.Errorf("marshal log output: %w", err)
		}
		outputJSON = w.Dialect.JSONParam(string(b))
	}

	var startedAt, completedAt any
	if entry.StartedAt != nil {
		startedAt = w.Dialect.TimeParam(*entry.StartedAt)
	}
	if entry.CompletedAt != nil {
		completedAt = w.Dialect.TimeParam(*entry.CompletedAt)
	}

	pb := w.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _execution_logs (id, execution_id, tenant_id, step_id, step_type, status, output, error, started_at, completed_at, duration_ms)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(store.GenerateUUID()), pb.Add(entry.ExecutionID), pb.Add(entry.TenantID),
		pb.Add(entry.StepID), pb.Add(entry.StepType), pb.Add(entry.Status),
		pb.Add(outputJSON), pb.Add(entry.Error), pb.Add(startedAt), pb.Add(completedAt),
		pb.Add(entry.DurationMs))

	_, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
	return err
}

// LogStep is AppendLog with errors logged instead of returned.
func (w *ArtifactWriter) LogStep(ctx context.Context, q store.Querier, entry *model.ExecutionLog) {
	if err := w.AppendLog(ctx, q, entry); err != nil {
		log.Printf("ERROR: append execution log for run %s step %s: %v", entry.ExecutionID, entry.StepID, err)
	}
}

// ListLogs returns a run's execution logs in append order, scoped to a tenant.
func (w *ArtifactWriter) ListLogs(ctx context.Context, q store.Querier, tenantID, runID string) ([]map[string]any, error) {
	pb := w.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT id, execution_id, step_id, step_type, status, output, error, started_at, completed_at, duration_ms, created_at
		 FROM _execution_logs WHERE execution_id = %s AND tenant_id = %s ORDER BY created_at`,
		pb.Add(runID), pb.Add(tenantID))

	return store.QueryRows(ctx, q, sqlStr, pb.Params()...)
}

// NewStepLog builds a step log entry from timing info.
func NewStepLog(run *model.Run, step *model.Step, status string, output any, errMsg string, started time.Time) *model.ExecutionLog {
	completed := time.Now()
	return &model.ExecutionLog{
		ExecutionID: run.ID,
		TenantID:    run.TenantID,
		StepID:      step.ID,
		StepType:    step.Type,
		Status:      status,
		Output:      output,
		Error:       errMsg,
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMs:  float64(completed.Sub(started).Microseconds()) / 1000.0,
	}
}

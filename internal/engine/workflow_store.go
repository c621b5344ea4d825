package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	Create(ctx context.Context, q store.Querier, wf *model.Workflow) (string, error)
	Load(ctx context.Context, q store.Querier, tenantID, id string) (*model.Workflow, error)
	LoadEnabled(ctx context.Context, q store.Querier, tenantID, id string) (*model.Workflow, error)
	List(ctx context.Context, q store.Querier, tenantID string) ([]*model.Workflow, error)
	SetEnabled(ctx context.Context, q store.Querier, tenantID, id string, enabled bool) error
}

// SQLWorkflowStore is the database-backed WorkflowStore.
type SQLWorkflowStore struct {
	Dialect store.Dialect
}

const workflowColumns = "id, tenant_id, name, description, start_step_id, steps, enabled, created_at, updated_at"

func (s *SQLWorkflowStore) Create(ctx context.Context, q store.Querier, wf *model.Workflow) (string, error) {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}

	id := store.GenerateUUID()
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _workflows (id, tenant_id, name, description, start_step_id, steps, enabled)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(wf.TenantID), pb.Add(wf.Name), pb.Add(wf.Description),
		pb.Add(wf.StartStepID), pb.Add(s.Dialect.JSONParam(string(stepsJSON))), pb.Add(wf.Enabled))

	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return "", store.MapError(s.Dialect, err)
	}
	return id, nil
}

func (s *SQLWorkflowStore) Load(ctx context.Context, q store.Querier, tenantID, id string) (*model.Workflow, error) {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT %s FROM _workflows WHERE id = %s AND tenant_id = %s`,
		workflowColumns, pb.Add(id), pb.Add(tenantID))

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return model.ParseWorkflow(row)
}

// LoadEnabled loads a workflow only if it is enabled. The dispatcher uses this
// so a workflow disabled after a run was accepted fails that run instead of
// executing it.
func (s *SQLWorkflowStore) LoadEnabled(ctx context.Context, q store.Querier, tenantID, id string) (*model.Workflow, error) {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT %s FROM _workflows WHERE id = %s AND tenant_id = %s AND enabled = %s`,
		workflowColumns, pb.Add(id), pb.Add(tenantID), pb.Add(true))

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return model.ParseWorkflow(row)
}

func (s *SQLWorkflowStore) List(ctx context.Context, q store.Querier, tenantID string) ([]*model.Workflow, error) {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT %s FROM _workflows WHERE tenant_id = %s ORDER BY created_at DESC`,
		workflowColumns, pb.Add(tenantID))

	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}

	workflows := make([]*model.Workflow, 0, len(rows))
	for _, row := range rows {
		wf, err := model.ParseWorkflow(row)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

func (s *SQLWorkflowStore) SetEnabled(ctx context.Context, q store.Querier, tenantID, id string, enabled bool) error {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`UPDATE _workflows SET enabled = %s, updated_at = %s WHERE id = %s AND tenant_id = %s`,
		pb.Add(enabled), pb.Add(s.Dialect.TimeParam(time.Now())), pb.Add(id), pb.Add(tenantID))

	n, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ WorkflowStore = (*SQLWorkflowStore)(nil)

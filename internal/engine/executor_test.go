package engine

import (
	"context"
	"testing"

	"relay-backend/internal/model"
)

func TestExecutorWalksGraphAndRecordsState(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflowWithSteps(t, s, tenantID, "check", []model.Step{
		{ID: "check", Type: "condition",
			Config:  map[string]any{"expression": "input.amount > 100"},
			OnTrue:  "big",
			OnFalse: "small"},
		{ID: "big", Type: "generate", Config: map[string]any{"template": "big order"}, Next: "end"},
		{ID: "small", Type: "generate", Config: map[string]any{"template": "small order"}, Next: "end"},
	})
	runs := NewRunStore(s.Dialect)
	artifacts := NewArtifactWriter(s.Dialect)
	executor := NewWorkflowExecutor(DefaultStepExecutors(), NewExprLangEvaluator(), NewOutboundClient(), artifacts)
	ctx := context.Background()

	runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{"amount": float64(500)}, nil)
	run, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	wf, err := (&SQLWorkflowStore{Dialect: s.Dialect}).Load(ctx, s.DB, tenantID, workflowID)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}

	result := executor.Execute(ctx, s.DB, run, wf)
	if result.Status != model.RunCompleted {
		t.Fatalf("status = %q, error = %+v", result.Status, result.Error)
	}
	out, _ := result.Output.(map[string]any)
	if out["text"] != "big order" {
		t.Errorf("output = %v", result.Output)
	}
	if result.Metrics.StepsExecuted != 2 || result.Metrics.StepsSucceeded != 2 {
		t.Errorf("metrics = %+v", result.Metrics)
	}
	if _, ok := result.State["check"]; !ok {
		t.Error("condition output missing from state")
	}

	logs, err := artifacts.ListLogs(ctx, s.DB, tenantID, run.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("step logs = %d, want 2", len(logs))
	}
}

func TestExecutorFailsOnUnknownStepType(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflowWithSteps(t, s, tenantID, "x", []model.Step{
		{ID: "x", Type: "teleport", Next: "end"},
	})
	runs := NewRunStore(s.Dialect)
	executor := NewWorkflowExecutor(DefaultStepExecutors(), NewExprLangEvaluator(), NewOutboundClient(),
		NewArtifactWriter(s.Dialect))
	ctx := context.Background()

	runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)
	run, _ := runs.ClaimNextPending(ctx, s.DB)
	wf, _ := (&SQLWorkflowStore{Dialect: s.Dialect}).Load(ctx, s.DB, tenantID, workflowID)

	result := executor.Execute(ctx, s.DB, run, wf)
	if result.Status != model.RunFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Error == nil || result.Error.Code != "EXECUTION_ERROR" {
		t.Errorf("error = %+v", result.Error)
	}
}

func TestExecutorOnErrorSkipContinues(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflowWithSteps(t, s, tenantID, "flaky", []model.Step{
		// condition with no expression always errors; skip sends it to "done".
		{ID: "flaky", Type: "condition", Config: map[string]any{}, OnError: "skip", Next: "done"},
		{ID: "done", Type: "generate", Config: map[string]any{"template": "recovered"}, Next: "end"},
	})
	runs := NewRunStore(s.Dialect)
	executor := NewWorkflowExecutor(DefaultStepExecutors(), NewExprLangEvaluator(), NewOutboundClient(),
		NewArtifactWriter(s.Dialect))
	ctx := context.Background()

	runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)
	run, _ := runs.ClaimNextPending(ctx, s.DB)
	wf, _ := (&SQLWorkflowStore{Dialect: s.Dialect}).Load(ctx, s.DB, tenantID, workflowID)

	result := executor.Execute(ctx, s.DB, run, wf)
	if result.Status != model.RunCompleted {
		t.Fatalf("status = %q, error = %+v", result.Status, result.Error)
	}
	out, _ := result.Output.(map[string]any)
	if out["text"] != "recovered" {
		t.Errorf("output = %v", result.Output)
	}
	skipped, _ := result.State["flaky"].(map[string]any)
	if skipped["skipped"] != true {
		t.Errorf("state for skipped step = %v", result.State["flaky"])
	}
	if result.Metrics.StepsFailed != 1 || result.Metrics.StepsSucceeded != 1 {
		t.Errorf("metrics = %+v", result.Metrics)
	}
}

func TestExecutorTerminatesCyclicGraphs(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflowWithSteps(t, s, tenantID, "loop", []model.Step{
		{ID: "loop", Type: "transform", Next: "loop"},
	})
	runs := NewRunStore(s.Dialect)
	executor := NewWorkflowExecutor(DefaultStepExecutors(), NewExprLangEvaluator(), NewOutboundClient(),
		NewArtifactWriter(s.Dialect))
	ctx := context.Background()

	runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)
	run, _ := runs.ClaimNextPending(ctx, s.DB)
	wf, _ := (&SQLWorkflowStore{Dialect: s.Dialect}).Load(ctx, s.DB, tenantID, workflowID)

	result := executor.Execute(ctx, s.DB, run, wf)
	if result.Status != model.RunFailed {
		t.Fatalf("status = %q, want failed on step limit", result.Status)
	}
}

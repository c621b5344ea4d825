package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay-backend/internal/instrument"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

func newTestDispatcher(s *store.Store) (*Dispatcher, *RunStore, *ArtifactWriter) {
	runs := NewRunStore(s.Dialect)
	artifacts := NewArtifactWriter(s.Dialect)
	executor := NewWorkflowExecutor(DefaultStepExecutors(), NewExprLangEvaluator(), NewOutboundClient(), artifacts)
	d := NewDispatcher(s, runs, &SQLWorkflowStore{Dialect: s.Dialect}, executor, artifacts,
		&instrument.NoopInstrumenter{}, 1, time.Second)
	return d, runs, artifacts
}

func TestProcessOnceCompletesRunAndWritesArtifact(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflowWithSteps(t, s, tenantID, "g1", []model.Step{
		{ID: "g1", Type: "generate", Config: map[string]any{"template": "report for {{input.customer}}"}, Next: "end"},
	})
	d, runs, artifacts := newTestDispatcher(s)
	ctx := context.Background()

	id, err := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{"customer": "acme"}, nil)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	if !d.ProcessOnce(ctx) {
		t.Fatal("ProcessOnce found no work")
	}

	run, err := runs.Get(ctx, s.DB, tenantID, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("status = %q, error = %+v", run.Status, run.Error)
	}

	artifact, err := artifacts.GetForRun(ctx, s.DB, tenantID, id)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	content, _ := artifact.Content.(map[string]any)
	if content["text"] != "report for acme" {
		t.Errorf("artifact content = %v", artifact.Content)
	}
	if run.Metadata["artifact_id"] != artifact.ID {
		t.Errorf("run metadata artifact_id = %v, want %s", run.Metadata["artifact_id"], artifact.ID)
	}

	// Queue drained.
	if d.ProcessOnce(ctx) {
		t.Error("ProcessOnce claimed work from an empty queue")
	}
}

func TestProcessOnceFailedRunWritesNoArtifact(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflowWithSteps(t, s, tenantID, "bad", []model.Step{
		{ID: "bad", Type: "condition", Config: map[string]any{}, Next: "end"},
	})
	d, runs, artifacts := newTestDispatcher(s)
	ctx := context.Background()

	id, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)

	if !d.ProcessOnce(ctx) {
		t.Fatal("ProcessOnce found no work")
	}

	run, err := runs.Get(ctx, s.DB, tenantID, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	if run.Error == nil || run.Error.Code != "EXECUTION_ERROR" {
		t.Errorf("error = %+v", run.Error)
	}

	if _, err := artifacts.GetForRun(ctx, s.DB, tenantID, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("artifact lookup err = %v, want ErrNotFound", err)
	}
}

func TestProcessOnceFailsRunWhenWorkflowDisabled(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	d, runs, _ := newTestDispatcher(s)
	ctx := context.Background()

	id, _ := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil)

	ws := &SQLWorkflowStore{Dialect: s.Dialect}
	if err := ws.SetEnabled(ctx, s.DB, tenantID, workflowID, false); err != nil {
		t.Fatalf("disable workflow: %v", err)
	}

	if !d.ProcessOnce(ctx) {
		t.Fatal("ProcessOnce found no work")
	}

	run, err := runs.Get(ctx, s.DB, tenantID, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	if run.Error == nil || run.Error.Code != "WORKFLOW_NOT_FOUND" {
		t.Errorf("error = %+v", run.Error)
	}
}

func TestDispatcherWakeDoesNotBlock(t *testing.T) {
	s := newTestStore(t)
	d, _, _ := newTestDispatcher(s)

	// Never started; repeated wakes must not block the caller.
	for i := 0; i < 10; i++ {
		d.Wake()
	}
}

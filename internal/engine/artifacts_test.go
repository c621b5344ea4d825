package engine

import (
	"context"
	"fmt"
	"testing"

	"relay-backend/internal/store"
)

func TestCreateForRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	runs := NewRunStore(s.Dialect)
	artifacts := NewArtifactWriter(s.Dialect)
	ctx := context.Background()

	if _, err := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	run, err := runs.ClaimNextPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	first, err := artifacts.CreateForRun(ctx, s.DB, run, "Order processor", map[string]any{"text": "done"})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}

	// A second write for the same run must return the existing artifact
	// instead of creating a duplicate.
	second, err := artifacts.CreateForRun(ctx, s.DB, run, "Order processor", map[string]any{"text": "done again"})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if second != first {
		t.Errorf("second write returned %s, want existing %s", second, first)
	}

	pb := s.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, s.DB, fmt.Sprintf(
		"SELECT COUNT(*) AS n FROM _artifacts WHERE execution_id = %s", pb.Add(run.ID)), pb.Params()...)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n, _ := row["n"].(int64); n != 1 {
		t.Errorf("artifact rows = %d, want 1", n)
	}

	artifact, err := artifacts.GetForRun(ctx, s.DB, tenantID, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	content, _ := artifact.Content.(map[string]any)
	if content["text"] != "done" {
		t.Errorf("content = %v, first write should win", artifact.Content)
	}
}

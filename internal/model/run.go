package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Run status values. Transitions are one-way:
// pending -> running -> completed | failed.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunError describes a terminal execution failure.
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// RunMetrics summarizes an execution.
type RunMetrics struct {
	DurationMs     int64 `json:"duration_ms"`
	StepsExecuted  int   `json:"steps_executed"`
	StepsSucceeded int   `json:"steps_succeeded"`
	StepsFailed    int   `json:"steps_failed"`
}

// Run is one workflow execution record.
type Run struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	WorkflowID  string         `json:"workflow_id"`
	UserID      string         `json:"user_id,omitempty"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input"`
	Output      any            `json:"output,omitempty"`
	Error       *RunError      `json:"error,omitempty"`
	Metrics     *RunMetrics    `json:"metrics,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ParseRun builds a Run from a database row map.
func ParseRun(row map[string]any) (*Run, error) {
	r := &Run{
		ID:         asString(row["id"]),
		TenantID:   asString(row["tenant_id"]),
		WorkflowID: asString(row["workflow_id"]),
		UserID:     asString(row["user_id"]),
		Status:     asString(row["status"]),
		CreatedAt:  asTime(row["created_at"]),
		UpdatedAt:  asTime(row["updated_at"]),
	}

	if t, ok := row["started_at"].(time.Time); ok {
		r.StartedAt = &t
	}
	if t, ok := row["completed_at"].(time.Time); ok {
		r.CompletedAt = &t
	}

	if err := unmarshalColumn(row["input"], &r.Input); err != nil {
		return nil, fmt.Errorf("parse run %s input: %w", r.ID, err)
	}
	if err := unmarshalColumn(row["metadata"], &r.Metadata); err != nil {
		return nil, fmt.Errorf("parse run %s metadata: %w", r.ID, err)
	}
	// Optional columns: ignore malformed content rather than losing the row.
	_ = unmarshalColumn(row["output"], &r.Output)
	_ = unmarshalColumn(row["error"], &r.Error)
	_ = unmarshalColumn(row["metrics"], &r.Metrics)
	_ = unmarshalColumn(row["state"], &r.State)

	return r, nil
}

// unmarshalColumn decodes a JSON column value (string, []byte, or nil) into dst.
func unmarshalColumn(v any, dst any) error {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		raw = val
	case string:
		raw = []byte(val)
	default:
		return fmt.Errorf("unexpected column type %T", v)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// ExecutionLog is one append-only record of a step (or run summary) outcome.
type ExecutionLog struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	TenantID    string     `json:"tenant_id"`
	StepID      string     `json:"step_id,omitempty"`
	StepType    string     `json:"step_type,omitempty"`
	Status      string     `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  float64    `json:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Artifact is the durable output of a completed run. At most one exists per run.
type Artifact struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	TenantID     string         `json:"tenant_id"`
	WorkflowID   string         `json:"workflow_id"`
	Name         string         `json:"name"`
	ArtifactType string         `json:"artifact_type"`
	Content      any            `json:"content,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ParseArtifact builds an Artifact from a database row map.
func ParseArtifact(row map[string]any) (*Artifact, error) {
	a := &Artifact{
		ID:           asString(row["id"]),
		ExecutionID:  asString(row["execution_id"]),
		TenantID:     asString(row["tenant_id"]),
		WorkflowID:   asString(row["workflow_id"]),
		Name:         asString(row["name"]),
		ArtifactType: asString(row["artifact_type"]),
		CreatedAt:    asTime(row["created_at"]),
	}
	_ = unmarshalColumn(row["content"], &a.Content)
	if err := unmarshalColumn(row["metadata"], &a.Metadata); err != nil {
		return nil, fmt.Errorf("parse artifact %s metadata: %w", a.ID, err)
	}
	return a, nil
}

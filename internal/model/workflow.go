package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step is one node in a workflow's step graph. The executor looks the type up
// in its registry; Next (or OnTrue/OnFalse for condition steps) names the
// following step, with "" or "end" terminating the run.
type Step struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Name    string         `json:"name,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	Next    string         `json:"next,omitempty"`
	OnTrue  string         `json:"on_true,omitempty"`
	OnFalse string         `json:"on_false,omitempty"`
	OnError string         `json:"on_error,omitempty"` // "fail" (default) or "skip"
}

// Workflow is an executable system definition owned by a tenant.
type Workflow struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StartStepID string    `json:"start_step_id"`
	Steps       []Step    `json:"steps"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FindStep returns the step with the given ID, or nil.
func (w *Workflow) FindStep(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// ParseWorkflow builds a Workflow from a database row map.
func ParseWorkflow(row map[string]any) (*Workflow, error) {
	w := &Workflow{
		ID:          asString(row["id"]),
		TenantID:    asString(row["tenant_id"]),
		Name:        asString(row["name"]),
		Description: asString(row["description"]),
		StartStepID: asString(row["start_step_id"]),
		Enabled:     asBool(row["enabled"]),
		CreatedAt:   asTime(row["created_at"]),
		UpdatedAt:   asTime(row["updated_at"]),
	}

	if raw := asString(row["steps"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &w.Steps); err != nil {
			return nil, fmt.Errorf("parse workflow %s steps: %w", w.ID, err)
		}
	}
	return w, nil
}

// ValidateSteps checks structural validity of a step graph: non-empty IDs,
// unique IDs, known next targets, and a reachable start step.
func ValidateSteps(startStepID string, steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if s.Type == "" {
			return fmt.Errorf("step %s has no type", s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id: %s", s.ID)
		}
		ids[s.ID] = true
	}
	if startStepID == "" {
		return fmt.Errorf("workflow has no start step")
	}
	if !ids[startStepID] {
		return fmt.Errorf("start step %s not found", startStepID)
	}
	for _, s := range steps {
		for _, next := range []string{s.Next, s.OnTrue, s.OnFalse} {
			if next != "" && next != "end" && !ids[next] {
				return fmt.Errorf("step %s references unknown step %s", s.ID, next)
			}
		}
	}
	return nil
}

// --- row conversion helpers ---

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

func asTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

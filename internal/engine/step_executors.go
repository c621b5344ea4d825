package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"relay-backend/internal/model"
)

// StepContext carries the run-scoped data a step executor needs.
type StepContext struct {
	Run        *model.Run
	Input      map[string]any
	State      map[string]any // step_id -> output of that step
	Evaluator  ExpressionEvaluator
	HTTPClient *http.Client
}

// Env builds the expression/template environment for this run.
func (sc *StepContext) Env() map[string]any {
	return map[string]any{
		"input": sc.Input,
		"state": sc.State,
	}
}

// StepResult is the outcome of executing a single step.
type StepResult struct {
	Output   any
	NextGoto string // "" or "end" terminates the run
}

// StepExecutor executes one step type. The executor holds one implementation
// per known type; unknown types fail the run.
type StepExecutor interface {
	Execute(ctx context.Context, sc *StepContext, step *model.Step) (*StepResult, error)
}

// DefaultStepExecutors returns the full step type registry.
func DefaultStepExecutors() map[string]StepExecutor {
	return map[string]StepExecutor{
		"transform": &TransformStepExecutor{},
		"condition": &ConditionStepExecutor{},
		"api":       &APIStepExecutor{},
		"webhook":   &WebhookStepExecutor{},
		"delay":     &DelayStepExecutor{},
		"generate":  &GenerateStepExecutor{},
	}
}

// --- transform ---

// TransformStepExecutor maps dotted paths from {input, state} into a new
// output object, per the step's "mappings" config.
type TransformStepExecutor struct{}

func (e *TransformStepExecutor) Execute(_ context.Context, sc *StepContext, step *model.Step) (*StepResult, error) {
	mappings, _ := step.Config["mappings"].(map[string]any)
	if len(mappings) == 0 {
		// No mappings: pass the input through unchanged.
		return &StepResult{Output: sc.Input, NextGoto: step.Next}, nil
	}

	env := sc.Env()
	output := make(map[string]any, len(mappings))
	for key, pathVal := range mappings {
		path, ok := pathVal.(string)
		if !ok {
			return nil, fmt.Errorf("transform step %s: mapping %q is not a string path", step.ID, key)
		}
		output[key] = resolvePath(env, path)
	}
	return &StepResult{Output: output, NextGoto: step.Next}, nil
}

// --- condition ---

// ConditionStepExecutor evaluates the step's "expression" against
// {input, state} and branches to on_true or on_false.
type ConditionStepExecutor struct{}

func (e *ConditionStepExecutor) Execute(_ context.Context, sc *StepContext, step *model.Step) (*StepResult, error) {
	expression, _ := step.Config["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("condition step %s has no expression", step.ID)
	}

	result, err := sc.Evaluator.EvaluateBool(expression, sc.Env())
	if err != nil {
		return nil, fmt.Errorf("condition step %s: %w", step.ID, err)
	}

	next := step.OnFalse
	if result {
		next = step.OnTrue
	}
	return &StepResult{Output: map[string]any{"result": result}, NextGoto: next}, nil
}

// --- api ---

// APIStepExecutor calls an external HTTP API. Non-2xx responses fail the step.
type APIStepExecutor struct{}

func (e *APIStepExecutor) Execute(ctx context.Context, sc *StepContext, step *model.Step) (*StepResult, error) {
	url, _ := step.Config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("api step %s has no url", step.ID)
	}
	method, _ := step.Config["method"].(string)
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	var bodyJSON []byte
	if body, ok := step.Config["body"]; ok {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api step %s: marshal body: %w", step.ID, err)
		}
		bodyJSON = b
	} else if method != "GET" {
		b, _ := json.Marshal(sc.Input)
		bodyJSON = b
	}

	result := DispatchHTTP(ctx, sc.HTTPClient, url, method, ResolveHeaders(configHeaders(step)), bodyJSON)
	if result.Error != "" {
		return nil, fmt.Errorf("api step %s: %s", step.ID, result.Error)
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return nil, fmt.Errorf("api step %s: HTTP %d: %s", step.ID, result.StatusCode, result.ResponseBody)
	}

	return &StepResult{
		Output:   map[string]any{"status_code": result.StatusCode, "body": parseResponseBody(result.ResponseBody)},
		NextGoto: step.Next,
	}, nil
}

// --- webhook ---

// WebhookStepExecutor posts the run's input and state to an external URL.
// Unlike api steps, delivery is best-effort: a non-2xx response is recorded
// in the output without failing the step.
type WebhookStepExecutor struct{}

func (e *WebhookStepExecutor) Execute(ctx context.Context, sc *StepContext, step *model.Step) (*StepResult, error) {
	url, _ := step.Config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("webhook step %s has no url", step.ID)
	}
	method, _ := step.Config["method"].(string)
	if method == "" {
		method = "POST"
	}
	method = strings.ToUpper(method)

	bodyJSON, _ := json.Marshal(sc.Env())
	result := DispatchHTTP(ctx, sc.HTTPClient, url, method, ResolveHeaders(configHeaders(step)), bodyJSON)
	if result.Error != "" {
		return nil, fmt.Errorf("webhook step %s: %s", step.ID, result.Error)
	}

	return &StepResult{
		Output:   map[string]any{"status_code": result.StatusCode, "delivered": result.StatusCode >= 200 && result.StatusCode < 300},
		NextGoto: step.Next,
	}, nil
}

// --- delay ---

const maxDelay = 30 * time.Second

// DelayStepExecutor sleeps for the configured duration_ms, capped at 30s,
// honoring context cancellation.
type DelayStepExecutor struct{}

func (e *DelayStepExecutor) Execute(ctx context.Context, _ *StepContext, step *model.Step) (*StepResult, error) {
	ms, _ := step.Config["duration_ms"].(float64)
	d := time.Duration(ms) * time.Millisecond
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return &StepResult{Output: map[string]any{"delayed_ms": d.Milliseconds()}, NextGoto: step.Next}, nil
}

// --- generate ---

// GenerateStepExecutor renders the step's "template" string, substituting
// {{path}} placeholders with values resolved from {input, state}.
type GenerateStepExecutor struct{}

func (e *GenerateStepExecutor) Execute(_ context.Context, sc *StepContext, step *model.Step) (*StepResult, error) {
	template, _ := step.Config["template"].(string)
	if template == "" {
		return nil, fmt.Errorf("generate step %s has no template", step.ID)
	}
	return &StepResult{
		Output:   map[string]any{"text": renderTemplate(template, sc.Env())},
		NextGoto: step.Next,
	}, nil
}

// --- helpers ---

func configHeaders(step *model.Step) map[string]string {
	raw, _ := step.Config["headers"].(map[string]any)
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}

func parseResponseBody(body string) any {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return body
}

// resolvePath walks a dotted path through nested maps.
func resolvePath(data map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// renderTemplate substitutes {{path}} placeholders from the environment.
// Unresolvable placeholders render as empty strings.
func renderTemplate(template string, env map[string]any) string {
	var sb strings.Builder
	for {
		start := strings.Index(template, "{{")
		if start == -1 {
			sb.WriteString(template)
			return sb.String()
		}
		end := strings.Index(template[start:], "}}")
		if end == -1 {
			sb.WriteString(template)
			return sb.String()
		}
		end += start
		sb.WriteString(template[:start])
		path := strings.TrimSpace(template[start+2 : end])
		if v := resolvePath(env, path); v != nil {
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		template = template[end+2:]
	}
}

package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay-backend/internal/model"
)

func newStepContext(input map[string]any) *StepContext {
	return &StepContext{
		Run:        &model.Run{ID: "run-1", TenantID: "tenant-1"},
		Input:      input,
		State:      make(map[string]any),
		Evaluator:  NewExprLangEvaluator(),
		HTTPClient: NewOutboundClient(),
	}
}

func TestTransformStepMapsDottedPaths(t *testing.T) {
	sc := newStepContext(map[string]any{
		"order": map[string]any{"id": "o-7", "total": 99.5},
	})
	sc.State["lookup"] = map[string]any{"region": "eu"}

	step := &model.Step{
		ID:   "t1",
		Type: "transform",
		Config: map[string]any{
			"mappings": map[string]any{
				"order_id": "input.order.id",
				"region":   "state.lookup.region",
				"missing":  "input.nope.deeper",
			},
		},
		Next: "end",
	}

	result, err := (&TransformStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, _ := result.Output.(map[string]any)
	if out["order_id"] != "o-7" {
		t.Errorf("order_id = %v", out["order_id"])
	}
	if out["region"] != "eu" {
		t.Errorf("region = %v", out["region"])
	}
	if out["missing"] != nil {
		t.Errorf("missing = %v, want nil", out["missing"])
	}
	if result.NextGoto != "end" {
		t.Errorf("next = %q", result.NextGoto)
	}
}

func TestTransformStepWithoutMappingsPassesInputThrough(t *testing.T) {
	input := map[string]any{"a": float64(1)}
	sc := newStepContext(input)
	step := &model.Step{ID: "t1", Type: "transform", Next: "n2"}

	result, err := (&TransformStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, _ := result.Output.(map[string]any)
	if out["a"] != float64(1) {
		t.Errorf("output = %v", result.Output)
	}
}

func TestConditionStepBranches(t *testing.T) {
	sc := newStepContext(map[string]any{"amount": float64(150)})
	step := &model.Step{
		ID:      "c1",
		Type:    "condition",
		Config:  map[string]any{"expression": "input.amount > 100"},
		OnTrue:  "big",
		OnFalse: "small",
	}

	result, err := (&ConditionStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.NextGoto != "big" {
		t.Errorf("next = %q, want big", result.NextGoto)
	}

	sc.Input["amount"] = float64(10)
	result, err = (&ConditionStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.NextGoto != "small" {
		t.Errorf("next = %q, want small", result.NextGoto)
	}
}

func TestConditionStepBadExpressionFails(t *testing.T) {
	sc := newStepContext(map[string]any{})
	step := &model.Step{ID: "c1", Type: "condition", Config: map[string]any{"expression": "((("}}

	if _, err := (&ConditionStepExecutor{}).Execute(context.Background(), sc, step); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestAPIStepFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream broken")
	}))
	defer srv.Close()

	sc := newStepContext(map[string]any{})
	step := &model.Step{ID: "a1", Type: "api", Config: map[string]any{"url": srv.URL}}

	_, err := (&APIStepExecutor{}).Execute(context.Background(), sc, step)
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v", err)
	}
}

func TestAPIStepParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok": true, "n": 3}`)
	}))
	defer srv.Close()

	sc := newStepContext(map[string]any{})
	step := &model.Step{ID: "a1", Type: "api", Config: map[string]any{"url": srv.URL}, Next: "end"}

	result, err := (&APIStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, _ := result.Output.(map[string]any)
	if out["status_code"] != 200 {
		t.Errorf("status_code = %v", out["status_code"])
	}
	body, _ := out["body"].(map[string]any)
	if body["ok"] != true || body["n"] != float64(3) {
		t.Errorf("body = %v", out["body"])
	}
}

func TestWebhookStepIsBestEffort(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &received)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sc := newStepContext(map[string]any{"event": "order.created"})
	step := &model.Step{ID: "w1", Type: "webhook", Config: map[string]any{"url": srv.URL}, Next: "end"}

	result, err := (&WebhookStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("non-2xx delivery must not fail a webhook step: %v", err)
	}
	out, _ := result.Output.(map[string]any)
	if out["delivered"] != false {
		t.Errorf("delivered = %v, want false", out["delivered"])
	}
	input, _ := received["input"].(map[string]any)
	if input["event"] != "order.created" {
		t.Errorf("delivered payload = %v", received)
	}
}

func TestDelayStepHonorsCancellation(t *testing.T) {
	sc := newStepContext(map[string]any{})
	step := &model.Step{ID: "d1", Type: "delay", Config: map[string]any{"duration_ms": float64(10000)}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&DelayStepExecutor{}).Execute(ctx, sc, step)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("delay ignored cancellation")
	}
}

func TestGenerateStepRendersTemplate(t *testing.T) {
	sc := newStepContext(map[string]any{"name": "Ada"})
	sc.State["score"] = map[string]any{"value": float64(7)}
	step := &model.Step{
		ID:     "g1",
		Type:   "generate",
		Config: map[string]any{"template": "Hello {{input.name}}, score {{state.score.value}}, missing {{input.nope}}!"},
		Next:   "end",
	}

	result, err := (&GenerateStepExecutor{}).Execute(context.Background(), sc, step)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, _ := result.Output.(map[string]any)
	if out["text"] != "Hello Ada, score 7, missing !" {
		t.Errorf("text = %q", out["text"])
	}
}

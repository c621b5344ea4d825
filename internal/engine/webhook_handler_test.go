package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

func postWebhook(t *testing.T, app *fiber.App, tenantID, secret, body string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/webhooks/%s/%s", tenantID, secret),
		strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var parsed map[string]any
	_ = json.Unmarshal(raw, &parsed)
	return resp, parsed
}

func TestWebhookAcceptedCreatesPendingRun(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	createEndpoint(t, s, tenantID, workflowID, "topsecret", true)

	app := newWebhookApp(s)
	resp, body := postWebhook(t, app, tenantID, "topsecret", `{"order_id": 42}`)

	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["received"] != true {
		t.Errorf("received = %v, want true", body["received"])
	}
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatal("response has no run_id")
	}
	if body["message"] != "Webhook received and queued for execution" {
		t.Errorf("unexpected message: %v", body["message"])
	}

	runs := NewRunStore(s.Dialect)
	run, err := runs.Get(context.Background(), s.DB, tenantID, runID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != model.RunPending {
		t.Errorf("run status = %q, want pending", run.Status)
	}
	if got := run.Input["order_id"]; got != float64(42) {
		t.Errorf("run input order_id = %v, want 42", got)
	}
	if run.Metadata["trigger_type"] != "webhook" {
		t.Errorf("metadata trigger_type = %v", run.Metadata["trigger_type"])
	}
	if run.Metadata["endpoint_id"] == "" {
		t.Error("metadata endpoint_id missing")
	}
}

func TestWebhookVerificationFailuresAreIndistinguishable(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	createEndpoint(t, s, tenantID, workflowID, "goodsecret", true)
	createEndpoint(t, s, tenantID, workflowID, "disabledsecret", false)

	otherTenant := store.GenerateUUID() // valid UUID, no such tenant

	app := newWebhookApp(s)

	cases := []struct {
		name           string
		tenant, secret string
	}{
		{"wrong secret", tenantID, "wrongsecret"},
		{"unknown tenant", otherTenant, "goodsecret"},
		{"disabled endpoint", tenantID, "disabledsecret"},
	}

	var bodies []string
	for _, tc := range cases {
		resp, body := postWebhook(t, app, tc.tenant, tc.secret, `{"a":1}`)
		if resp.StatusCode != 404 {
			t.Errorf("%s: status = %d, want 404", tc.name, resp.StatusCode)
		}
		raw, _ := json.Marshal(body)
		bodies = append(bodies, string(raw))
	}
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("response bodies differ between failure modes: %s vs %s", bodies[0], bodies[i])
		}
	}
	if !strings.Contains(bodies[0], "Invalid webhook endpoint") {
		t.Errorf("body = %s, want generic message", bodies[0])
	}
}

func TestWebhookMalformedTenantIDRejectedBeforeLookup(t *testing.T) {
	s := newTestStore(t)
	app := newWebhookApp(s)

	resp, body := postWebhook(t, app, "not-a-uuid", "whatever", `{}`)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	raw, _ := json.Marshal(body)
	if !strings.Contains(string(raw), "Invalid tenant ID format") {
		t.Errorf("body = %s", raw)
	}
}

func TestWebhookInvalidJSONRejected(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	createEndpoint(t, s, tenantID, workflowID, "topsecret", true)

	app := newWebhookApp(s)
	for _, payload := range []string{"not json", "", "[1,2,3]", "null"} {
		resp, body := postWebhook(t, app, tenantID, "topsecret", payload)
		if resp.StatusCode != 400 {
			t.Errorf("payload %q: status = %d, want 400", payload, resp.StatusCode)
		}
		raw, _ := json.Marshal(body)
		if !strings.Contains(string(raw), "INVALID_PAYLOAD") {
			t.Errorf("payload %q: body = %s", payload, raw)
		}
	}

	// Nothing was queued.
	runs := NewRunStore(s.Dialect)
	n, err := runs.CountPending(context.Background(), s.DB)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 0 {
		t.Errorf("pending runs = %d, want 0", n)
	}
}

func TestWebhookQuotaDenialCreatesNoRun(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	createEndpoint(t, s, tenantID, workflowID, "topsecret", true)

	// Fill the free plan's monthly run allowance.
	runs := NewRunStore(s.Dialect)
	ctx := context.Background()
	limits := model.LimitsForPlan("free")
	for i := 0; i < limits.MaxRunsPerMonth; i++ {
		if _, err := runs.CreatePending(ctx, s.DB, tenantID, workflowID, "", map[string]any{}, nil); err != nil {
			t.Fatalf("seed run %d: %v", i, err)
		}
	}

	app := newWebhookApp(s)
	resp, body := postWebhook(t, app, tenantID, "topsecret", `{"a":1}`)
	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	raw, _ := json.Marshal(body)
	if !strings.Contains(string(raw), "ENTITLEMENT_DENIED") {
		t.Errorf("body = %s", raw)
	}

	n, err := runs.CountPending(ctx, s.DB)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != limits.MaxRunsPerMonth {
		t.Errorf("pending runs = %d, want %d (denial must not create a run)", n, limits.MaxRunsPerMonth)
	}
}

func TestWebhookDuplicateSubmissionsCreateSeparateRuns(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	createEndpoint(t, s, tenantID, workflowID, "topsecret", true)

	app := newWebhookApp(s)
	_, first := postWebhook(t, app, tenantID, "topsecret", `{"n":1}`)
	_, second := postWebhook(t, app, tenantID, "topsecret", `{"n":1}`)

	if first["run_id"] == second["run_id"] {
		t.Errorf("identical payloads should create distinct runs, both got %v", first["run_id"])
	}

	runs := NewRunStore(s.Dialect)
	n, err := runs.CountPending(context.Background(), s.DB)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 2 {
		t.Errorf("pending runs = %d, want 2", n)
	}
}

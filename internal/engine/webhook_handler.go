package engine

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"relay-backend/internal/store"
)

// Waker is the dispatcher surface the webhook handler needs.
type Waker interface {
	Wake()
}

// WebhookHandler ingests inbound webhooks. A valid request creates a pending
// run and responds 202 immediately; execution happens on the dispatcher's
// workers, never on the request path.
type WebhookHandler struct {
	store      *store.Store
	gate       *EntitlementGate
	runs       *RunStore
	dispatcher Waker
}

func NewWebhookHandler(s *store.Store, gate *EntitlementGate, runs *RunStore, dispatcher Waker) *WebhookHandler {
	return &WebhookHandler{store: s, gate: gate, runs: runs, dispatcher: dispatcher}
}

// invalidEndpoint is the single response for every verification failure.
// Wrong tenant, wrong secret, and disabled endpoint must be indistinguishable.
func invalidEndpoint() *AppError {
	return NewAppError("NOT_FOUND", 404, "Invalid webhook endpoint")
}

// Receive handles POST /api/webhooks/:tenant_id/:secret.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	tenantID := c.Params("tenant_id")
	secret := c.Params("secret")

	// Format check before any database access.
	if _, err := uuid.Parse(tenantID); err != nil {
		return ValidationError("Invalid tenant ID format")
	}
	if secret == "" {
		return invalidEndpoint()
	}

	ctx := c.Context()

	endpoint, err := VerifyEndpointSecret(ctx, h.store.DB, h.store.Dialect, tenantID, secret)
	if err != nil {
		log.Printf("ERROR: webhook endpoint lookup for tenant %s: %v", tenantID, err)
		return invalidEndpoint()
	}
	if endpoint == nil {
		return invalidEndpoint()
	}

	var input map[string]any
	if err := json.Unmarshal(c.Body(), &input); err != nil || input == nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON payload")
	}

	if err := h.gate.AssertCanExecuteRun(ctx, tenantID); err != nil {
		return err
	}

	metadata := map[string]any{
		"trigger_type": "webhook",
		"received_at":  time.Now().UTC().Format(time.RFC3339),
		"endpoint_id":  endpoint.ID,
	}

	runID, err := h.runs.CreatePending(ctx, h.store.DB, tenantID, endpoint.WorkflowID, "", input, metadata)
	if err != nil {
		log.Printf("ERROR: create run for tenant %s endpoint %s: %v", tenantID, endpoint.ID, err)
		return InternalError("Failed to queue run")
	}

	h.dispatcher.Wake()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"received": true,
		"run_id":   runID,
		"message":  "Webhook received and queued for execution",
	})
}

// RegisterWebhookRoutes mounts the public ingestion route. Extra middleware
// (rate limiting) is applied ahead of the handler.
func RegisterWebhookRoutes(app *fiber.App, h *WebhookHandler, middleware ...fiber.Handler) {
	group := app.Group("/api/webhooks")
	for _, mw := range middleware {
		group.Use(mw)
	}
	group.Post("/:tenant_id/:secret", h.Receive)
}

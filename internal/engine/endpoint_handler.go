package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// EndpointHandler manages webhook endpoints: create, list, disable. The
// secret is returned exactly once, in the create response.
type EndpointHandler struct {
	store   *store.Store
	gate    *EntitlementGate
	wfStore WorkflowStore
	baseURL string
}

func NewEndpointHandler(s *store.Store, gate *EntitlementGate, wfStore WorkflowStore, baseURL string) *EndpointHandler {
	return &EndpointHandler{store: s, gate: gate, wfStore: wfStore, baseURL: baseURL}
}

// currentUser pulls the authenticated user set by the auth middleware.
func currentUser(c *fiber.Ctx) (*model.UserContext, error) {
	user, ok := c.Locals("user").(*model.UserContext)
	if !ok || user == nil {
		return nil, UnauthorizedError("Missing auth token")
	}
	return user, nil
}

// requireMembership checks the user belongs to the tenant. Admins bypass.
func requireMembership(ctx context.Context, s *store.Store, user *model.UserContext, tenantID string) error {
	if user.IsAdmin() {
		return nil
	}
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT id FROM _tenant_members WHERE tenant_id = %s AND user_id = %s`,
		pb.Add(tenantID), pb.Add(user.ID))
	if _, err := store.QueryRow(ctx, s.DB, sqlStr, pb.Params()...); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ForbiddenError("Not a member of this tenant")
		}
		log.Printf("ERROR: membership check for user %s tenant %s: %v", user.ID, tenantID, err)
		return InternalError("Failed to verify tenant membership")
	}
	return nil
}

// requireTenantParam validates a tenant_id taken from the request.
func requireTenantParam(tenantID string) error {
	if tenantID == "" {
		return ValidationError("tenant_id is required")
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return ValidationError("Invalid tenant ID format")
	}
	return nil
}

type createEndpointRequest struct {
	TenantID   string `json:"tenant_id"`
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
}

// Create handles POST /api/webhook-endpoints.
func (h *EndpointHandler) Create(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var body createEndpointRequest
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if err := requireTenantParam(body.TenantID); err != nil {
		return err
	}
	if body.WorkflowID == "" {
		return ValidationError("workflow_id is required")
	}
	if body.Name == "" {
		return ValidationError("name is required")
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, body.TenantID); err != nil {
		return err
	}
	if err := h.gate.AssertCanCreateWebhook(ctx, body.TenantID); err != nil {
		return err
	}

	// The workflow must belong to the same tenant.
	if _, err := h.wfStore.Load(ctx, h.store.DB, body.TenantID, body.WorkflowID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("workflow", body.WorkflowID)
		}
		log.Printf("ERROR: load workflow %s: %v", body.WorkflowID, err)
		return InternalError("Failed to load workflow")
	}

	secret, err := GenerateSecret()
	if err != nil {
		log.Printf("ERROR: generate webhook secret: %v", err)
		return InternalError("Failed to generate secret")
	}

	id := store.GenerateUUID()
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _webhook_endpoints (id, tenant_id, workflow_id, name, secret, enabled)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(body.TenantID), pb.Add(body.WorkflowID),
		pb.Add(body.Name), pb.Add(secret), pb.Add(true))
	if _, err := store.Exec(ctx, h.store.DB, sqlStr, pb.Params()...); err != nil {
		log.Printf("ERROR: create webhook endpoint: %v", err)
		return InternalError("Failed to create webhook endpoint")
	}

	// The secret appears here and nowhere else.
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"id":          id,
			"tenant_id":   body.TenantID,
			"workflow_id": body.WorkflowID,
			"name":        body.Name,
			"secret":      secret,
			"enabled":     true,
			"webhook_url": fmt.Sprintf("%s/api/webhooks/%s/%s", h.baseURL, body.TenantID, secret),
		},
	})
}

// List handles GET /api/webhook-endpoints?tenant_id=. Secrets are never
// included; the URL pattern carries a placeholder instead.
func (h *EndpointHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	tenantID := c.Query("tenant_id")
	if err := requireTenantParam(tenantID); err != nil {
		return err
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, tenantID); err != nil {
		return err
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT id, tenant_id, workflow_id, name, secret, enabled, created_at, updated_at
		 FROM _webhook_endpoints WHERE tenant_id = %s ORDER BY created_at DESC`,
		pb.Add(tenantID))
	rows, err := store.QueryRows(ctx, h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		log.Printf("ERROR: list webhook endpoints for tenant %s: %v", tenantID, err)
		return InternalError("Failed to list webhook endpoints")
	}

	endpoints := make([]fiber.Map, 0, len(rows))
	for _, row := range rows {
		ep := model.ParseEndpoint(row)
		endpoints = append(endpoints, fiber.Map{
			"id":                  ep.ID,
			"tenant_id":           ep.TenantID,
			"workflow_id":         ep.WorkflowID,
			"name":                ep.Name,
			"enabled":             ep.Enabled,
			"created_at":          ep.CreatedAt,
			"webhook_url_pattern": fmt.Sprintf("%s/api/webhooks/%s/[secret]", h.baseURL, ep.TenantID),
		})
	}
	return c.JSON(fiber.Map{"data": endpoints})
}

// Disable handles POST /api/webhook-endpoints/:id/disable. Revocation keeps
// the row so run history stays attributable.
func (h *EndpointHandler) Disable(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	tenantID := c.Query("tenant_id")
	if err := requireTenantParam(tenantID); err != nil {
		return err
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, tenantID); err != nil {
		return err
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`UPDATE _webhook_endpoints SET enabled = %s, updated_at = %s WHERE id = %s AND tenant_id = %s`,
		pb.Add(false), h.store.Dialect.NowExpr(), pb.Add(id), pb.Add(tenantID))
	n, err := store.Exec(ctx, h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		log.Printf("ERROR: disable webhook endpoint %s: %v", id, err)
		return InternalError("Failed to disable webhook endpoint")
	}
	if n == 0 {
		return NotFoundError("webhook endpoint", id)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "enabled": false}})
}

// RegisterEndpointRoutes mounts the management routes behind auth middleware.
func RegisterEndpointRoutes(app *fiber.App, h *EndpointHandler, authMW fiber.Handler) {
	group := app.Group("/api/webhook-endpoints", authMW)
	group.Post("/", h.Create)
	group.Get("/", h.List)
	group.Post("/:id/disable", h.Disable)
}

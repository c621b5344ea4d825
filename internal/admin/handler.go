package admin

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/auth"
	"relay-backend/internal/engine"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// Handler exposes provisioning endpoints: tenants, memberships, users, and
// subscriptions. These feed the tables the entitlement gate reads, so the
// whole group is admin-only.
type Handler struct {
	store *store.Store
}

func NewHandler(s *store.Store) *Handler {
	return &Handler{store: s}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	admin := app.Group("/api/_admin", authMW, adminMW)

	admin.Get("/tenants", h.ListTenants)
	admin.Post("/tenants", h.CreateTenant)
	admin.Post("/tenants/:id/members", h.AddMember)

	admin.Get("/tenants/:id/subscriptions", h.ListSubscriptions)
	admin.Post("/tenants/:id/subscriptions", h.CreateSubscription)

	admin.Post("/users", h.CreateUser)
}

// --- Tenant Endpoints ---

func (h *Handler) ListTenants(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT id, name, slug, created_at, updated_at FROM _tenants ORDER BY name")
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) CreateTenant(c *fiber.Ctx) error {
	var body struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.Name == "" || body.Slug == "" {
		return engine.ValidationError("name and slug are required")
	}

	id := store.GenerateUUID()
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("INSERT INTO _tenants (id, name, slug) VALUES (%s, %s, %s)",
		pb.Add(id), pb.Add(body.Name), pb.Add(body.Slug))
	if _, err := store.Exec(c.Context(), h.store.DB, sqlStr, pb.Params()...); err != nil {
		if errors.Is(h.store.Dialect.MapError(err), store.ErrUniqueViolation) {
			return engine.NewAppError("CONFLICT", 409, "Tenant slug already exists: "+body.Slug)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":   id,
		"name": body.Name,
		"slug": body.Slug,
	}})
}

func (h *Handler) AddMember(c *fiber.Ctx) error {
	tenantID := c.Params("id")
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.UserID == "" {
		return engine.ValidationError("user_id is required")
	}
	if body.Role == "" {
		body.Role = "member"
	}

	id := store.GenerateUUID()
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _tenant_members (id, tenant_id, user_id, role) VALUES (%s, %s, %s, %s)",
		pb.Add(id), pb.Add(tenantID), pb.Add(body.UserID), pb.Add(body.Role))
	if _, err := store.Exec(c.Context(), h.store.DB, sqlStr, pb.Params()...); err != nil {
		if errors.Is(h.store.Dialect.MapError(err), store.ErrUniqueViolation) {
			return engine.NewAppError("CONFLICT", 409, "User is already a member of this tenant")
		}
		return fmt.Errorf("insert tenant member: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":        id,
		"tenant_id": tenantID,
		"user_id":   body.UserID,
		"role":      body.Role,
	}})
}

// --- Subscription Endpoints ---

func (h *Handler) ListSubscriptions(c *fiber.Ctx) error {
	tenantID := c.Params("id")
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT id, tenant_id, plan, status, created_at, updated_at
		 FROM _subscriptions WHERE tenant_id = %s ORDER BY created_at DESC`,
		pb.Add(tenantID))
	rows, err := store.QueryRows(c.Context(), h.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) CreateSubscription(c *fiber.Ctx) error {
	tenantID := c.Params("id")
	var body struct {
		Plan string `json:"plan"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if !model.ValidPlan(body.Plan) {
		return engine.ValidationError("unknown plan: " + body.Plan)
	}

	ctx := c.Context()

	// Cancel-then-insert must be atomic so "latest active" stays unambiguous.
	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin subscription tx: %w", err)
	}
	defer tx.Rollback()

	pb := h.store.Dialect.NewParamBuilder()
	cancelSQL := fmt.Sprintf(
		"UPDATE _subscriptions SET status = 'canceled', updated_at = %s WHERE tenant_id = %s AND status = 'active'",
		h.store.Dialect.NowExpr(), pb.Add(tenantID))
	if _, err := store.Exec(ctx, tx, cancelSQL, pb.Params()...); err != nil {
		return fmt.Errorf("cancel prior subscriptions: %w", err)
	}

	id := store.GenerateUUID()
	pb = h.store.Dialect.NewParamBuilder()
	insertSQL := fmt.Sprintf(
		"INSERT INTO _subscriptions (id, tenant_id, plan, status) VALUES (%s, %s, %s, 'active')",
		pb.Add(id), pb.Add(tenantID), pb.Add(body.Plan))
	if _, err := store.Exec(ctx, tx, insertSQL, pb.Params()...); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscription tx: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":        id,
		"tenant_id": tenantID,
		"plan":      body.Plan,
		"status":    "active",
	}})
}

// --- User Endpoints ---

func (h *Handler) CreateUser(c *fiber.Ctx) error {
	var body struct {
		Email    string   `json:"email"`
		Password string   `json:"password"`
		Roles    []string `json:"roles"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.ValidationError("email and password are required")
	}
	if len(body.Roles) == 0 {
		body.Roles = []string{"user"}
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	id := store.GenerateUUID()
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _users (id, email, password_hash, roles, active) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(id), pb.Add(body.Email), pb.Add(hash),
		pb.Add(h.store.Dialect.ArrayParam(body.Roles)), pb.Add(true))
	if _, err := store.Exec(c.Context(), h.store.DB, sqlStr, pb.Params()...); err != nil {
		if errors.Is(h.store.Dialect.MapError(err), store.ErrUniqueViolation) {
			return engine.NewAppError("CONFLICT", 409, "Email already registered")
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":    id,
		"email": body.Email,
		"roles": body.Roles,
	}})
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "test",
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func createTenant(t *testing.T, s *store.Store) string {
	t.Helper()
	id := store.GenerateUUID()
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("INSERT INTO _tenants (id, name, slug) VALUES (%s, %s, %s)",
		pb.Add(id), pb.Add("Acme"), pb.Add("acme-"+id[:8]))
	if _, err := store.Exec(context.Background(), s.DB, sqlStr, pb.Params()...); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return id
}

func createSubscription(t *testing.T, s *store.Store, tenantID, plan string) {
	t.Helper()
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _subscriptions (id, tenant_id, plan, status) VALUES (%s, %s, %s, 'active')",
		pb.Add(store.GenerateUUID()), pb.Add(tenantID), pb.Add(plan))
	if _, err := store.Exec(context.Background(), s.DB, sqlStr, pb.Params()...); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
}

// createWorkflow inserts an enabled single-transform workflow and returns its ID.
func createWorkflow(t *testing.T, s *store.Store, tenantID string) string {
	t.Helper()
	return createWorkflowWithSteps(t, s, tenantID, "t1", []model.Step{
		{ID: "t1", Type: "transform", Next: "end"},
	})
}

func createWorkflowWithSteps(t *testing.T, s *store.Store, tenantID, startStepID string, steps []model.Step) string {
	t.Helper()
	ws := &SQLWorkflowStore{Dialect: s.Dialect}
	id, err := ws.Create(context.Background(), s.DB, &model.Workflow{
		TenantID:    tenantID,
		Name:        "Order processor",
		StartStepID: startStepID,
		Steps:       steps,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return id
}

func createEndpoint(t *testing.T, s *store.Store, tenantID, workflowID, secret string, enabled bool) string {
	t.Helper()
	id := store.GenerateUUID()
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _webhook_endpoints (id, tenant_id, workflow_id, name, secret, enabled)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(tenantID), pb.Add(workflowID), pb.Add("orders"), pb.Add(secret), pb.Add(enabled))
	if _, err := store.Exec(context.Background(), s.DB, sqlStr, pb.Params()...); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return id
}

// testErrorHandler mirrors the server's error handler so AppError statuses
// survive app.Test round trips.
func testErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: "INTERNAL_ERROR", Message: fiberErr.Message},
		})
	}
	return c.Status(500).JSON(ErrorResponse{
		Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
	})
}

type nopWaker struct{}

func (nopWaker) Wake() {}

func newWebhookApp(s *store.Store) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: testErrorHandler})
	h := NewWebhookHandler(s, NewEntitlementGate(s), NewRunStore(s.Dialect), nopWaker{})
	RegisterWebhookRoutes(app, h)
	return app
}

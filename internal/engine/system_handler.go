package engine

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// SystemHandler manages workflow definitions ("systems") and read access to
// runs, execution logs, and artifacts. Every read is tenant-scoped at the
// query layer.
type SystemHandler struct {
	store     *store.Store
	gate      *EntitlementGate
	wfStore   WorkflowStore
	runs      *RunStore
	artifacts *ArtifactWriter
}

func NewSystemHandler(s *store.Store, gate *EntitlementGate, wfStore WorkflowStore,
	runs *RunStore, artifacts *ArtifactWriter) *SystemHandler {
	return &SystemHandler{store: s, gate: gate, wfStore: wfStore, runs: runs, artifacts: artifacts}
}

type createSystemRequest struct {
	TenantID    string       `json:"tenant_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	StartStepID string       `json:"start_step_id"`
	Steps       []model.Step `json:"steps"`
}

// CreateSystem handles POST /api/systems.
func (h *SystemHandler) CreateSystem(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var body createSystemRequest
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if err := requireTenantParam(body.TenantID); err != nil {
		return err
	}
	if body.Name == "" {
		return ValidationError("name is required")
	}
	if err := model.ValidateSteps(body.StartStepID, body.Steps); err != nil {
		return ValidationError(err.Error())
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, body.TenantID); err != nil {
		return err
	}
	if err := h.gate.AssertCanCreateSystem(ctx, body.TenantID); err != nil {
		return err
	}

	wf := &model.Workflow{
		TenantID:    body.TenantID,
		Name:        body.Name,
		Description: body.Description,
		StartStepID: body.StartStepID,
		Steps:       body.Steps,
		Enabled:     true,
	}
	id, err := h.wfStore.Create(ctx, h.store.DB, wf)
	if err != nil {
		log.Printf("ERROR: create workflow for tenant %s: %v", body.TenantID, err)
		return InternalError("Failed to create system")
	}
	wf.ID = id

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": wf})
}

// ListSystems handles GET /api/systems?tenant_id=.
func (h *SystemHandler) ListSystems(c *fiber.Ctx) error {
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

	workflows, err := h.wfStore.List(ctx, h.store.DB, tenantID)
	if err != nil {
		log.Printf("ERROR: list workflows for tenant %s: %v", tenantID, err)
		return InternalError("Failed to list systems")
	}
	return c.JSON(fiber.Map{"data": workflows})
}

// GetRun handles GET /api/runs/:id?tenant_id=.
func (h *SystemHandler) GetRun(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	runID := c.Params("id")
	tenantID := c.Query("tenant_id")
	if err := requireTenantParam(tenantID); err != nil {
		return err
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, tenantID); err != nil {
		return err
	}

	run, err := h.runs.Get(ctx, h.store.DB, tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("run", runID)
		}
		log.Printf("ERROR: load run %s: %v", runID, err)
		return InternalError("Failed to load run")
	}
	return c.JSON(fiber.Map{"data": run})
}

// ListRuns handles GET /api/runs?tenant_id=&status=&limit=. status is an
// optional comma-separated filter (e.g. "pending,failed").
func (h *SystemHandler) ListRuns(c *fiber.Ctx) error {
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

	var statuses []string
	for _, status := range strings.Split(c.Query("status"), ",") {
		if status = strings.TrimSpace(status); status != "" {
			statuses = append(statuses, status)
		}
	}

	runs, err := h.runs.List(ctx, h.store.DB, tenantID, statuses, c.QueryInt("limit"))
	if err != nil {
		log.Printf("ERROR: list runs for tenant %s: %v", tenantID, err)
		return InternalError("Failed to list runs")
	}
	return c.JSON(fiber.Map{"data": runs})
}

// GetRunLogs handles GET /api/runs/:id/logs?tenant_id=.
func (h *SystemHandler) GetRunLogs(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	runID := c.Params("id")
	tenantID := c.Query("tenant_id")
	if err := requireTenantParam(tenantID); err != nil {
		return err
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, tenantID); err != nil {
		return err
	}

	// Confirm the run exists in this tenant before exposing logs.
	if _, err := h.runs.Get(ctx, h.store.DB, tenantID, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("run", runID)
		}
		return InternalError("Failed to load run")
	}

	logs, err := h.artifacts.ListLogs(ctx, h.store.DB, tenantID, runID)
	if err != nil {
		log.Printf("ERROR: list logs for run %s: %v", runID, err)
		return InternalError("Failed to load run logs")
	}
	if logs == nil {
		logs = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": logs})
}

// GetRunArtifact handles GET /api/runs/:id/artifact?tenant_id=.
func (h *SystemHandler) GetRunArtifact(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	runID := c.Params("id")
	tenantID := c.Query("tenant_id")
	if err := requireTenantParam(tenantID); err != nil {
		return err
	}

	ctx := c.Context()
	if err := requireMembership(ctx, h.store, user, tenantID); err != nil {
		return err
	}

	artifact, err := h.artifacts.GetForRun(ctx, h.store.DB, tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("artifact for run", runID)
		}
		log.Printf("ERROR: load artifact for run %s: %v", runID, err)
		return InternalError("Failed to load artifact")
	}
	return c.JSON(fiber.Map{"data": artifact})
}

// RegisterSystemRoutes mounts system and run routes behind auth middleware.
func RegisterSystemRoutes(app *fiber.App, h *SystemHandler, authMW fiber.Handler) {
	systems := app.Group("/api/systems", authMW)
	systems.Post("/", h.CreateSystem)
	systems.Get("/", h.ListSystems)

	runs := app.Group("/api/runs", authMW)
	runs.Get("/", h.ListRuns)
	runs.Get("/:id", h.GetRun)
	runs.Get("/:id/logs", h.GetRunLogs)
	runs.Get("/:id/artifact", h.GetRunArtifact)
}

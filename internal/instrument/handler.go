package instrument

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/store"
)

const traceEventColumns = "id, trace_id, span_id, parent_span_id, event_type, source, component, action, tenant_id, run_id, user_id, duration_ms, status, metadata, created_at"

// EventHandler exposes REST endpoints for querying and emitting trace events.
type EventHandler struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewEventHandler creates an EventHandler backed by the given db and dialect.
func NewEventHandler(db *sql.DB, dialect store.Dialect) *EventHandler {
	return &EventHandler{db: db, dialect: dialect}
}

// Emit handles POST /_events — emit a custom business event (any authenticated user).
func (h *EventHandler) Emit(c *fiber.Ctx) error {
	var body struct {
		Action   string         `json:"action"`
		TenantID string         `json:"tenant_id"`
		RunID    string         `json:"run_id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}

	if body.Action == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "action is required"}})
	}

	inst := GetInstrumenter(c.UserContext())
	inst.EmitBusinessEvent(c.UserContext(), body.Action, body.TenantID, body.RunID, body.Metadata)

	return c.JSON(fiber.Map{"data": fiber.Map{"status": "ok"}})
}

// List handles GET /_events — list events with filters (admin only).
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var conditions []string
	var args []any
	argIdx := 1

	filters := []struct {
		query  string
		column string
		op     string
	}{
		{"source", "source", "="},
		{"component", "component", "="},
		{"action", "action", "="},
		{"event_type", "event_type", "="},
		{"trace_id", "trace_id", "="},
		{"tenant_id", "tenant_id", "="},
		{"run_id", "run_id", "="},
		{"user_id", "user_id", "="},
		{"status", "status", "="},
		{"from", "created_at", ">="},
		{"to", "created_at", "<="},
	}
	for _, f := range filters {
		if v := c.Query(f.query); v != "" {
			conditions = append(conditions, fmt.Sprintf("%s %s %s", f.column, f.op, h.dialect.Placeholder(argIdx)))
			args = append(args, v)
			argIdx++
		}
	}

	// Pagination
	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}
	offset := (page - 1) * perPage

	// Sort
	sortParam := c.Query("sort", "-created_at")
	orderBy := "created_at DESC"
	if sortParam == "created_at" {
		orderBy = "created_at ASC"
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	countSQL := "SELECT COUNT(*) as count FROM _trace_events" + whereClause
	countRow, err := store.QueryRow(ctx, h.db, countSQL, args...)
	if err != nil {
		return fmt.Errorf("count trace events: %w", err)
	}
	total := toInt(countRow["count"])

	dataSQL := fmt.Sprintf(
		"SELECT %s FROM _trace_events%s ORDER BY %s LIMIT %s OFFSET %s",
		traceEventColumns, whereClause, orderBy, h.dialect.Placeholder(argIdx), h.dialect.Placeholder(argIdx+1),
	)
	dataArgs := append(args, perPage, offset)
	rows, err := store.QueryRows(ctx, h.db, dataSQL, dataArgs...)
	if err != nil {
		return fmt.Errorf("list trace events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrace handles GET /_events/trace/:traceId — full trace waterfall (admin only).
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	ctx := c.UserContext()
	traceID := c.Params("traceId")
	if traceID == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "trace_id is required"}})
	}

	rows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("SELECT %s FROM _trace_events WHERE trace_id = %s ORDER BY created_at ASC", traceEventColumns, h.dialect.Placeholder(1)),
		traceID,
	)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	// Build tree structure from spans
	type spanNode struct {
		data     map[string]any
		children []map[string]any
	}

	spanMap := make(map[string]*spanNode, len(rows))
	for _, row := range rows {
		spanID, _ := row["span_id"].(string)
		spanMap[spanID] = &spanNode{
			data:     row,
			children: []map[string]any{},
		}
	}

	var rootSpan map[string]any
	for _, node := range spanMap {
		parentID, _ := node.data["parent_span_id"].(string)
		if parentID != "" {
			if parent, ok := spanMap[parentID]; ok {
				parent.children = append(parent.children, node.data)
			}
		}
		if parentID == "" {
			rootSpan = node.data
		}
	}

	for _, node := range spanMap {
		node.data["children"] = node.children
	}

	// If no explicit root, use first span
	if rootSpan == nil && len(rows) > 0 {
		spanID, _ := rows[0]["span_id"].(string)
		if node, ok := spanMap[spanID]; ok {
			rootSpan = node.data
		}
	}

	var totalDurationMs any
	if rootSpan != nil {
		totalDurationMs = rootSpan["duration_ms"]
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         rootSpan,
			"spans":             rows,
			"total_duration_ms": totalDurationMs,
		},
	})
}

// GetStats handles GET /_events/stats — aggregate stats (admin only).
// Percentiles are computed in Go so both dialects return the same shape.
func (h *EventHandler) GetStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var conditions []string
	var args []any
	argIdx := 1

	if v := c.Query("from"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at >= %s", h.dialect.Placeholder(argIdx)))
		args = append(args, v)
		argIdx++
	}
	if v := c.Query("to"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at <= %s", h.dialect.Placeholder(argIdx)))
		args = append(args, v)
		argIdx++
	}
	if v := c.Query("tenant_id"); v != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = %s", h.dialect.Placeholder(argIdx)))
		args = append(args, v)
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	filterCountExpr := h.dialect.FilterCountExpr("status = 'error'")

	totalSQL := fmt.Sprintf(
		`SELECT COUNT(*) as total_events, AVG(duration_ms) as avg_latency_ms, %s as error_count FROM _trace_events%s`,
		filterCountExpr, whereClause,
	)

	totalEvents := 0
	var avgLatencyMs any
	var errorRate float64

	totalRow, err := store.QueryRow(ctx, h.db, totalSQL, args...)
	if err == nil {
		totalEvents = toInt(totalRow["total_events"])
		avgLatencyMs = totalRow["avg_latency_ms"]
		errorCount := toInt(totalRow["error_count"])
		if totalEvents > 0 {
			errorRate = float64(errorCount) / float64(totalEvents)
			errorRate = math.Round(errorRate*10000) / 10000
		}
	}

	durationWhere := "duration_ms IS NOT NULL"
	if whereClause != "" {
		durationWhere = whereClause[len(" WHERE "):] + " AND duration_ms IS NOT NULL"
	}

	var p95LatencyMs any
	p95SQL := fmt.Sprintf("SELECT duration_ms FROM _trace_events WHERE %s ORDER BY duration_ms", durationWhere)
	p95Rows, p95Err := store.QueryRows(ctx, h.db, p95SQL, args...)
	if p95Err == nil && len(p95Rows) > 0 {
		idx := int(float64(len(p95Rows)) * 0.95)
		if idx >= len(p95Rows) {
			idx = len(p95Rows) - 1
		}
		p95LatencyMs = p95Rows[idx]["duration_ms"]
	}

	// By-source stats
	bySourceSQL := fmt.Sprintf(
		`SELECT source, COUNT(*) as count, AVG(duration_ms) as avg_duration_ms, %s as error_count FROM _trace_events WHERE %s GROUP BY source ORDER BY count DESC`,
		filterCountExpr, durationWhere,
	)
	bySourceRows, err := store.QueryRows(ctx, h.db, bySourceSQL, args...)
	if err != nil {
		return fmt.Errorf("stats by source: %w", err)
	}

	bySource := make([]fiber.Map, 0, len(bySourceRows))
	for _, row := range bySourceRows {
		bySource = append(bySource, fiber.Map{
			"source":          row["source"],
			"count":           toInt(row["count"]),
			"avg_duration_ms": row["avg_duration_ms"],
			"p95_duration_ms": nil,
			"error_count":     toInt(row["error_count"]),
		})
	}

	for i, bs := range bySource {
		source, _ := bs["source"].(string)
		if source == "" {
			continue
		}
		srcArgs := make([]any, len(args))
		copy(srcArgs, args)
		srcArgs = append(srcArgs, source)
		srcP95SQL := fmt.Sprintf(
			"SELECT duration_ms FROM _trace_events WHERE %s AND source = %s ORDER BY duration_ms",
			durationWhere, h.dialect.Placeholder(argIdx),
		)
		srcP95Rows, srcErr := store.QueryRows(ctx, h.db, srcP95SQL, srcArgs...)
		if srcErr != nil || len(srcP95Rows) == 0 {
			continue
		}
		durations := make([]float64, 0, len(srcP95Rows))
		for _, r := range srcP95Rows {
			if d := toFloat(r["duration_ms"]); d > 0 {
				durations = append(durations, d)
			}
		}
		if len(durations) > 0 {
			sort.Float64s(durations)
			idx := int(float64(len(durations)) * 0.95)
			if idx >= len(durations) {
				idx = len(durations) - 1
			}
			bySource[i]["p95_duration_ms"] = durations[idx]
		}
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"total_events":   totalEvents,
			"avg_latency_ms": avgLatencyMs,
			"p95_latency_ms": p95LatencyMs,
			"error_rate":     errorRate,
			"by_source":      bySource,
		},
	})
}

// RegisterTraceRoutes mounts the trace event routes. Emit requires auth;
// the read endpoints additionally require admin.
func RegisterTraceRoutes(app *fiber.App, h *EventHandler, authMW, adminMW fiber.Handler) {
	group := app.Group("/_events", authMW)
	group.Post("/", h.Emit)
	group.Get("/", adminMW, h.List)
	group.Get("/stats", adminMW, h.GetStats)
	group.Get("/trace/:traceId", adminMW, h.GetTrace)
}

// toInt safely converts various numeric types to int.
func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

// toFloat safely converts various numeric types to float64.
func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

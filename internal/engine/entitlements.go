package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// GateDecision is the outcome of an entitlement check.
type GateDecision struct {
	Allowed bool
	Reason  string
	Plan    string
	Used    int
	Limit   int
}

// EntitlementGate answers "may this tenant perform this action right now"
// for plan-limited actions. Plan lookup failures degrade to the free plan
// (the tightest limits); usage counting failures deny outright.
type EntitlementGate struct {
	store *store.Store
}

func NewEntitlementGate(s *store.Store) *EntitlementGate {
	return &EntitlementGate{store: s}
}

// ResolvePlan returns the tenant's current plan name from the latest active
// subscription, defaulting to "free" when none can be determined.
func (g *EntitlementGate) ResolvePlan(ctx context.Context, tenantID string) string {
	pb := g.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT plan FROM _subscriptions
		 WHERE tenant_id = %s AND status = %s
		 ORDER BY created_at DESC LIMIT 1`,
		pb.Add(tenantID), pb.Add("active"))

	row, err := store.QueryRow(ctx, g.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("WARN: plan lookup failed for tenant %s, defaulting to free: %v", tenantID, err)
		}
		return "free"
	}
	plan, _ := row["plan"].(string)
	if plan == "" {
		return "free"
	}
	return plan
}

// CanCreateSystem checks the enabled-workflow count against the plan limit.
func (g *EntitlementGate) CanCreateSystem(ctx context.Context, tenantID string) GateDecision {
	plan := g.ResolvePlan(ctx, tenantID)
	limits := model.LimitsForPlan(plan)
	if model.Unlimited(limits.MaxSystems) {
		return GateDecision{Allowed: true, Plan: plan, Limit: -1}
	}

	used, err := g.countWhere(ctx, "_workflows", "tenant_id = %s AND enabled = %s", tenantID, true)
	if err != nil {
		log.Printf("ERROR: system count failed for tenant %s: %v", tenantID, err)
		return GateDecision{Reason: "Unable to verify system limit", Plan: plan}
	}

	if used >= limits.MaxSystems {
		return GateDecision{
			Reason: fmt.Sprintf("System limit reached (%d/%d on %s plan)", used, limits.MaxSystems, plan),
			Plan:   plan, Used: used, Limit: limits.MaxSystems,
		}
	}
	return GateDecision{Allowed: true, Plan: plan, Used: used, Limit: limits.MaxSystems}
}

// CanCreateWebhook checks the enabled-endpoint count against the plan limit.
func (g *EntitlementGate) CanCreateWebhook(ctx context.Context, tenantID string) GateDecision {
	plan := g.ResolvePlan(ctx, tenantID)
	limits := model.LimitsForPlan(plan)
	if model.Unlimited(limits.MaxWebhooks) {
		return GateDecision{Allowed: true, Plan: plan, Limit: -1}
	}

	used, err := g.countWhere(ctx, "_webhook_endpoints", "tenant_id = %s AND enabled = %s", tenantID, true)
	if err != nil {
		log.Printf("ERROR: webhook count failed for tenant %s: %v", tenantID, err)
		return GateDecision{Reason: "Unable to verify webhook limit", Plan: plan}
	}

	if used >= limits.MaxWebhooks {
		return GateDecision{
			Reason: fmt.Sprintf("Webhook limit reached (%d/%d on %s plan)", used, limits.MaxWebhooks, plan),
			Plan:   plan, Used: used, Limit: limits.MaxWebhooks,
		}
	}
	return GateDecision{Allowed: true, Plan: plan, Used: used, Limit: limits.MaxWebhooks}
}

// CanExecuteRun checks this calendar month's run count against the plan limit.
// Runs count from creation, so pending and failed runs consume quota too.
func (g *EntitlementGate) CanExecuteRun(ctx context.Context, tenantID string) GateDecision {
	plan := g.ResolvePlan(ctx, tenantID)
	limits := model.LimitsForPlan(plan)
	if model.Unlimited(limits.MaxRunsPerMonth) {
		return GateDecision{Allowed: true, Plan: plan, Limit: -1}
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	pb := g.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT COUNT(*) AS n FROM _workflow_executions WHERE tenant_id = %s AND created_at >= %s`,
		pb.Add(tenantID), pb.Add(g.store.Dialect.TimeParam(monthStart)))

	used, err := g.count(ctx, sqlStr, pb.Params()...)
	if err != nil {
		log.Printf("ERROR: run count failed for tenant %s: %v", tenantID, err)
		return GateDecision{Reason: "Unable to verify run limit", Plan: plan}
	}

	if used >= limits.MaxRunsPerMonth {
		return GateDecision{
			Reason: fmt.Sprintf("Monthly run limit reached (%d/%d on %s plan)", used, limits.MaxRunsPerMonth, plan),
			Plan:   plan, Used: used, Limit: limits.MaxRunsPerMonth,
		}
	}
	return GateDecision{Allowed: true, Plan: plan, Used: used, Limit: limits.MaxRunsPerMonth}
}

// AssertCanCreateSystem returns a 403 AppError when the gate denies.
func (g *EntitlementGate) AssertCanCreateSystem(ctx context.Context, tenantID string) error {
	return assertDecision(g.CanCreateSystem(ctx, tenantID))
}

// AssertCanCreateWebhook returns a 403 AppError when the gate denies.
func (g *EntitlementGate) AssertCanCreateWebhook(ctx context.Context, tenantID string) error {
	return assertDecision(g.CanCreateWebhook(ctx, tenantID))
}

// AssertCanExecuteRun returns a 403 AppError when the gate denies.
func (g *EntitlementGate) AssertCanExecuteRun(ctx context.Context, tenantID string) error {
	return assertDecision(g.CanExecuteRun(ctx, tenantID))
}

func assertDecision(d GateDecision) error {
	if d.Allowed {
		return nil
	}
	return EntitlementError(d.Reason)
}

func (g *EntitlementGate) countWhere(ctx context.Context, table, condFmt string, tenantID string, enabled bool) (int, error) {
	pb := g.store.Dialect.NewParamBuilder()
	cond := fmt.Sprintf(condFmt, pb.Add(tenantID), pb.Add(enabled))
	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE %s", table, cond)
	return g.count(ctx, sqlStr, pb.Params()...)
}

func (g *EntitlementGate) count(ctx context.Context, sqlStr string, args ...any) (int, error) {
	row, err := store.QueryRow(ctx, g.store.DB, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	switch n := row["n"].(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected count type %T", row["n"])
	}
}

package model

// PlanLimits defines the per-plan resource ceilings. A value of -1 means
// unlimited.
type PlanLimits struct {
	MaxSystems         int  `json:"max_systems"`
	MaxWebhooks        int  `json:"max_webhooks"`
	MaxRunsPerMonth    int  `json:"max_runs_per_month"`
	AIEnabled          bool `json:"ai_enabled"`
	ScheduledExecution bool `json:"scheduled_execution"`
}

// planLimits maps plan names to their limits. Unknown plans fall back to free.
var planLimits = map[string]PlanLimits{
	"free": {
		MaxSystems:      3,
		MaxWebhooks:     5,
		MaxRunsPerMonth: 100,
	},
	"starter": {
		MaxSystems:         20,
		MaxWebhooks:        50,
		MaxRunsPerMonth:    10000,
		ScheduledExecution: true,
	},
	"pro": {
		MaxSystems:         100,
		MaxWebhooks:        500,
		MaxRunsPerMonth:    50000,
		AIEnabled:          true,
		ScheduledExecution: true,
	},
	"enterprise": {
		MaxSystems:         -1,
		MaxWebhooks:        -1,
		MaxRunsPerMonth:    -1,
		AIEnabled:          true,
		ScheduledExecution: true,
	},
}

// LimitsForPlan returns the limits for a plan name, defaulting to free for
// unknown plans.
func LimitsForPlan(plan string) PlanLimits {
	if limits, ok := planLimits[plan]; ok {
		return limits
	}
	return planLimits["free"]
}

// Unlimited reports whether a limit value means "no cap".
func Unlimited(limit int) bool {
	return limit < 0
}

// ValidPlan reports whether the plan name is one we recognize.
func ValidPlan(plan string) bool {
	_, ok := planLimits[plan]
	return ok
}

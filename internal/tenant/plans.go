package tenant

// Plan is one row of the built-in catalog. Quotas are monthly request
// counts, rates are per minute, prices in cents. The catalog is
// configuration shipped with the binary; the marketplace references
// plans by name.
type Plan struct {
	Name               string `json:"name"`
	MonthlyQuota       int64  `json:"monthlyQuota"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute"`
	PriceCents         int64  `json:"priceCents"`
}

var planCatalog = []Plan{
	{Name: "starter", MonthlyQuota: 1000, RateLimitPerMinute: 10, PriceCents: 1000},
	{Name: "pro", MonthlyQuota: 10000, RateLimitPerMinute: 60, PriceCents: 5000},
	{Name: "enterprise", MonthlyQuota: 100000, RateLimitPerMinute: 600, PriceCents: 20000},
}

// PlanByName resolves a catalog entry.
func PlanByName(name string) (Plan, bool) {
	for _, p := range planCatalog {
		if p.Name == name {
			return p, true
		}
	}
	return Plan{}, false
}

// DefaultPlan is assigned when registration omits a plan.
func DefaultPlan() Plan { return planCatalog[0] }

// Plans returns the catalog in display order.
func Plans() []Plan {
	out := make([]Plan, len(planCatalog))
	copy(out, planCatalog)
	return out
}

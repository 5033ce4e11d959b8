// Package catalog holds the static plan definitions that seed plan grants and the
// free-tier fallback.
package catalog

import (
	"sort"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// Feature flags.
const (
	FlagExportTxt           = "canExportTxt"
	FlagExportMD            = "canExportMD"
	FlagExportJSON          = "canExportJSON"
	FlagExportPDF           = "canExportPDF"
	FlagExportBundleZip     = "canExportBundleZip"
	FlagExportCustomFormats = "canExportCustomFormats"
	FlagCloudHistory        = "hasCloudHistory"
	FlagCreateModules       = "canCreateModules"
	FlagGptTestReal         = "canUseGptTestReal"
	FlagViewAnalytics       = "canViewAnalytics"
	FlagAdvancedFeatures    = "canUseAdvancedFeatures"
	FlagAPI                 = "hasAPI"
	FlagWhiteLabel          = "whiteLabel"
	FlagWatermark           = "watermark"
)

// Quotas.
const (
	QuotaMonthlyRuns      = "monthlyRuns"
	QuotaMonthlyExports   = "monthlyExports"
	QuotaMaxSeats         = "maxSeats"
	QuotaMaxCustomModules = "maxCustomModules"
)

// Plan codes.
const (
	PlanPilot      = "pilot"
	PlanCreator    = "creator"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

var aliases = map[string]string{
	"canUseAPI":       FlagAPI,
	"maxTeamMembers":  QuotaMaxSeats,
	"canExportBundle": FlagExportBundleZip,
}

var quotas = map[string]struct{}{
	QuotaMonthlyRuns:      {},
	QuotaMonthlyExports:   {},
	QuotaMaxSeats:         {},
	QuotaMaxCustomModules: {},
}

// Canonical maps legacy flag names onto their current name.
func Canonical(name string) string {
	if c, ok := aliases[name]; ok {
		return c
	}
	return name
}

// IsQuota reports whether name is a numeric quota rather than a boolean flag.
func IsQuota(name string) bool {
	_, ok := quotas[Canonical(name)]
	return ok
}

// FlagDefault is one (flag, value) pair of a plan.
type FlagDefault struct {
	Flag  string
	Value models.Value
}

// Plan is an immutable plan definition. Prices are in cents.
type Plan struct {
	Code         string
	Name         string
	Version      int
	MonthlyPrice int64
	AnnualPrice  int64
	TrialDays    int
	Defaults     []FlagDefault
	PriceIDs     map[models.BillingCycle]string
}

// Free reports whether the plan costs nothing.
func (p Plan) Free() bool {
	return p.MonthlyPrice == 0 && p.AnnualPrice == 0
}

// PriceID returns the provider price for cycle.
func (p Plan) PriceID(cycle models.BillingCycle) string {
	return p.PriceIDs[cycle]
}

// DefaultValue returns the plan's default for flag.
func (p Plan) DefaultValue(flag string) (models.Value, bool) {
	flag = Canonical(flag)
	for _, d := range p.Defaults {
		if d.Flag == flag {
			return d.Value, true
		}
	}
	return models.Value{}, false
}

// Grants turns the plan defaults into grant specs for orgID.
func (p Plan) Grants(orgID string) []models.GrantSpec {
	specs := make([]models.GrantSpec, 0, len(p.Defaults))
	for _, d := range p.Defaults {
		specs = append(specs, models.GrantSpec{
			OrgID:  orgID,
			Flag:   d.Flag,
			Value:  d.Value,
			Source: models.SourcePlan,
		})
	}
	return specs
}

// Catalog is the set of known plans ordered by ascending monthly price.
type Catalog struct {
	plans  []Plan
	byCode map[string]int
}

// New builds a catalog from plans. Plans are sorted by monthly price, then code.
func New(plans ...Plan) *Catalog {
	sorted := append([]Plan(nil), plans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MonthlyPrice != sorted[j].MonthlyPrice {
			return sorted[i].MonthlyPrice < sorted[j].MonthlyPrice
		}
		return sorted[i].Code < sorted[j].Code
	})
	c := &Catalog{plans: sorted, byCode: make(map[string]int, len(sorted))}
	for i, p := range sorted {
		c.byCode[p.Code] = i
	}
	return c
}

// Get returns the plan for code.
func (c *Catalog) Get(code string) (Plan, bool) {
	i, ok := c.byCode[code]
	if !ok {
		return Plan{}, false
	}
	return c.plans[i], true
}

// Plans returns every plan in ascending price order.
func (c *Catalog) Plans() []Plan {
	return append([]Plan(nil), c.plans...)
}

// FreeTier returns the cheapest plan.
func (c *Catalog) FreeTier() Plan {
	if len(c.plans) == 0 {
		return Plan{}
	}
	return c.plans[0]
}

// CheapestWithFlag returns the cheapest plan whose defaults turn flag on.
func (c *Catalog) CheapestWithFlag(flag string) (Plan, bool) {
	for _, p := range c.plans {
		if v, ok := p.DefaultValue(flag); ok && v.Kind == models.KindBool && v.Bool {
			return p, true
		}
	}
	return Plan{}, false
}

// CheapestWithQuota returns the cheapest plan whose default quota exceeds usage.
func (c *Catalog) CheapestWithQuota(metric string, usage int64) (Plan, bool) {
	for _, p := range c.plans {
		v, ok := p.DefaultValue(metric)
		if !ok || v.Kind != models.KindQuota {
			continue
		}
		if v.Quota == models.Unlimited || v.Quota > usage {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanForPrice finds the plan and cycle that own a provider price id.
func (c *Catalog) PlanForPrice(priceID string) (Plan, models.BillingCycle, bool) {
	if priceID == "" {
		return Plan{}, "", false
	}
	for _, p := range c.plans {
		for cycle, id := range p.PriceIDs {
			if id == priceID {
				return p, cycle, true
			}
		}
	}
	return Plan{}, "", false
}

// ExportFormats lists the export formats the resolved flags allow.
func ExportFormats(flags map[string]bool) []string {
	formats := []string{"txt", "md"}
	if flags[FlagExportJSON] {
		formats = append(formats, "json")
	}
	if flags[FlagExportPDF] {
		formats = append(formats, "pdf")
	}
	if flags[FlagExportBundleZip] {
		formats = append(formats, "zip")
	}
	return formats
}

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

func testCatalog() *Catalog {
	return Default(PriceIDs{
		PlanPro: {
			models.CycleMonthly: "price_pro_monthly",
			models.CycleAnnual:  "price_pro_annual",
		},
		PlanEnterprise: {
			models.CycleMonthly: "price_enterprise_monthly",
			models.CycleAnnual:  "price_enterprise_annual",
		},
	})
}

func TestPlansAreOrderedByPrice(t *testing.T) {
	plans := testCatalog().Plans()
	require.Len(t, plans, 4)
	for i := 1; i < len(plans); i++ {
		assert.LessOrEqual(t, plans[i-1].MonthlyPrice, plans[i].MonthlyPrice)
	}
	assert.Equal(t, PlanPilot, testCatalog().FreeTier().Code)
	assert.True(t, testCatalog().FreeTier().Free())
}

func TestCheapestWithFlag(t *testing.T) {
	c := testCatalog()

	cases := map[string]string{
		FlagExportJSON:      PlanPro,
		FlagExportPDF:       PlanPro,
		FlagAPI:             PlanEnterprise,
		"canUseAPI":         PlanEnterprise,
		FlagExportBundleZip: PlanEnterprise,
		FlagCloudHistory:    PlanCreator,
		FlagExportTxt:       PlanPilot,
	}
	for flag, want := range cases {
		p, ok := c.CheapestWithFlag(flag)
		require.True(t, ok, flag)
		assert.Equal(t, want, p.Code, flag)
	}

	_, ok := c.CheapestWithFlag("doesNotExist")
	assert.False(t, ok)
}

func TestCheapestWithQuota(t *testing.T) {
	c := testCatalog()

	p, ok := c.CheapestWithQuota(QuotaMaxSeats, 1)
	require.True(t, ok)
	assert.Equal(t, PlanCreator, p.Code)

	p, ok = c.CheapestWithQuota(QuotaMaxSeats, 50)
	require.True(t, ok)
	assert.Equal(t, PlanEnterprise, p.Code)
}

func TestPlanForPrice(t *testing.T) {
	p, cycle, ok := testCatalog().PlanForPrice("price_enterprise_annual")
	require.True(t, ok)
	assert.Equal(t, PlanEnterprise, p.Code)
	assert.Equal(t, models.CycleAnnual, cycle)

	_, _, ok = testCatalog().PlanForPrice("")
	assert.False(t, ok)
}

func TestPlanGrantsCoverEveryDefault(t *testing.T) {
	p, ok := testCatalog().Get(PlanPro)
	require.True(t, ok)

	specs := p.Grants("org-1")
	require.Len(t, specs, len(p.Defaults))
	for _, s := range specs {
		assert.Equal(t, models.SourcePlan, s.Source)
		assert.Equal(t, "org-1", s.OrgID)
	}
}

func TestExportFormats(t *testing.T) {
	assert.Equal(t, []string{"txt", "md"}, ExportFormats(nil))
	assert.Equal(t, []string{"txt", "md", "json", "pdf", "zip"}, ExportFormats(map[string]bool{
		FlagExportJSON: true, FlagExportPDF: true, FlagExportBundleZip: true,
	}))
}

func TestIsQuotaHonoursAliases(t *testing.T) {
	assert.True(t, IsQuota("maxTeamMembers"))
	assert.True(t, IsQuota(QuotaMonthlyRuns))
	assert.False(t, IsQuota(FlagAPI))
}

func TestCustomPlanDefaults(t *testing.T) {
	c := New(
		Plan{Code: "basic", Defaults: []FlagDefault{{Flag: FlagExportTxt, Value: models.BoolValue(true)}}},
		Plan{Code: "plus", MonthlyPrice: 500, Defaults: []FlagDefault{{Flag: QuotaMaxSeats, Value: models.QuotaValue(3)}}},
	)

	v, ok := c.FreeTier().DefaultValue(FlagExportTxt)
	require.True(t, ok)
	assert.Equal(t, models.BoolValue(true), v)

	p, ok := c.CheapestWithQuota(QuotaMaxSeats, 2)
	require.True(t, ok)
	assert.Equal(t, "plus", p.Code)
}

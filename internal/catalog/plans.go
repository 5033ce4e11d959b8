package catalog

import "github.com/PortNumber53/entitlement-engine/internal/models"

// PriceIDs maps plan code to provider price id per billing cycle.
type PriceIDs map[string]map[models.BillingCycle]string

func on(flags ...string) []FlagDefault {
	out := make([]FlagDefault, 0, len(flags))
	for _, f := range flags {
		out = append(out, FlagDefault{Flag: f, Value: models.BoolValue(true)})
	}
	return out
}

func limits(runs, exports, seats, modules int64) []FlagDefault {
	return []FlagDefault{
		{Flag: QuotaMonthlyRuns, Value: models.QuotaValue(runs)},
		{Flag: QuotaMonthlyExports, Value: models.QuotaValue(exports)},
		{Flag: QuotaMaxSeats, Value: models.QuotaValue(seats)},
		{Flag: QuotaMaxCustomModules, Value: models.QuotaValue(modules)},
	}
}

var (
	pilotFlags      = []string{FlagExportTxt, FlagExportMD}
	creatorFlags    = append(append([]string{}, pilotFlags...), FlagCloudHistory, FlagCreateModules)
	proFlags        = append(append([]string{}, creatorFlags...), FlagExportPDF, FlagExportJSON, FlagGptTestReal, FlagViewAnalytics, FlagAdvancedFeatures)
	enterpriseFlags = append(append([]string{}, proFlags...), FlagAPI, FlagExportBundleZip, FlagWhiteLabel, FlagExportCustomFormats)
)

// Default returns the shipped catalog with provider price ids filled in from prices.
func Default(prices PriceIDs) *Catalog {
	u := models.Unlimited
	return New(
		Plan{
			Code:     PlanPilot,
			Name:     "Pilot",
			Version:  1,
			Defaults: append(on(pilotFlags...), limits(10, 5, 1, 0)...),
			PriceIDs: prices[PlanPilot],
		},
		Plan{
			Code:         PlanCreator,
			Name:         "Creator",
			Version:      1,
			MonthlyPrice: 1900,
			AnnualPrice:  19000,
			TrialDays:    7,
			Defaults:     append(on(creatorFlags...), limits(100, 50, 3, 5)...),
			PriceIDs:     prices[PlanCreator],
		},
		Plan{
			Code:         PlanPro,
			Name:         "Pro",
			Version:      1,
			MonthlyPrice: 4900,
			AnnualPrice:  49000,
			TrialDays:    14,
			Defaults:     append(on(proFlags...), limits(1000, 500, 10, 25)...),
			PriceIDs:     prices[PlanPro],
		},
		Plan{
			Code:         PlanEnterprise,
			Name:         "Enterprise",
			Version:      1,
			MonthlyPrice: 19900,
			AnnualPrice:  199000,
			Defaults:     append(on(enterpriseFlags...), limits(u, u, u, u)...),
			PriceIDs:     prices[PlanEnterprise],
		},
	)
}

package resolver

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

const org = "2d6f0b1e-7c1a-4f4e-9d8b-1a2b3c4d5e6f"

var (
	now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cat = catalog.Default(nil)
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func grant(id, flag string, v models.Value, src models.Source, at time.Time) models.Grant {
	return models.Grant{ID: id, OrgID: org, Flag: flag, Value: v, Source: src, GrantedAt: at}
}

func planGrants(code string, at time.Time) []models.Grant {
	p, _ := cat.Get(code)
	var out []models.Grant
	for i, spec := range p.Grants(org) {
		out = append(out, grant(code+"-"+string(rune('a'+i)), spec.Flag, spec.Value, models.SourcePlan, at))
	}
	return out
}

func stateWith(status models.SubscriptionStatus, plan string, grants ...models.Grant) store.OrgState {
	st := store.OrgState{Org: models.Organization{ID: org}, Grants: grants}
	if status != models.StatusNone {
		st.Subscription = &models.Subscription{OrgID: org, PlanCode: plan, Status: status}
	}
	return st
}

func compute(st store.OrgState, user *string) models.Snapshot {
	return Compute(Input{State: st, Catalog: cat, UserID: user, Now: now}).Snapshot
}

func TestTiersOrder(t *testing.T) {
	names := make([]string, 0, len(Tiers))
	for _, tier := range Tiers {
		names = append(names, tier.Name)
	}
	assert.Equal(t, []string{"user_override", "org_override", "user_addon", "org_addon", "trial", "plan"}, names)
}

func TestNoSubscriptionFallsBackToFreeTier(t *testing.T) {
	snap := compute(stateWith(models.StatusNone, ""), nil)

	assert.Equal(t, catalog.PlanPilot, snap.PlanCode)
	assert.True(t, snap.Flag(catalog.FlagExportTxt))
	assert.False(t, snap.Flag(catalog.FlagExportPDF))
	seats, ok := snap.Quota(catalog.QuotaMaxSeats)
	require.True(t, ok)
	assert.Equal(t, int64(1), seats)
	assert.Equal(t, models.SourceFree, snap.Sources[catalog.QuotaMaxSeats])
	assert.Equal(t, []string{"txt", "md"}, snap.ExportFormats)
	assert.Equal(t, now, snap.ResolvedAt)
}

func TestActivePlanGrants(t *testing.T) {
	snap := compute(stateWith(models.StatusActive, catalog.PlanPro, planGrants(catalog.PlanPro, now.Add(-time.Hour))...), nil)

	assert.Equal(t, catalog.PlanPro, snap.PlanCode)
	assert.True(t, snap.Flag(catalog.FlagExportPDF))
	assert.True(t, snap.Flag(catalog.FlagExportJSON))
	assert.False(t, snap.Flag(catalog.FlagAPI))
	assert.Equal(t, models.SourcePlan, snap.Sources[catalog.FlagExportPDF])
	assert.Equal(t, []string{"txt", "md", "json", "pdf"}, snap.ExportFormats)
}

func TestPlanDefaultsWhenNoPlanGrantsStored(t *testing.T) {
	snap := compute(stateWith(models.StatusActive, catalog.PlanCreator), nil)

	assert.True(t, snap.Flag(catalog.FlagCloudHistory))
	runs, _ := snap.Quota(catalog.QuotaMonthlyRuns)
	assert.Equal(t, int64(100), runs)
	assert.Equal(t, models.SourcePlan, snap.Sources[catalog.FlagCloudHistory])
}

func TestCanceledSubscriptionIgnoresPlanGrants(t *testing.T) {
	snap := compute(stateWith(models.StatusCanceled, catalog.PlanPro, planGrants(catalog.PlanPro, now.Add(-time.Hour))...), nil)

	assert.Equal(t, catalog.PlanPilot, snap.PlanCode)
	assert.False(t, snap.Flag(catalog.FlagExportPDF))
	assert.Equal(t, models.SourceFree, snap.Sources[catalog.FlagExportTxt])
}

func TestPastDueKeepsPlanDuringGrace(t *testing.T) {
	snap := compute(stateWith(models.StatusPastDue, catalog.PlanPro, planGrants(catalog.PlanPro, now.Add(-time.Hour))...), nil)

	assert.Equal(t, catalog.PlanPro, snap.PlanCode)
	assert.True(t, snap.Flag(catalog.FlagExportJSON))
	assert.True(t, snap.Flag(catalog.FlagExportPDF))
}

func TestOverridePrecedenceIndependentOfInsertionOrder(t *testing.T) {
	user := strPtr("user-1")
	grants := append(planGrants(catalog.PlanPilot, now.Add(-3*time.Hour)),
		grant("promo-1", catalog.FlagExportPDF, models.BoolValue(true), models.SourcePromo, now.Add(-2*time.Hour)),
		grant("ovr-org", catalog.FlagExportPDF, models.BoolValue(true), models.SourceManualOverride, now.Add(-90*time.Minute)),
	)
	userOverride := grant("ovr-user", catalog.FlagExportPDF, models.BoolValue(false), models.SourceManualOverride, now.Add(-4*time.Hour))
	userOverride.UserID = user
	grants = append(grants, userOverride)

	want := compute(stateWith(models.StatusActive, catalog.PlanPilot, grants...), user)
	assert.False(t, want.Flag(catalog.FlagExportPDF), "user override beats newer org override")
	assert.Equal(t, models.SourceManualOverride, want.Sources[catalog.FlagExportPDF])

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Grant(nil), grants...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := compute(stateWith(models.StatusActive, catalog.PlanPilot, shuffled...), user)
		assert.Equal(t, want, got)
	}

	// Without the user, the org override applies.
	orgOnly := compute(stateWith(models.StatusActive, catalog.PlanPilot, grants...), nil)
	assert.True(t, orgOnly.Flag(catalog.FlagExportPDF))
}

func TestDeterministic(t *testing.T) {
	grants := append(planGrants(catalog.PlanCreator, now.Add(-time.Hour)),
		grant("addon-1", catalog.QuotaMaxSeats, models.QuotaValue(2), models.SourceAddon, now.Add(-time.Minute)))
	st := stateWith(models.StatusActive, catalog.PlanCreator, grants...)

	first := compute(st, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, compute(st, nil))
	}
}

func TestExpiredGrantFallsThrough(t *testing.T) {
	expired := grant("promo-1", catalog.FlagExportPDF, models.BoolValue(true), models.SourcePromo, now.Add(-48*time.Hour))
	expired.ExpiresAt = timePtr(now.Add(-time.Second))

	snap := compute(stateWith(models.StatusNone, "", expired), nil)
	assert.False(t, snap.Flag(catalog.FlagExportPDF))
	_, present := snap.Sources[catalog.FlagExportPDF]
	assert.False(t, present)

	expiredSeats := grant("ovr-1", catalog.QuotaMaxSeats, models.QuotaValue(50), models.SourceManualOverride, now.Add(-48*time.Hour))
	expiredSeats.ExpiresAt = timePtr(now)
	snap = compute(stateWith(models.StatusNone, "", expiredSeats), nil)
	seats, _ := snap.Quota(catalog.QuotaMaxSeats)
	assert.Equal(t, int64(1), seats)
	assert.Equal(t, models.SourceFree, snap.Sources[catalog.QuotaMaxSeats])
}

func TestQuotaAddonIsAdditive(t *testing.T) {
	base := grant("plan-seats", catalog.QuotaMaxSeats, models.QuotaValue(5), models.SourcePlan, now.Add(-time.Hour))
	addon := grant("addon-seats", catalog.QuotaMaxSeats, models.QuotaValue(3), models.SourceAddon, now.Add(-time.Minute))

	snap := compute(stateWith(models.StatusActive, catalog.PlanCreator, base, addon), nil)
	seats, ok := snap.Quota(catalog.QuotaMaxSeats)
	require.True(t, ok)
	assert.Equal(t, int64(8), seats)
}

func TestBooleanHighestTierWinsNotOr(t *testing.T) {
	plan := grant("plan-pdf", catalog.FlagExportPDF, models.BoolValue(true), models.SourcePlan, now.Add(-time.Hour))
	off := grant("ovr-pdf", catalog.FlagExportPDF, models.BoolValue(false), models.SourceManualOverride, now.Add(-2*time.Hour))

	snap := compute(stateWith(models.StatusActive, catalog.PlanPro, plan, off), nil)
	assert.False(t, snap.Flag(catalog.FlagExportPDF))
}

func TestManualOverrideQuotaIsExact(t *testing.T) {
	base := grant("plan-runs", catalog.QuotaMonthlyRuns, models.QuotaValue(1000), models.SourcePlan, now.Add(-time.Hour))
	addon := grant("addon-runs", catalog.QuotaMonthlyRuns, models.QuotaValue(500), models.SourceAddon, now.Add(-time.Hour))
	override := grant("ovr-runs", catalog.QuotaMonthlyRuns, models.QuotaValue(20), models.SourceManualOverride, now.Add(-time.Hour))

	snap := compute(stateWith(models.StatusActive, catalog.PlanPro, base, addon, override), nil)
	runs, _ := snap.Quota(catalog.QuotaMonthlyRuns)
	assert.Equal(t, int64(20), runs)
}

func TestExplicitZeroIsDistinctFromAbsent(t *testing.T) {
	zero := grant("ovr-seats", catalog.QuotaMaxSeats, models.QuotaValue(0), models.SourceManualOverride, now.Add(-time.Hour))

	snap := compute(stateWith(models.StatusNone, "", zero), nil)
	seats, ok := snap.Quota(catalog.QuotaMaxSeats)
	require.True(t, ok)
	assert.Equal(t, int64(0), seats, "explicit zero must not fall back to the free-tier default of 1")

	zeroPlan := grant("plan-exports", catalog.QuotaMonthlyExports, models.QuotaValue(0), models.SourcePlan, now.Add(-time.Hour))
	snap = compute(stateWith(models.StatusActive, catalog.PlanCreator, zeroPlan), nil)
	exports, _ := snap.Quota(catalog.QuotaMonthlyExports)
	assert.Equal(t, int64(0), exports)
	_, hasRuns := snap.Quota(catalog.QuotaMonthlyRuns)
	assert.True(t, hasRuns, "absent plan quota falls through to the free tier")
}

func TestQuotaMaxWithinTier(t *testing.T) {
	small := grant("trial-a", catalog.QuotaMonthlyRuns, models.QuotaValue(50), models.SourceTrial, now.Add(-time.Minute))
	unlimited := grant("plan-a", catalog.QuotaMonthlyRuns, models.QuotaValue(models.Unlimited), models.SourcePlan, now.Add(-time.Hour))
	userPlan := grant("plan-b", catalog.QuotaMonthlyRuns, models.QuotaValue(10), models.SourcePlan, now)
	userPlan.UserID = strPtr("u")

	st := stateWith(models.StatusActive, catalog.PlanEnterprise, unlimited, userPlan)
	snap := compute(st, strPtr("u"))
	runs, _ := snap.Quota(catalog.QuotaMonthlyRuns)
	assert.Equal(t, models.Unlimited, runs)

	// A trial grant without an open trial never counts.
	st = stateWith(models.StatusActive, catalog.PlanEnterprise, small)
	snap = compute(st, nil)
	runs, _ = snap.Quota(catalog.QuotaMonthlyRuns)
	assert.Equal(t, models.Unlimited, runs, "catalog enterprise defaults apply when no plan grants exist")
}

func TestTrialTier(t *testing.T) {
	end := now.Add(7 * 24 * time.Hour)
	watermark := grant("trial-wm", catalog.FlagWatermark, models.BoolValue(true), models.SourceTrial, now.Add(-time.Hour))
	watermark.ExpiresAt = timePtr(end)
	grants := append(planGrants(catalog.PlanPro, now.Add(-time.Hour)), watermark)
	for i := range grants {
		if grants[i].Source == models.SourcePlan {
			grants[i].ExpiresAt = timePtr(end)
		}
	}

	st := stateWith(models.StatusTrialing, catalog.PlanPro, grants...)
	st.Subscription.TrialEnd = timePtr(end)
	snap := compute(st, nil)
	assert.True(t, snap.Flag(catalog.FlagWatermark))
	assert.True(t, snap.Flag(catalog.FlagExportPDF))
	require.NotNil(t, snap.NextExpiry)
	assert.Equal(t, end, *snap.NextExpiry)

	// Trial end passed on the subscription: the trial tier no longer counts.
	st.Subscription.TrialEnd = timePtr(now.Add(-time.Minute))
	snap = compute(st, nil)
	assert.False(t, snap.Flag(catalog.FlagWatermark))
}

func TestMostRecentWinsWithinTier(t *testing.T) {
	older := grant("promo-old", catalog.FlagViewAnalytics, models.BoolValue(true), models.SourcePromo, now.Add(-2*time.Hour))
	newer := grant("addon-new", catalog.FlagViewAnalytics, models.BoolValue(false), models.SourceAddon, now.Add(-time.Hour))

	snap := compute(stateWith(models.StatusNone, "", older, newer), nil)
	assert.False(t, snap.Flag(catalog.FlagViewAnalytics))
	assert.Equal(t, models.SourceAddon, snap.Sources[catalog.FlagViewAnalytics])
}

func TestPrecedenceConflictIsReportedAndDeterministic(t *testing.T) {
	at := now.Add(-time.Hour)
	a := grant("b-grant", catalog.FlagAPI, models.BoolValue(false), models.SourceManualOverride, at)
	b := grant("a-grant", catalog.FlagAPI, models.BoolValue(true), models.SourceManualOverride, at)

	res := Compute(Input{State: stateWith(models.StatusNone, "", a, b), Catalog: cat, Now: now})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, catalog.FlagAPI, res.Conflicts[0].Flag)
	assert.True(t, res.Snapshot.Flag(catalog.FlagAPI), "lexically smaller id wins")
}

func TestAliasesResolveToCanonicalNames(t *testing.T) {
	legacy := grant("ovr-api", "canUseAPI", models.BoolValue(true), models.SourceManualOverride, now.Add(-time.Hour))
	snap := compute(stateWith(models.StatusNone, "", legacy), nil)
	assert.True(t, snap.Flag(catalog.FlagAPI))
}

type fakeReader struct {
	state store.OrgState
	err   error
}

func (f fakeReader) LoadOrgState(context.Context, string, *string, time.Time) (store.OrgState, error) {
	return f.state, f.err
}

func TestResolverErrors(t *testing.T) {
	r := New(fakeReader{err: models.ErrNotFound}, cat)
	_, err := r.Resolve(context.Background(), org, nil)
	require.ErrorIs(t, err, models.ErrNotFound)

	r = New(fakeReader{err: errors.New("connection reset")}, cat)
	_, err = r.Resolve(context.Background(), org, nil)
	require.ErrorIs(t, err, models.ErrServiceUnavailable)
}

func TestResolverUsesClock(t *testing.T) {
	st := stateWith(models.StatusActive, catalog.PlanPro)
	r := New(fakeReader{state: st}, cat).WithClock(func() time.Time { return now })

	snap, err := r.Resolve(context.Background(), org, strPtr(""))
	require.NoError(t, err)
	assert.Equal(t, now, snap.ResolvedAt)
	assert.Nil(t, snap.UserID)
	assert.True(t, snap.Flag(catalog.FlagExportPDF))
}

package grants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
	"github.com/PortNumber53/entitlement-engine/internal/store/storetest"
)

const orgID = "0b9c7a8e-4b7e-4a8c-a3f1-6f3d7e2b1c90"

func activePlanGrants(mem *storetest.Memory) map[string]models.Grant {
	out := map[string]models.Grant{}
	for _, g := range mem.Grants() {
		if g.Source == models.SourcePlan && g.SupersededAt == nil {
			out[g.Flag] = g
		}
	}
	return out
}

func TestApplyPlanReplacesPreviousPlan(t *testing.T) {
	ctx := context.Background()
	cat := catalog.Default(nil)
	mem := storetest.New()
	mem.AddOrg(orgID, "Acme")
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	creator, _ := cat.Get(catalog.PlanCreator)
	pro, _ := cat.Get(catalog.PlanPro)

	var first, second Change
	require.NoError(t, mem.Transact(ctx, func(m store.Mutator) error {
		var err error
		first, err = ApplyPlan(ctx, m, orgID, creator, "evt_1", nil, now)
		return err
	}))
	assert.Empty(t, first.Superseded)
	assert.Len(t, first.Inserted, len(creator.Defaults))

	require.NoError(t, mem.Transact(ctx, func(m store.Mutator) error {
		var err error
		second, err = ApplyPlan(ctx, m, orgID, pro, "evt_2", nil, now.Add(time.Hour))
		return err
	}))
	assert.ElementsMatch(t, first.Inserted, second.Superseded)
	assert.Len(t, second.Inserted, len(pro.Defaults))

	active := activePlanGrants(mem)
	assert.Len(t, active, len(pro.Defaults))
	assert.True(t, active[catalog.FlagExportPDF].Value.Bool)
	assert.Equal(t, int64(1000), active[catalog.QuotaMonthlyRuns].Value.Quota)
	assert.Equal(t, "evt_2", active[catalog.QuotaMonthlyRuns].IdempotencyKey)

	// History is kept, never deleted.
	assert.Len(t, mem.Grants(), len(creator.Defaults)+len(pro.Defaults))
}

func TestTrialLifecycle(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	mem.AddOrg(orgID, "Acme")
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(14 * 24 * time.Hour)

	var started Change
	require.NoError(t, mem.Transact(ctx, func(m store.Mutator) error {
		var err error
		started, err = StartTrial(ctx, m, orgID, "evt_1", end, now)
		return err
	}))
	require.Len(t, started.Inserted, 1)

	var ended Change
	require.NoError(t, mem.Transact(ctx, func(m store.Mutator) error {
		var err error
		ended, err = EndTrial(ctx, m, orgID, end)
		return err
	}))
	assert.Equal(t, started.Inserted, ended.Superseded)

	grants := mem.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, catalog.FlagWatermark, grants[0].Flag)
	require.NotNil(t, grants[0].ExpiresAt)
	assert.Equal(t, end, *grants[0].ExpiresAt)
	assert.NotNil(t, grants[0].SupersededAt)
}

func TestPlanGrantsMatch(t *testing.T) {
	ctx := context.Background()
	cat := catalog.Default(nil)
	mem := storetest.New()
	mem.AddOrg(orgID, "Acme")
	now := time.Now().UTC()
	pro, _ := cat.Get(catalog.PlanPro)
	creator, _ := cat.Get(catalog.PlanCreator)
	trialEnd := now.Add(time.Hour)

	require.NoError(t, mem.Transact(ctx, func(m store.Mutator) error {
		_, err := ApplyPlan(ctx, m, orgID, pro, "evt_1", &trialEnd, now)
		return err
	}))
	require.NoError(t, mem.Transact(ctx, func(m store.Mutator) error {
		ok, err := PlanGrantsMatch(ctx, m, orgID, pro)
		require.NoError(t, err)
		assert.False(t, ok, "trial-bounded grants are not permanent")
		_, err = ApplyPlan(ctx, m, orgID, pro, "evt_2", nil, now)
		require.NoError(t, err)
		ok, err = PlanGrantsMatch(ctx, m, orgID, pro)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = PlanGrantsMatch(ctx, m, orgID, creator)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestChangeIDs(t *testing.T) {
	c := Change{Superseded: []string{"a"}, Inserted: []string{"b"}}
	c.Merge(Change{Superseded: []string{"c"}, Inserted: []string{"d"}})
	assert.Equal(t, []string{"a", "c", "b", "d"}, c.IDs())
}

// Package resolver computes the effective entitlement snapshot for an org (and
// optionally one of its users) from stored grants, the subscription and the plan
// catalog.
package resolver

import (
	"sort"
	"time"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

// Tier is one precedence level.
type Tier struct {
	Name string
	// Sources this tier accepts.
	Sources []models.Source
	// UserScoped selects user grants (true) or org-wide grants (false). Nil accepts both.
	UserScoped *bool
	// Additive tiers add quota increments on top of the base instead of replacing it.
	Additive bool
	// Terminal tiers fix a quota exactly; lower tiers and increments are ignored.
	Terminal bool
}

func scope(user bool) *bool { return &user }

// Tiers is the precedence order, highest first. Trial and plan tiers are further
// gated by subscription state inside Compute; the free tier is implicit and last.
var Tiers = []Tier{
	{Name: "user_override", Sources: []models.Source{models.SourceManualOverride}, UserScoped: scope(true), Terminal: true},
	{Name: "org_override", Sources: []models.Source{models.SourceManualOverride}, UserScoped: scope(false), Terminal: true},
	{Name: "user_addon", Sources: []models.Source{models.SourceAddon, models.SourcePromo}, UserScoped: scope(true), Additive: true},
	{Name: "org_addon", Sources: []models.Source{models.SourceAddon, models.SourcePromo}, UserScoped: scope(false), Additive: true},
	{Name: "trial", Sources: []models.Source{models.SourceTrial}},
	{Name: "plan", Sources: []models.Source{models.SourcePlan}},
}

// Input is everything Compute needs. It performs no I/O.
type Input struct {
	State   store.OrgState
	Catalog *catalog.Catalog
	UserID  *string
	Now     time.Time
}

// Conflict describes two grants in the same tier and scope with equal timestamps
// but different values.
type Conflict struct {
	Flag    string
	Source  models.Source
	GrantID string
	OtherID string
}

// Result is the snapshot plus any precedence conflicts found on the way.
type Result struct {
	Snapshot  models.Snapshot
	Conflicts []Conflict
}

type candidate struct {
	value  models.Value
	source models.Source
	grant  *models.Grant
}

func (t Tier) accepts(g models.Grant, userID *string) bool {
	match := false
	for _, s := range t.Sources {
		if g.Source == s {
			match = true
			break
		}
	}
	if !match {
		return false
	}
	if g.UserScoped() {
		if userID == nil || *g.UserID != *userID {
			return false
		}
	}
	if t.UserScoped != nil && *t.UserScoped != g.UserScoped() {
		return false
	}
	return true
}

// Compute applies the precedence tiers. The result depends only on the input, so
// the same grants, subscription, catalog and now always yield the same snapshot.
func Compute(in Input) Result {
	sub := in.State.Subscription
	status := models.StatusNone
	planCode := ""
	if sub != nil {
		status = sub.Status
		planCode = sub.PlanCode
	}

	trialOpen := sub.InTrial(in.Now)
	planEntitled := status.Entitling()

	var active []models.Grant
	for _, g := range in.State.Grants {
		if g.OrgID != in.State.Org.ID || !g.ActiveAt(in.Now) || g.InactiveAt != nil {
			continue
		}
		if g.UserScoped() && (in.UserID == nil || *g.UserID != *in.UserID) {
			continue
		}
		g.Flag = catalog.Canonical(g.Flag)
		active = append(active, g)
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].GrantedAt.Equal(active[j].GrantedAt) {
			return active[i].GrantedAt.After(active[j].GrantedAt)
		}
		return active[i].ID < active[j].ID
	})

	// Per tier, grants by flag, newest first.
	tiers := make([]map[string][]models.Grant, len(Tiers))
	hasPlanGrants := false
	for i, t := range Tiers {
		tiers[i] = map[string][]models.Grant{}
		if t.Name == "trial" && !trialOpen {
			continue
		}
		if t.Name == "plan" && !planEntitled {
			continue
		}
		for _, g := range active {
			if !t.accepts(g, in.UserID) {
				continue
			}
			if t.Name == "plan" {
				hasPlanGrants = true
			}
			tiers[i][g.Flag] = append(tiers[i][g.Flag], g)
		}
	}

	var planDefaults *catalog.Plan
	if planEntitled && !hasPlanGrants && in.Catalog != nil {
		if p, ok := in.Catalog.Get(planCode); ok {
			planDefaults = &p
		}
	}
	var free catalog.Plan
	if in.Catalog != nil {
		free = in.Catalog.FreeTier()
	}

	names := map[string]struct{}{}
	for _, byFlag := range tiers {
		for f := range byFlag {
			names[f] = struct{}{}
		}
	}
	if planDefaults != nil {
		for _, d := range planDefaults.Defaults {
			names[d.Flag] = struct{}{}
		}
	}
	for _, d := range free.Defaults {
		names[d.Flag] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for f := range names {
		ordered = append(ordered, f)
	}
	sort.Strings(ordered)

	snap := models.Snapshot{
		OrgID:              in.State.Org.ID,
		UserID:             in.UserID,
		PlanCode:           planCode,
		SubscriptionStatus: status,
		Flags:              map[string]bool{},
		Quotas:             map[string]int64{},
		Sources:            map[string]models.Source{},
		ResolvedAt:         in.Now,
	}
	if !planEntitled || snap.PlanCode == "" {
		snap.PlanCode = free.Code
	}

	var res Result
	var expiries []time.Time
	for _, flag := range ordered {
		var c candidate
		var ok bool
		if catalog.IsQuota(flag) {
			c, ok = resolveQuota(flag, tiers, planDefaults, free, &res.Conflicts, &expiries)
		} else {
			c, ok = resolveBool(flag, tiers, planDefaults, free, &res.Conflicts, &expiries)
		}
		if !ok {
			continue
		}
		if c.value.Kind == models.KindQuota {
			snap.Quotas[flag] = c.value.Quota
		} else {
			snap.Flags[flag] = c.value.Bool
		}
		snap.Sources[flag] = c.source
	}

	if trialOpen && sub.TrialEnd != nil {
		expiries = append(expiries, *sub.TrialEnd)
	}
	for _, e := range expiries {
		if snap.NextExpiry == nil || e.Before(*snap.NextExpiry) {
			at := e
			snap.NextExpiry = &at
		}
	}
	snap.ExportFormats = catalog.ExportFormats(snap.Flags)

	res.Snapshot = snap
	return res
}

func noteExpiry(g *models.Grant, expiries *[]time.Time) {
	if g != nil && g.ExpiresAt != nil {
		*expiries = append(*expiries, *g.ExpiresAt)
	}
}

// pickNewest returns the newest grant of grants. Grants arrive sorted newest first.
// An equal-timestamp sibling with a different value is a conflict; the lexically
// smaller id wins, which the sort already guarantees.
func pickNewest(flag string, grants []models.Grant, conflicts *[]Conflict) models.Grant {
	winner := grants[0]
	for _, g := range grants[1:] {
		if !g.GrantedAt.Equal(winner.GrantedAt) {
			break
		}
		if g.Source == winner.Source && g.Value != winner.Value {
			*conflicts = append(*conflicts, Conflict{Flag: flag, Source: g.Source, GrantID: winner.ID, OtherID: g.ID})
		}
	}
	return winner
}

func resolveBool(flag string, tiers []map[string][]models.Grant, planDefaults *catalog.Plan, free catalog.Plan, conflicts *[]Conflict, expiries *[]time.Time) (candidate, bool) {
	for i := range Tiers {
		grants := tiers[i][flag]
		if len(grants) == 0 {
			continue
		}
		g := pickNewest(flag, grants, conflicts)
		noteExpiry(&g, expiries)
		return candidate{value: g.Value, source: g.Source, grant: &g}, true
	}
	if planDefaults != nil {
		if v, ok := planDefaults.DefaultValue(flag); ok {
			return candidate{value: v, source: models.SourcePlan}, true
		}
	}
	if v, ok := free.DefaultValue(flag); ok {
		return candidate{value: v, source: models.SourceFree}, true
	}
	return candidate{}, false
}

// maxQuota returns the largest quota among grants; unlimited beats everything.
// Ties go to the newest grant.
func maxQuota(grants []models.Grant) models.Grant {
	best := grants[0]
	for _, g := range grants[1:] {
		if best.Value.Quota == models.Unlimited {
			break
		}
		if g.Value.Quota == models.Unlimited || g.Value.Quota > best.Value.Quota {
			best = g
		}
	}
	return best
}

func resolveQuota(flag string, tiers []map[string][]models.Grant, planDefaults *catalog.Plan, free catalog.Plan, conflicts *[]Conflict, expiries *[]time.Time) (candidate, bool) {
	var increment int64
	var incSource models.Source
	var incGrants []*models.Grant

	for i, t := range Tiers {
		grants := tiers[i][flag]
		if len(grants) == 0 {
			continue
		}
		if t.Terminal {
			g := pickNewest(flag, grants, conflicts)
			noteExpiry(&g, expiries)
			return candidate{value: g.Value, source: g.Source, grant: &g}, true
		}
		if t.Additive {
			for j := range grants {
				g := grants[j]
				if g.Value.Quota == models.Unlimited {
					noteExpiry(&g, expiries)
					return candidate{value: g.Value, source: g.Source, grant: &g}, true
				}
				increment += g.Value.Quota
				if incSource == "" {
					incSource = g.Source
				}
				incGrants = append(incGrants, &g)
			}
			continue
		}
		g := maxQuota(grants)
		noteExpiry(&g, expiries)
		for _, ig := range incGrants {
			noteExpiry(ig, expiries)
		}
		return addIncrement(candidate{value: g.Value, source: g.Source, grant: &g}, increment, incSource), true
	}

	base, ok := candidate{}, false
	if planDefaults != nil {
		if v, found := planDefaults.DefaultValue(flag); found {
			base, ok = candidate{value: v, source: models.SourcePlan}, true
		}
	}
	if !ok {
		if v, found := free.DefaultValue(flag); found {
			base, ok = candidate{value: v, source: models.SourceFree}, true
		}
	}
	if !ok {
		if incSource == "" {
			return candidate{}, false
		}
		base = candidate{value: models.QuotaValue(0), source: incSource}
	}
	for _, ig := range incGrants {
		noteExpiry(ig, expiries)
	}
	return addIncrement(base, increment, incSource), true
}

// addIncrement stacks addon quota on the base. Unlimited absorbs increments.
func addIncrement(base candidate, increment int64, incSource models.Source) candidate {
	if incSource == "" || base.value.Quota == models.Unlimited {
		return base
	}
	base.value = models.QuotaValue(base.value.Quota + increment)
	return base
}

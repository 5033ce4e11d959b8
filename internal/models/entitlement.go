package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Unlimited is the quota value meaning "no ceiling".
const Unlimited int64 = -1

// Source identifies where a grant came from.
type Source string

const (
	SourcePlan           Source = "plan"
	SourceTrial          Source = "trial"
	SourceAddon          Source = "addon"
	SourceManualOverride Source = "manual_override"
	SourcePromo          Source = "promo"
	// SourceFree marks snapshot values that fell through to the free tier. Never stored.
	SourceFree Source = "free"
)

// IsValid reports whether s can be stored on a grant.
func (s Source) IsValid() bool {
	switch s {
	case SourcePlan, SourceTrial, SourceAddon, SourceManualOverride, SourcePromo:
		return true
	}
	return false
}

// ValueKind distinguishes boolean flags from numeric quotas.
type ValueKind string

const (
	KindBool  ValueKind = "bool"
	KindQuota ValueKind = "quota"
)

// Value is either a boolean flag or a numeric quota.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Quota int64
}

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// QuotaValue returns a numeric Value.
func QuotaValue(n int64) Value { return Value{Kind: KindQuota, Quota: n} }

// Int64 encodes the value for the grants.value column.
func (v Value) Int64() int64 {
	if v.Kind == KindBool {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.Quota
}

// ValueFromColumns rebuilds a Value from its stored kind and integer.
func ValueFromColumns(kind string, raw int64) (Value, error) {
	switch ValueKind(kind) {
	case KindBool:
		return BoolValue(raw != 0), nil
	case KindQuota:
		return QuotaValue(raw), nil
	}
	return Value{}, fmt.Errorf("unknown value kind %q", kind)
}

func (v Value) String() string {
	if v.Kind == KindBool {
		return strconv.FormatBool(v.Bool)
	}
	if v.Quota == Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(v.Quota, 10)
}

// MarshalJSON renders booleans as JSON booleans and quotas as numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindBool {
		return json.Marshal(v.Bool)
	}
	return json.Marshal(v.Quota)
}

// UnmarshalJSON accepts a JSON boolean or integer.
func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a boolean or an integer: %w", err)
	}
	*v = QuotaValue(n)
	return nil
}

// Grant is a single provenance-tagged entitlement record. Rows are never deleted;
// they are retired through SupersededAt or expiry.
type Grant struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	UserID         *string    `json:"user_id,omitempty"`
	Flag           string     `json:"flag"`
	Value          Value      `json:"value"`
	Source         Source     `json:"source"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty"`
	SupersededBy   *string    `json:"superseded_by,omitempty"`
	InactiveAt     *time.Time `json:"inactive_at,omitempty"`
}

// ActiveAt reports whether the grant can contribute to a snapshot at now.
func (g Grant) ActiveAt(now time.Time) bool {
	if g.SupersededAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// UserScoped reports whether the grant targets a single user.
func (g Grant) UserScoped() bool {
	return g.UserID != nil && *g.UserID != ""
}

// GrantSpec describes a grant to insert. The store assigns ID and GrantedAt when empty.
type GrantSpec struct {
	OrgID          string
	UserID         *string
	Flag           string
	Value          Value
	Source         Source
	ExpiresAt      *time.Time
	IdempotencyKey string
	GrantedAt      time.Time
}

// Snapshot is the resolved, precedence-applied view of an org (and optional user).
type Snapshot struct {
	OrgID              string             `json:"orgId"`
	UserID             *string            `json:"userId,omitempty"`
	PlanCode           string             `json:"planCode"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	Flags              map[string]bool    `json:"flags"`
	Quotas             map[string]int64   `json:"quotas"`
	Sources            map[string]Source  `json:"sources"`
	ExportFormats      []string           `json:"exportFormats"`
	NextExpiry         *time.Time         `json:"nextExpiry,omitempty"`
	ResolvedAt         time.Time          `json:"resolvedAt"`
}

// Flag returns the resolved boolean for name; absent flags are false.
func (s Snapshot) Flag(name string) bool {
	return s.Flags[name]
}

// Quota returns the resolved quota and whether it was present at all.
func (s Snapshot) Quota(name string) (int64, bool) {
	v, ok := s.Quotas[name]
	return v, ok
}

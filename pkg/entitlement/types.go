// Package entitlement derives a user's current paid/free access level from
// append-only billing snapshots reported by independent store providers.
//
// Snapshots are never mutated, only inserted; the single Entitlement row per
// user is a pure function of the full snapshot set, which makes reconciling
// idempotent and insensitive to webhook delivery order.
package entitlement

import "time"

// Store identifies which billing provider a snapshot came from.
type Store string

const (
	StoreWeb     Store = "web"
	StoreIOS     Store = "ios"
	StoreAndroid Store = "android"
	StoreManual  Store = "manual"
)

// Status is the provider-reported subscription state at snapshot time.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusGrace    Status = "grace"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// statusRank orders qualifying statuses for tie-breaking between snapshots
// with the same period end. Higher wins.
var statusRank = map[Status]int{
	StatusActive: 3,
	StatusTrial:  2,
	StatusGrace:  1,
	StatusPaused: 0,
}

// Qualifying reports whether a status can grant paid access.
func (s Status) Qualifying() bool {
	_, ok := statusRank[s]
	return ok
}

// Plan is the derived access level.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Snapshot is one provider-reported subscription state, written exclusively
// by the webhook ingestion pipeline and never updated.
type Snapshot struct {
	UserID           string
	ProductID        string
	Store            Store
	StoreAccountID   string
	Status           Status
	CurrentPeriodEnd time.Time
	UpdatedAt        time.Time
}

// Entitlement is the single current-state row per user.
// Invariant: Plan == PlanPro implies ValidUntil != nil and >= write time;
// Plan == PlanFree implies ValidUntil == nil.
type Entitlement struct {
	UserID     string     `json:"-"`
	Plan       Plan       `json:"plan"`
	ValidUntil *time.Time `json:"valid_until"`
	Source     Store      `json:"source"`
	UpdatedAt  time.Time  `json:"-"`
}

// TrialDevice binds a user account to a physical device so trials cannot be
// repeated by recreating accounts on the same device.
type TrialDevice struct {
	UserID      string
	DeviceHash  string
	Platform    string
	AppVersion  string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

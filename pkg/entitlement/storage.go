package entitlement

import (
	"context"
	"errors"
	"time"
)

// ErrEntitlementNotFound is returned when a user has no entitlement row.
var ErrEntitlementNotFound = errors.New("entitlement not found")

// Storage persists snapshots, entitlements, and trial-device bindings.
type Storage interface {
	// InsertSnapshot appends one subscription snapshot.
	InsertSnapshot(ctx context.Context, snap *Snapshot) error

	// ListSnapshots returns a user's most recent snapshots across all
	// stores, newest CurrentPeriodEnd first, up to limit.
	ListSnapshots(ctx context.Context, userID string, limit int) ([]*Snapshot, error)

	// HasTrialSnapshot reports whether the user has any trial-status
	// snapshot on record, and when the most recent one was received.
	HasTrialSnapshot(ctx context.Context, userID string) (bool, time.Time, error)

	// GetEntitlement retrieves the user's entitlement row.
	// Returns ErrEntitlementNotFound if none exists.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// UpsertEntitlement writes the single entitlement row for a user.
	UpsertEntitlement(ctx context.Context, ent *Entitlement) error

	// ListExpiringEntitlements returns user IDs whose pro entitlement has
	// valid_until before the cutoff, paging by user ID after the cursor.
	ListExpiringEntitlements(ctx context.Context, cutoff time.Time, afterUserID string, limit int) ([]string, error)

	// UpsertTrialDevice records a user/device binding, creating it on first
	// sight and bumping last_seen_at on repeats.
	UpsertTrialDevice(ctx context.Context, dev *TrialDevice) error

	// ListDevicesByHash returns every account binding for a device hash.
	ListDevicesByHash(ctx context.Context, deviceHash string) ([]*TrialDevice, error)
}

// Package providers contains the per-store webhook adapters. Each adapter
// verifies its provider's signature scheme and maps the provider envelope
// onto the shared normalized event vocabulary; nothing downstream of an
// adapter knows provider payload shapes.
package providers

import (
	"fmt"
	"time"

	"github.com/warmlinehq/warmline/pkg/entitlement"
)

// Normalized event types emitted by all adapters.
const (
	TypeSubscriptionStarted  = "subscription.started"
	TypeSubscriptionRenewed  = "subscription.renewed"
	TypeSubscriptionCanceled = "subscription.canceled"
	TypeSubscriptionExpired  = "subscription.expired"
	TypeSubscriptionGrace    = "subscription.grace"
	TypeSubscriptionPaused   = "subscription.paused"
	TypeSubscriptionResumed  = "subscription.resumed"
)

// Types lists every normalized event type an adapter can emit.
func Types() []string {
	return []string{
		TypeSubscriptionStarted,
		TypeSubscriptionRenewed,
		TypeSubscriptionCanceled,
		TypeSubscriptionExpired,
		TypeSubscriptionGrace,
		TypeSubscriptionPaused,
		TypeSubscriptionResumed,
	}
}

// compositeKey builds the idempotency key for providers that carry no
// native event id.
func compositeKey(provider, eventType, entity string, occurredAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", provider, eventType, entity, occurredAt.Unix())
}

// snapshotFor assembles the entitlement snapshot that rides on a
// normalized event.
func snapshotFor(userID, productID string, store entitlement.Store, accountID string, status entitlement.Status, periodEnd time.Time, receivedAt time.Time) *entitlement.Snapshot {
	return &entitlement.Snapshot{
		UserID:           userID,
		ProductID:        productID,
		Store:            store,
		StoreAccountID:   accountID,
		Status:           status,
		CurrentPeriodEnd: periodEnd.UTC(),
		UpdatedAt:        receivedAt.UTC(),
	}
}

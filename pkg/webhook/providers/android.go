package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Android normalizes Play-style developer notifications relayed by the
// mobile backend. The relay signs the raw body with HMAC-SHA256 and puts
// the hex digest in X-Signature. Play notifications carry no native event
// id, so the idempotency key is a purchase-token composite.
type Android struct {
	secret string
}

// NewAndroid creates the android adapter.
func NewAndroid(secret string) *Android {
	return &Android{secret: strings.TrimSpace(secret)}
}

func (a *Android) Name() string { return "android" }

// Play subscription notification types we handle.
const (
	androidRecovered   = 1
	androidRenewed     = 2
	androidCanceled    = 3
	androidPurchased   = 4
	androidOnHold      = 5
	androidGracePeriod = 6
	androidRestarted   = 7
	androidPaused      = 10
	androidRevoked     = 12
	androidExpired     = 13
)

type androidEnvelope struct {
	Version     string `json:"version"`
	PackageName string `json:"packageName"`
	EventTimeMs int64  `json:"eventTimeMillis,string"`

	SubscriptionNotification struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`

	// Relay enrichment: Play itself does not know our user ids or period
	// ends, so the relay resolves them before forwarding.
	ObfuscatedAccountID string `json:"obfuscatedExternalAccountId"`
	ExpiryTimeMs        int64  `json:"expiryTimeMillis,string"`
}

func (a *Android) Normalize(body []byte, header http.Header) (*webhook.NormalizedEvent, error) {
	if a.secret == "" {
		return nil, fmt.Errorf("%w: android webhook secret not configured", webhook.ErrAuth)
	}
	if !webhook.VerifyHMAC([]byte(a.secret), body, header.Get("X-Signature")) {
		return nil, fmt.Errorf("%w: invalid body signature", webhook.ErrAuth)
	}

	var env androidEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrPayload, err)
	}
	sub := env.SubscriptionNotification
	if sub.PurchaseToken == "" || env.ObfuscatedAccountID == "" {
		return nil, fmt.Errorf("%w: missing purchase token or account id", webhook.ErrPayload)
	}

	status, eventType, err := mapAndroidNotification(sub.NotificationType)
	if err != nil {
		return nil, err
	}
	occurredAt := time.Unix(0, env.EventTimeMs*int64(time.Millisecond)).UTC()

	norm := &webhook.NormalizedEvent{
		ID:         compositeKey(a.Name(), eventType, sub.PurchaseToken, occurredAt),
		Provider:   a.Name(),
		Type:       eventType,
		OccurredAt: occurredAt,
		UserID:     env.ObfuscatedAccountID,
	}
	norm.SetSnapshot(snapshotFor(
		env.ObfuscatedAccountID, sub.SubscriptionID, entitlement.StoreAndroid,
		sub.PurchaseToken, status,
		time.Unix(0, env.ExpiryTimeMs*int64(time.Millisecond)), occurredAt,
	))
	return norm, nil
}

func mapAndroidNotification(notificationType int) (entitlement.Status, string, error) {
	switch notificationType {
	case androidPurchased:
		return entitlement.StatusActive, TypeSubscriptionStarted, nil
	case androidRenewed, androidRecovered:
		return entitlement.StatusActive, TypeSubscriptionRenewed, nil
	case androidRestarted:
		return entitlement.StatusActive, TypeSubscriptionResumed, nil
	case androidCanceled, androidRevoked:
		return entitlement.StatusCanceled, TypeSubscriptionCanceled, nil
	case androidOnHold, androidGracePeriod:
		return entitlement.StatusGrace, TypeSubscriptionGrace, nil
	case androidPaused:
		return entitlement.StatusPaused, TypeSubscriptionPaused, nil
	case androidExpired:
		return entitlement.StatusExpired, TypeSubscriptionExpired, nil
	default:
		return "", "", fmt.Errorf("%w: unhandled android notification type %d", webhook.ErrPayload, notificationType)
	}
}

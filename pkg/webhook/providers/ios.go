package providers

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/webhook"
)

// IOS normalizes RevenueCat-style webhooks for the App Store. Auth is a
// shared secret carried as a bearer token in the Authorization header;
// when hmacSigned is set, an HMAC-SHA256 hex signature of the body in
// X-Signature is accepted instead.
type IOS struct {
	secret     string
	hmacSigned bool
}

// NewIOS creates the iOS adapter with bearer-token auth.
func NewIOS(secret string) *IOS {
	return &IOS{secret: strings.TrimSpace(secret)}
}

// NewIOSWithHMAC creates the iOS adapter expecting an HMAC body signature.
func NewIOSWithHMAC(secret string) *IOS {
	return &IOS{secret: strings.TrimSpace(secret), hmacSigned: true}
}

func (a *IOS) Name() string { return "ios" }

type iosEnvelope struct {
	Event struct {
		ID             string `json:"id"`
		Type           string `json:"type"`
		AppUserID      string `json:"app_user_id"`
		ProductID      string `json:"product_id"`
		PeriodType     string `json:"period_type"`
		StoreAccountID string `json:"original_transaction_id"`
		ExpirationAtMs int64  `json:"expiration_at_ms"`
		TimestampMs    int64  `json:"event_timestamp_ms"`
	} `json:"event"`
}

func (a *IOS) Normalize(body []byte, header http.Header) (*webhook.NormalizedEvent, error) {
	if a.secret == "" {
		return nil, fmt.Errorf("%w: ios webhook secret not configured", webhook.ErrAuth)
	}
	if err := a.authorize(body, header); err != nil {
		return nil, err
	}

	var env iosEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrPayload, err)
	}
	ev := env.Event
	if ev.ID == "" || ev.AppUserID == "" {
		return nil, fmt.Errorf("%w: missing event id or app_user_id", webhook.ErrPayload)
	}

	occurredAt := time.Unix(0, ev.TimestampMs*int64(time.Millisecond)).UTC()
	status, eventType, err := mapIOSEvent(ev.Type, ev.PeriodType)
	if err != nil {
		return nil, err
	}

	norm := &webhook.NormalizedEvent{
		ID:         ev.ID,
		Provider:   a.Name(),
		Type:       eventType,
		OccurredAt: occurredAt,
		UserID:     ev.AppUserID,
	}
	norm.SetSnapshot(snapshotFor(
		ev.AppUserID, ev.ProductID, entitlement.StoreIOS, ev.StoreAccountID,
		status, time.Unix(0, ev.ExpirationAtMs*int64(time.Millisecond)), occurredAt,
	))
	return norm, nil
}

func (a *IOS) authorize(body []byte, header http.Header) error {
	if a.hmacSigned {
		if !webhook.VerifyHMAC([]byte(a.secret), body, header.Get("X-Signature")) {
			return fmt.Errorf("%w: invalid body signature", webhook.ErrAuth)
		}
		return nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(header.Get("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return fmt.Errorf("%w: invalid bearer token", webhook.ErrAuth)
	}
	return nil
}

func mapIOSEvent(eventType, periodType string) (entitlement.Status, string, error) {
	switch eventType {
	case "INITIAL_PURCHASE":
		if strings.EqualFold(periodType, "TRIAL") {
			return entitlement.StatusTrial, TypeSubscriptionStarted, nil
		}
		return entitlement.StatusActive, TypeSubscriptionStarted, nil
	case "RENEWAL":
		return entitlement.StatusActive, TypeSubscriptionRenewed, nil
	case "UNCANCELLATION":
		return entitlement.StatusActive, TypeSubscriptionResumed, nil
	case "CANCELLATION":
		return entitlement.StatusCanceled, TypeSubscriptionCanceled, nil
	case "EXPIRATION":
		return entitlement.StatusExpired, TypeSubscriptionExpired, nil
	case "BILLING_ISSUE":
		return entitlement.StatusGrace, TypeSubscriptionGrace, nil
	case "SUBSCRIPTION_PAUSED":
		return entitlement.StatusPaused, TypeSubscriptionPaused, nil
	default:
		return "", "", fmt.Errorf("%w: unhandled ios event type %q", webhook.ErrPayload, eventType)
	}
}

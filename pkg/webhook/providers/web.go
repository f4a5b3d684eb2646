package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Web normalizes Stripe webhooks for the web store. Signature verification
// is delegated to stripe-go's ConstructEvent, which checks the
// Stripe-Signature header against the endpoint secret.
type Web struct {
	secret string
}

// NewWeb creates the web-store adapter. secret is the Stripe webhook
// endpoint secret (whsec_...).
func NewWeb(secret string) *Web {
	return &Web{secret: strings.TrimSpace(secret)}
}

func (a *Web) Name() string { return "web" }

// stripeSubscription is the slice of the Stripe subscription object we
// read. Parsed from the raw event payload rather than stripe-go's struct
// so API-version drift in unrelated fields cannot break ingestion.
type stripeSubscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				Product string `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

func (a *Web) Normalize(body []byte, header http.Header) (*webhook.NormalizedEvent, error) {
	if a.secret == "" {
		return nil, fmt.Errorf("%w: web webhook secret not configured", webhook.ErrAuth)
	}
	sig := header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, a.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrAuth, err)
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	norm := &webhook.NormalizedEvent{
		ID:         event.ID,
		Provider:   a.Name(),
		OccurredAt: occurredAt,
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", webhook.ErrPayload, err)
		}
		norm.Type = TypeSubscriptionStarted
		norm.UserID = firstNonEmpty(sess.ClientReferenceID, sess.Metadata["user_id"], sess.Customer)
		// No period data on the session; the subsequent
		// customer.subscription.created event carries the snapshot.
		return norm, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", webhook.ErrPayload, err)
		}
		status := mapStripeStatus(sub.Status)
		if event.Type == "customer.subscription.deleted" {
			status = entitlement.StatusCanceled
		}
		norm.Type = typeForStripe(event.Type, status)
		norm.UserID = firstNonEmpty(sub.Metadata["user_id"], sub.Customer)

		periodEnd := sub.CurrentPeriodEnd
		productID := ""
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
			productID = item.Price.Product
		}
		norm.SetSnapshot(snapshotFor(
			norm.UserID, productID, entitlement.StoreWeb, sub.Customer,
			status, time.Unix(periodEnd, 0), occurredAt,
		))
		return norm, nil

	default:
		return nil, fmt.Errorf("%w: unhandled stripe event type %q", webhook.ErrPayload, event.Type)
	}
}

func typeForStripe(eventType stripe.EventType, status entitlement.Status) string {
	switch eventType {
	case "customer.subscription.created":
		return TypeSubscriptionStarted
	case "customer.subscription.deleted":
		return TypeSubscriptionCanceled
	}
	switch status {
	case entitlement.StatusGrace:
		return TypeSubscriptionGrace
	case entitlement.StatusPaused:
		return TypeSubscriptionPaused
	case entitlement.StatusCanceled:
		return TypeSubscriptionCanceled
	case entitlement.StatusExpired:
		return TypeSubscriptionExpired
	default:
		return TypeSubscriptionRenewed
	}
}

func mapStripeStatus(s string) entitlement.Status {
	switch s {
	case "trialing":
		return entitlement.StatusTrial
	case "active":
		return entitlement.StatusActive
	case "past_due", "incomplete":
		return entitlement.StatusGrace
	case "paused":
		return entitlement.StatusPaused
	case "canceled", "unpaid":
		return entitlement.StatusCanceled
	case "incomplete_expired":
		return entitlement.StatusExpired
	default:
		return entitlement.StatusExpired
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

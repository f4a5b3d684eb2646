package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/internal/api"
	"github.com/warmlinehq/warmline/internal/storage/memory"
	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/warmth"
	"github.com/warmlinehq/warmline/pkg/webhook"
	"github.com/warmlinehq/warmline/pkg/webhook/providers"
)

const (
	androidSecret = "android-secret"
	cronSecret    = "cron-secret"
)

var apiNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) http.Handler {
	return newTestServerWithWebhookStore(t, nil)
}

// newTestServerWithWebhookStore wires the full HTTP surface over an
// in-memory store; webhookStore, when non-nil, replaces the pipeline's
// event storage.
func newTestServerWithWebhookStore(t *testing.T, webhookStore webhook.Storage) http.Handler {
	t.Helper()
	log := zerolog.Nop()
	store := memory.New()
	now := func() time.Time { return apiNow }
	if webhookStore == nil {
		webhookStore = store
	}

	engine, err := warmth.NewEngine(store, warmth.Config{Now: now}, log)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := entitlement.NewReconciler(store, entitlement.ReconcilerConfig{Now: now}, log)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := entitlement.NewTrialGate(store, entitlement.TrialGateConfig{Now: now}, log)
	if err != nil {
		t.Fatal(err)
	}

	pipeline, err := webhook.NewPipeline(webhook.PipelineConfig{
		Storage:  webhookStore,
		Adapters: []webhook.Adapter{providers.NewAndroid(androidSecret)},
		Now:      now,
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	pipeline.HandleDefault(func(ctx context.Context, event *webhook.NormalizedEvent) error {
		if snap := event.SubscriptionSnapshot(); snap != nil {
			if err := store.InsertSnapshot(ctx, snap); err != nil {
				return err
			}
		}
		if event.UserID == "" {
			return nil
		}
		_, err := rec.Reconcile(ctx, event.UserID)
		return err
	})

	handlers := api.NewHandlers(pipeline, engine, rec, gate,
		entitlement.SweepConfig{Lookahead: 48 * time.Hour, BatchSize: 100},
		cronSecret, log)
	server := api.NewServer(api.ServerConfig{
		Addr:     ":0",
		Gatherer: prometheus.NewRegistry(),
	}, handlers, log)
	return server.Handler()
}

func signedAndroidPayload() []byte {
	return []byte(`{
		"version":"1.0",
		"packageName":"com.warmline.app",
		"eventTimeMillis":"1769860800000",
		"subscriptionNotification":{
			"notificationType":2,
			"purchaseToken":"token-1",
			"subscriptionId":"pro_monthly"
		},
		"obfuscatedExternalAccountId":"user-1",
		"expiryTimeMillis":"1772452800000"
	}`)
}

func postWebhook(h http.Handler, body []byte, secret string) *httptest.ResponseRecorder {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/android", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestWebhookToEntitlement(t *testing.T) {
	h := newTestServer(t)

	rec := postWebhook(h, signedAndroidPayload(), androidSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["outcome"] != "processed" {
		t.Errorf("outcome = %v", body["outcome"])
	}

	// A redelivered notification is accepted without reprocessing.
	rec = postWebhook(h, signedAndroidPayload(), androidSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["outcome"] != "deduplicated" {
		t.Errorf("redelivery outcome = %v", body["outcome"])
	}

	// The renewal snapshot (period end 2026-04-30) makes the user pro.
	req := httptest.NewRequest(http.MethodGet, "/entitlements/me", nil)
	req.Header.Set("X-User-ID", "user-1")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("entitlement status %d", res.Code)
	}
	if body := decodeBody(t, res); body["plan"] != "pro" {
		t.Errorf("plan = %v", body["plan"])
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newTestServer(t)
	rec := postWebhook(h, signedAndroidPayload(), "wrong-secret")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookRejectsEmptyBody(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/android", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

type brokenWebhookStore struct {
	*memory.Store
}

func (brokenWebhookStore) InsertEvent(context.Context, *webhook.Record) error {
	return errors.New("storage down")
}

func TestWebhookStorageOutageAnswers500(t *testing.T) {
	h := newTestServerWithWebhookStore(t, brokenWebhookStore{memory.New()})
	rec := postWebhook(h, signedAndroidPayload(), androidSecret)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so the provider redelivers, got %d", rec.Code)
	}
}

func TestEntitlementRequiresIdentity(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/entitlements/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestEntitlementDefaultsToFree(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/entitlements/me", nil)
	req.Header.Set("X-User-ID", "nobody")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["plan"] != "free" {
		t.Errorf("plan = %v", body["plan"])
	}
}

func TestWarmthLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	// Unknown contact has no warmth yet.
	req := httptest.NewRequest(http.MethodGet, "/contacts/c-1/warmth", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown contact, got %d", rec.Code)
	}

	// Record a call.
	req = httptest.NewRequest(http.MethodPost, "/contacts/c-1/interactions",
		bytes.NewReader([]byte(`{"kind":"call","note":"catch-up"}`)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("interaction status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["recorded"] != true {
		t.Errorf("recorded = %v", body["recorded"])
	}
	if body["score_after"].(float64) != 7 {
		t.Errorf("score_after = %v, want call boost of 7", body["score_after"])
	}

	// Read it back.
	req = httptest.NewRequest(http.MethodGet, "/contacts/c-1/warmth", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("warmth status %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["warmth"].(float64) != 7 || body["warmth_band"] != "cold" {
		t.Errorf("warmth = %v band = %v", body["warmth"], body["warmth_band"])
	}

	// Timeline carries the audit event.
	req = httptest.NewRequest(http.MethodGet, "/contacts/c-1/warmth/timeline", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body = decodeBody(t, rec)
	events, ok := body["events"].([]any)
	if !ok || len(events) != 1 {
		t.Errorf("timeline events = %v", body["events"])
	}
}

func TestWarmthValidationOverHTTP(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPatch, "/contacts/c-1/warmth/mode",
		bytes.NewReader([]byte(`{"mode":"glacial"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/contacts/c-1/warmth/override",
		bytes.NewReader([]byte(`{"score":180}`)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid score: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/contacts/c-1/interactions",
		bytes.NewReader([]byte(`not json`)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestWarmthModesCatalogue(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/warmth/modes", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	modes, ok := body["modes"].([]any)
	if !ok || len(modes) != 3 {
		t.Errorf("modes = %v", body["modes"])
	}
}

func TestTrialEligibilityOverHTTP(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/trial/eligibility?device_hash=hash-1", nil)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["eligible"] != true || body["reason"] != "ok" {
		t.Errorf("eligibility = %v", body)
	}

	// Missing device hash is a client error.
	req = httptest.NewRequest(http.MethodGet, "/trial/eligibility", nil)
	req.Header.Set("X-User-ID", "user-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRegisterDeviceOverHTTP(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/devices/register",
		bytes.NewReader([]byte(`{"device_hash":"hash-1","platform":"ios","app_version":"1.2.0"}`)))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["registered"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestCronEndpointsRequireSecret(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/cron/reconcile-entitlements", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated sweep: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/cron/reconcile-entitlements", nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated sweep: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhooks/dead-letter", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated dead-letter list: expected 401, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

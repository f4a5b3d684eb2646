package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/warmth"
	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	pipeline   *webhook.Pipeline
	engine     *warmth.Engine
	reconciler *entitlement.Reconciler
	gate       *entitlement.TrialGate
	sweepCfg   entitlement.SweepConfig
	cronSecret string
	log        zerolog.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(
	pipeline *webhook.Pipeline,
	engine *warmth.Engine,
	reconciler *entitlement.Reconciler,
	gate *entitlement.TrialGate,
	sweepCfg entitlement.SweepConfig,
	cronSecret string,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		pipeline:   pipeline,
		engine:     engine,
		reconciler: reconciler,
		gate:       gate,
		sweepCfg:   sweepCfg,
		cronSecret: cronSecret,
		log:        log.With().Str("component", "api").Logger(),
	}
}

const maxWebhookBody = 256 * 1024

// HandleWebhook is POST /webhooks/{provider}.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := webhook.ReadBody(w, r, maxWebhookBody)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res := h.pipeline.Ingest(r.Context(), provider, body, r.Header)
	switch res.Outcome {
	case webhook.OutcomeProcessed, webhook.OutcomeDeduplicated, webhook.OutcomeRetryScheduled, webhook.OutcomeDeadLetter:
		// Retry and dead-letter are internal dispositions; the provider
		// delivered successfully and must not redeliver.
		respondJSON(w, http.StatusOK, map[string]any{
			"outcome":  string(res.Outcome),
			"event_id": res.EventID,
		})
	case webhook.OutcomeRejected:
		respondError(w, http.StatusUnauthorized, "signature verification failed")
	case webhook.OutcomeInternalError:
		// Event was not persisted; a 5xx tells the provider to redeliver.
		respondError(w, http.StatusInternalServerError, "temporarily unavailable")
	default:
		respondError(w, http.StatusBadRequest, "invalid payload")
	}
}

// GetEntitlement is GET /entitlements/me.
func (h *Handlers) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	ent, err := h.reconciler.Current(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("entitlement lookup failed")
		respondError(w, http.StatusInternalServerError, "entitlement lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, ent)
}

// GetTrialEligibility is GET /trial/eligibility?device_hash=...
func (h *Handlers) GetTrialEligibility(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	deviceHash := strings.TrimSpace(r.URL.Query().Get("device_hash"))
	if deviceHash == "" {
		respondError(w, http.StatusBadRequest, "device_hash is required")
		return
	}
	elig, err := h.gate.Eligible(r.Context(), userID, deviceHash)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("eligibility check failed")
		respondError(w, http.StatusInternalServerError, "eligibility check failed")
		return
	}
	respondJSON(w, http.StatusOK, elig)
}

type registerDeviceRequest struct {
	DeviceHash string `json:"device_hash"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`
}

// RegisterDevice is POST /devices/register.
func (h *Handlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceHash) == "" {
		respondError(w, http.StatusBadRequest, "device_hash is required")
		return
	}
	if err := h.gate.RegisterDevice(r.Context(), userID, req.DeviceHash, req.Platform, req.AppVersion); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("device registration failed")
		respondError(w, http.StatusInternalServerError, "device registration failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"registered": true})
}

// GetWarmth is GET /contacts/{id}/warmth.
func (h *Handlers) GetWarmth(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "id")
	reading, err := h.engine.Score(r.Context(), contactID)
	if errors.Is(err, warmth.ErrAnchorNotFound) {
		respondError(w, http.StatusNotFound, "contact has no warmth history")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("contact_id", contactID).Msg("warmth read failed")
		respondError(w, http.StatusInternalServerError, "warmth read failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"warmth":              reading.Score,
		"warmth_band":         reading.Band,
		"mode":                reading.Mode,
		"last_interaction_at": reading.AnchorAt,
	})
}

// GetWarmthTimeline is GET /contacts/{id}/warmth/timeline.
func (h *Handlers) GetWarmthTimeline(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)
	events, err := h.engine.Timeline(r.Context(), contactID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("contact_id", contactID).Msg("timeline read failed")
		respondError(w, http.StatusInternalServerError, "timeline read failed")
		return
	}
	if events == nil {
		events = []*warmth.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

type interactionRequest struct {
	Kind string `json:"kind"`
	Note string `json:"note"`
}

// RecordInteraction is POST /contacts/{id}/interactions.
func (h *Handlers) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "id")
	var req interactionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		respondError(w, http.StatusBadRequest, "kind is required")
		return
	}
	res, err := h.engine.RecordInteraction(r.Context(), contactID, warmth.InteractionKind(req.Kind), req.Note)
	if err != nil {
		h.log.Error().Err(err).Str("contact_id", contactID).Msg("interaction record failed")
		respondError(w, http.StatusInternalServerError, "interaction record failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// SwitchWarmthMode is PATCH /contacts/{id}/warmth/mode.
func (h *Handlers) SwitchWarmthMode(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "id")
	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.SwitchMode(r.Context(), contactID, warmth.Mode(req.Mode))
	if errors.Is(err, warmth.ErrInvalidMode) {
		respondError(w, http.StatusBadRequest, "invalid mode")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("contact_id", contactID).Msg("mode switch failed")
		respondError(w, http.StatusInternalServerError, "mode switch failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type overrideRequest struct {
	Score float64 `json:"score"`
	Note  string  `json:"note"`
}

// OverrideWarmth is POST /contacts/{id}/warmth/override.
func (h *Handlers) OverrideWarmth(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "id")
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.Override(r.Context(), contactID, req.Score, req.Note)
	if errors.Is(err, warmth.ErrInvalidScore) {
		respondError(w, http.StatusBadRequest, "score must be between 0 and 100")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("contact_id", contactID).Msg("override failed")
		respondError(w, http.StatusInternalServerError, "override failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ListWarmthModes is GET /warmth/modes.
func (h *Handlers) ListWarmthModes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"modes": warmth.Modes()})
}

// RunSweep is GET /cron/reconcile-entitlements.
func (h *Handlers) RunSweep(w http.ResponseWriter, r *http.Request) {
	if !h.cronAuthorized(r) {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.reconciler.Sweep(r.Context(), h.sweepCfg)
	if err != nil {
		h.log.Error().Err(err).Msg("entitlement sweep failed")
		respondError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ListDeadLetters is GET /webhooks/dead-letter.
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.cronAuthorized(r) {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := queryInt(r, "limit", 50)
	records, err := h.pipeline.DeadLetters(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("dead-letter list failed")
		respondError(w, http.StatusInternalServerError, "dead-letter list failed")
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"idempotency_key": rec.IdempotencyKey,
			"provider":        rec.Provider,
			"type":            rec.Type,
			"received_at":     rec.ReceivedAt,
			"attempt_count":   rec.AttemptCount,
			"last_error":      rec.LastError,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": out})
}

// Healthz is GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (h *Handlers) cronAuthorized(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
}

// requestUser extracts the caller identity. X-User-ID stands in for a
// verified auth layer, which sits in front of this service.
func requestUser(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing sensible left to do.
		return
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

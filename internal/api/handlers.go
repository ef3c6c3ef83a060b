// Package api exposes the HTTP surface: the provider webhook receiver,
// operator endpoints for manifests and curator overlays, and manual
// pipeline triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/platewatch/recall-monitor/internal/analytics"
	"github.com/platewatch/recall-monitor/internal/docstore"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/queue"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/store"
)

// maxWebhookBody bounds webhook reads; provider events are small.
const maxWebhookBody = 1 << 20

// Triggers lets operators kick pipeline runs without waiting for the timers.
// Both run synchronously in the request; they are fast enough in practice.
type Triggers struct {
	Sync     func(ctx context.Context) error
	Dispatch func(ctx context.Context) error
}

// Handlers carries the HTTP dependencies.
type Handlers struct {
	store    *store.Store
	ingestor *analytics.Ingestor
	queues   *queue.Aggregator
	triggers Triggers
}

// NewHandlers wires the handler set.
func NewHandlers(st *store.Store, ingestor *analytics.Ingestor, queues *queue.Aggregator, triggers Triggers) *Handlers {
	return &Handlers{store: st, ingestor: ingestor, queues: queues, triggers: triggers}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("api: response encode failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// EmailWebhook ingests one provider delivery event. Pings and duplicates are
// acknowledged with success and processed=false; only signature failures and
// malformed bodies are rejected.
func (h *Handlers) EmailWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), body)
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidSignature) {
			respondError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		logger.Error("api: webhook processing failed", "error", err)
		respondError(w, http.StatusBadRequest, "event not processed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"processed": res.Processed,
		"reason":    res.Reason,
	})
}

// GetManifest returns one digest manifest with its live analytics.
func (h *Handlers) GetManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.store.GetManifest(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "manifest lookup failed")
		return
	}
	if m == nil {
		respondError(w, http.StatusNotFound, "manifest not found")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GetRecall returns one canonical recall record.
func (h *Handlers) GetRecall(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := h.store.GetRecall(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "recall lookup failed")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "recall not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// UpdateOverlay sets or clears a recall's curator overlay. A JSON null body
// clears it; that is the only path that ever removes curated data.
func (h *Handlers) UpdateOverlay(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var overlay *recall.CuratorOverlay
	if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
		respondError(w, http.StatusBadRequest, "malformed overlay")
		return
	}
	if overlay != nil {
		overlay.UpdatedAt = time.Now().UTC()
	}

	if err := h.store.UpdateOverlay(r.Context(), key, overlay); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "recall not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "overlay update failed")
		return
	}
	logger.Info("api: curator overlay updated", "identity_key", key, "cleared", overlay == nil)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListQueues returns all live send queues.
func (h *Handlers) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.store.ListQueues(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue list failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": queues})
}

// CancelQueue closes a pending or processing queue so it is never sent. The
// cancelled queue stays visible in ListQueues as a tombstone for its bucket.
func (h *Handlers) CancelQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queues.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "queue not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "queue cancel failed")
		return
	}
	logger.Info("api: queue cancelled", "queue_id", id)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// UpsertSubscriber creates or replaces a subscriber record.
func (h *Handlers) UpsertSubscriber(w http.ResponseWriter, r *http.Request) {
	var sub recall.Subscriber
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "malformed subscriber")
		return
	}
	if recall.NormalizeEmail(sub.Email) == "" {
		respondError(w, http.StatusBadRequest, "email required")
		return
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if err := h.store.PutSubscriber(r.Context(), &sub); err != nil {
		respondError(w, http.StatusInternalServerError, "subscriber write failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TriggerSync runs a feed sync immediately.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.triggers.Sync == nil {
		respondError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}
	if err := h.triggers.Sync(r.Context()); err != nil {
		logger.Error("api: manual sync failed", "error", err)
		respondError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TriggerDispatch runs a dispatch pass over due queues immediately.
func (h *Handlers) TriggerDispatch(w http.ResponseWriter, r *http.Request) {
	if h.triggers.Dispatch == nil {
		respondError(w, http.StatusServiceUnavailable, "dispatch not available")
		return
	}
	if err := h.triggers.Dispatch(r.Context()); err != nil {
		logger.Error("api: manual dispatch failed", "error", err)
		respondError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

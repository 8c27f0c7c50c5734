// Package webhook receives signed trip batches over HTTP and republishes
// them through the cache and pub/sub layer.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/odiazmo/tripstream/internal/model"
	"github.com/odiazmo/tripstream/internal/signature"
)

// maxBodyBytes bounds an inbound batch body.
const maxBodyBytes = 8 << 20

// Store is the cache/pub-sub surface the receiver writes through.
type Store interface {
	// ApplyBatch applies every event's cache effects atomically.
	ApplyBatch(ctx context.Context, events []model.ChangeEvent) error
	// Publish sends one payload on the location's channel.
	Publish(ctx context.Context, locationID string, payload []byte) error
}

// Response is the webhook reply body.
type Response struct {
	OK       bool   `json:"ok"`
	Received int    `json:"received,omitempty"`
	Accepted int    `json:"accepted,omitempty"`
	Skipped  int    `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handler implements POST /webhooks/trips/batch.
type Handler struct {
	secret  string
	maxSkew time.Duration
	store   Store
	logger  *slog.Logger

	now func() time.Time // test hook
}

// NewHandler creates the batch receiver.
func NewHandler(secret string, maxSkew time.Duration, store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:  secret,
		maxSkew: maxSkew,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{OK: false, Error: "method not allowed"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{OK: false, Error: "unreadable body"})
		return
	}

	// Authentication gates the whole request: a bad or stale signature
	// rejects everything with no partial processing, and the reason stays
	// deliberately vague.
	sig := r.Header.Get("x-webhook-secret")
	if !signature.Verify(h.secret, raw, sig, h.now(), h.maxSkew) {
		writeJSON(w, http.StatusUnauthorized, Response{OK: false, Error: "invalid signature"})
		return
	}

	var batch model.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{OK: false, Error: "malformed batch"})
		return
	}

	accepted, skipped, byLocation, order := h.screen(batch.Events)

	// Cache first, publish second: subscribers must never observe a
	// publish whose cache entry is not ready.
	if err := h.store.ApplyBatch(r.Context(), accepted); err != nil {
		h.logger.Error("batch cache write failed", "batch_id", batch.BatchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{OK: false, Error: "cache write failed"})
		return
	}

	for _, loc := range order {
		env := model.BatchEnvelope{
			Type:       model.EnvelopeTypeBatch,
			LocationID: loc,
			Events:     byLocation[loc],
		}
		payload, err := json.Marshal(env)
		if err != nil {
			h.logger.Error("encode envelope failed", "location_id", loc, "error", err)
			continue
		}
		if err := h.store.Publish(r.Context(), loc, payload); err != nil {
			h.logger.Warn("publish failed", "location_id", loc, "error", err)
		}
	}

	h.logger.Debug("batch processed",
		"batch_id", batch.BatchID,
		"source", batch.Source,
		"received", len(batch.Events),
		"accepted", len(accepted),
		"skipped", skipped,
	)

	writeJSON(w, http.StatusOK, Response{
		OK:       true,
		Received: len(batch.Events),
		Accepted: len(accepted),
		Skipped:  skipped,
	})
}

// screen validates each event, normalizes its type, and groups the
// survivors by location in first-seen order. One bad event is skipped,
// never the batch.
func (h *Handler) screen(events []model.ChangeEvent) (accepted []model.ChangeEvent, skipped int, byLocation map[string][]model.ChangeEvent, order []string) {
	byLocation = make(map[string][]model.ChangeEvent)

	for _, ev := range events {
		if ev.TripID == "" || ev.LocationID == "" {
			skipped++
			continue
		}

		switch ev.EventType {
		case model.EventDelete:
			// Eviction carries no payload downstream.
			ev.Trip = nil
		case model.EventInsert, model.EventUpdate, model.EventDBUpdate:
			if ev.Trip == nil {
				skipped++
				continue
			}
		default:
			if ev.Trip == nil {
				skipped++
				continue
			}
			ev.EventType = model.EventDBUpdate
		}

		accepted = append(accepted, ev)
		if _, seen := byLocation[ev.LocationID]; !seen {
			order = append(order, ev.LocationID)
		}
		byLocation[ev.LocationID] = append(byLocation[ev.LocationID], ev)
	}
	return accepted, skipped, byLocation, order
}

func writeJSON(w http.ResponseWriter, code int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

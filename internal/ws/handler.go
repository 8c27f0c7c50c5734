// Package ws serves the /ws/trips endpoint: per-connection authentication,
// authorization, snapshot delivery, and the client command loop.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odiazmo/tripstream/internal/auth"
	"github.com/odiazmo/tripstream/internal/hub"
	"github.com/odiazmo/tripstream/internal/model"
)

// TokenVerifier validates client access tokens. Satisfied by *auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Authorizer answers whether an organization may access a location.
// Satisfied by *authz.Store.
type Authorizer interface {
	CanAccessLocation(ctx context.Context, orgID, locationID string) (bool, error)
}

// SnapshotStore reads cached trips. Satisfied by *store.TripStore.
type SnapshotStore interface {
	Snapshot(ctx context.Context, locationID string) ([]map[string]any, error)
	GetTrip(ctx context.Context, tripID string) (map[string]any, error)
}

// Handler upgrades and runs trip-stream WebSocket sessions.
type Handler struct {
	hub    *hub.Hub
	store  SnapshotStore
	authz  Authorizer
	tokens TokenVerifier
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler creates the session handler with its dependencies injected.
func NewHandler(h *hub.Hub, store SnapshotStore, authz Authorizer, tokens TokenVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    h,
		store:  store,
		authz:  authz,
		tokens: tokens,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/trips?location_id=...&token=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("location_id")
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return
	}

	if locationID == "" {
		closePolicy(conn, "location_id required")
		return
	}

	claims, err := h.tokens.Verify(token)
	if err != nil {
		closePolicy(conn, "invalid token")
		return
	}

	allowed, err := h.authz.CanAccessLocation(r.Context(), claims.OrgID, locationID)
	if err != nil {
		h.logger.Error("authorization check failed",
			"org_id", claims.OrgID,
			"location_id", locationID,
			"error", err,
		)
		closePolicy(conn, "authorization unavailable")
		return
	}
	if !allowed {
		closePolicy(conn, "location not allowed")
		return
	}

	sess := h.hub.Connect(conn, locationID, claims)
	defer h.hub.Disconnect(sess)

	// Snapshot first so the client renders immediately: a possibly-stale
	// picture beats a blank screen waiting for the next live event.
	h.sendSnapshot(r.Context(), sess, locationID)

	h.commandLoop(r.Context(), conn, sess)
}

// sendSnapshot delivers the location's cached trips as one frame. A cold
// cache yields an empty snapshot, not an error.
func (h *Handler) sendSnapshot(ctx context.Context, sess *hub.Session, locationID string) {
	trips, err := h.store.Snapshot(ctx, locationID)
	if err != nil {
		h.logger.Warn("snapshot read failed", "location_id", locationID, "error", err)
		trips = nil
	}
	if trips == nil {
		trips = []map[string]any{}
	}

	if err := sess.Send(model.SnapshotMessage{
		Type:       "snapshot",
		LocationID: locationID,
		Trips:      trips,
	}); err != nil {
		h.logger.Debug("snapshot send failed", "location_id", locationID, "error", err)
	}
}

// commandLoop processes client commands until the connection ends. Every
// exit path runs the deferred hub.Disconnect, so room and listener state
// always reconverges.
func (h *Handler) commandLoop(ctx context.Context, conn *websocket.Conn, sess *hub.Session) {
	for {
		var cmd model.ClientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}

		switch cmd.Action {
		case "ping":
			// Long-lived sockets must stay honest about token expiry.
			if _, err := h.tokens.Verify(cmd.Token); err != nil {
				sess.Send(model.ErrorMessage{
					Type:   "error",
					Code:   "token_expired",
					Detail: "invalid or expired token",
				})
				closePolicy(conn, "invalid token")
				return
			}
			sess.Send(model.PongMessage{Type: "pong"})

		case "subscribe":
			valid, trips := h.validateTrips(ctx, sess.LocationID, cmd.TripIDs)
			h.hub.SubscribeTrips(sess, valid)
			sess.Send(model.SubscribedMessage{
				Type:    "subscribed",
				TripIDs: valid,
				Trips:   trips,
			})

		case "unsubscribe":
			h.hub.UnsubscribeTrips(sess, cmd.TripIDs)
			sess.Send(model.UnsubscribedMessage{
				Type:    "unsubscribed",
				TripIDs: cmd.TripIDs,
			})

		default:
			sess.Send(model.ErrorMessage{
				Type:   "error",
				Detail: "unknown action",
			})
		}
	}
}

// validateTrips keeps only the requested trip ids whose cached state
// belongs to the session's location, returning those states for an
// immediate paint. Uncached ids are rejected until a snapshot refreshes
// them.
func (h *Handler) validateTrips(ctx context.Context, locationID string, tripIDs []string) (valid []string, trips []map[string]any) {
	valid = make([]string, 0, len(tripIDs))
	for _, id := range tripIDs {
		trip, err := h.store.GetTrip(ctx, id)
		if err != nil || trip == nil {
			continue
		}
		if loc, _ := trip["location_id"].(string); loc != locationID {
			continue
		}
		valid = append(valid, id)
		trips = append(trips, trip)
	}
	return valid, trips
}

// closePolicy sends a policy-violation close frame and closes the socket.
func closePolicy(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		deadline,
	)
	conn.Close()
}

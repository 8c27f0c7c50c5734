package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Change Events
// -----------------------------------------------------------------------------

// EventType identifies the kind of row mutation behind a change event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"

	// EventDBUpdate is the fallback applied by the webhook receiver when an
	// event arrives with an absent or unrecognized type.
	EventDBUpdate EventType = "db_update"
)

// ChangeEvent is a single trip mutation. Immutable once built.
type ChangeEvent struct {
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	TripID     string         `json:"trip_id"`
	LocationID string         `json:"location_id"`
	Trip       map[string]any `json:"trip,omitempty"` // row image; old image for deletes
}

// Batch is an ordered group of change events shipped in one signed HTTP call.
// Event order within a batch is preserved end-to-end; batches from concurrent
// senders carry no relative ordering.
type Batch struct {
	BatchID string        `json:"batch_id"`
	SentAt  int64         `json:"sent_at"` // Unix seconds
	Source  string        `json:"source"`
	Events  []ChangeEvent `json:"events"`
}

// NewBatch stamps a fresh batch around the given events.
func NewBatch(source string, events []ChangeEvent) Batch {
	return Batch{
		BatchID: uuid.NewString(),
		SentAt:  time.Now().Unix(),
		Source:  source,
		Events:  events,
	}
}

// RowChange is a raw change notification from the database, one per row
// mutation. Old and New are the row images before and after the mutation.
type RowChange struct {
	Event string         `json:"event"` // "insert" | "update" | "delete"
	Old   map[string]any `json:"old"`
	New   map[string]any `json:"new"`
}

// BuildEvent converts a raw row change into a ChangeEvent. The trip id and
// location id come from the new row image, falling back to the old image so
// deletes still resolve. Returns false when either id is missing.
func BuildEvent(rc RowChange) (ChangeEvent, bool) {
	tripID := imageString(rc.New, rc.Old, "id")
	locationID := imageString(rc.New, rc.Old, "location_id")
	if tripID == "" || locationID == "" {
		return ChangeEvent{}, false
	}

	trip := rc.New
	if EventType(rc.Event) == EventDelete {
		trip = rc.Old
	}

	return ChangeEvent{
		EventID:    uuid.NewString(),
		EventType:  EventType(rc.Event),
		TripID:     tripID,
		LocationID: locationID,
		Trip:       trip,
	}, true
}

// imageString reads a string field from the new image, falling back to old.
func imageString(newImg, oldImg map[string]any, key string) string {
	for _, img := range []map[string]any{newImg, oldImg} {
		if img == nil {
			continue
		}
		if v, ok := img[key]; ok {
			if s := strings.TrimSpace(stringify(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Numeric ids arrive as json float64.
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		if str, ok := v.(interface{ String() string }); ok {
			return str.String()
		}
		return ""
	}
}

// -----------------------------------------------------------------------------
// Pub/Sub
// -----------------------------------------------------------------------------

// EnvelopeType is the discriminator for pub/sub messages on loc:{id} channels.
const EnvelopeTypeBatch = "trips_batch"

// BatchEnvelope is published once per location per received batch, carrying
// every event for that location in batch order.
type BatchEnvelope struct {
	Type       string        `json:"type"` // always "trips_batch"
	LocationID string        `json:"location_id"`
	Events     []ChangeEvent `json:"events"`
}

// -----------------------------------------------------------------------------
// WebSocket Messages (server → client)
// -----------------------------------------------------------------------------

// SnapshotMessage delivers the cached trips for a location on connect.
type SnapshotMessage struct {
	Type       string           `json:"type"` // "snapshot"
	LocationID string           `json:"location_id"`
	Trips      []map[string]any `json:"trips"`
}

// TripEventMessage delivers one live change event to a client.
type TripEventMessage struct {
	Type       string         `json:"type"` // "trip_event"
	EventType  EventType      `json:"event_type"`
	LocationID string         `json:"location_id"`
	TripID     string         `json:"trip_id"`
	Trip       map[string]any `json:"trip,omitempty"`
}

// TripBatchMessage delivers a whole batch of events as one frame. Sent
// instead of per-event TripEventMessages when the hub runs in combined mode.
type TripBatchMessage struct {
	Type       string        `json:"type"` // "trip_batch"
	LocationID string        `json:"location_id"`
	Events     []ChangeEvent `json:"events"`
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type string `json:"type"` // "pong"
}

// ErrorMessage reports a client-visible failure.
type ErrorMessage struct {
	Type   string `json:"type"` // "error"
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail"`
}

// SubscribedMessage acknowledges per-trip subscriptions, echoing the trip
// ids that passed validation and their current cached states.
type SubscribedMessage struct {
	Type    string           `json:"type"` // "subscribed"
	TripIDs []string         `json:"trip_ids"`
	Trips   []map[string]any `json:"trips,omitempty"`
}

// UnsubscribedMessage acknowledges per-trip unsubscriptions.
type UnsubscribedMessage struct {
	Type    string   `json:"type"` // "unsubscribed"
	TripIDs []string `json:"trip_ids"`
}

// -----------------------------------------------------------------------------
// WebSocket Commands (client → server)
// -----------------------------------------------------------------------------

// ClientCommand is a request from a connected client.
type ClientCommand struct {
	Action  string   `json:"action"` // "subscribe" | "unsubscribe" | "ping"
	Token   string   `json:"token,omitempty"`
	TripIDs []string `json:"trip_ids,omitempty"`
}

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/odiazmo/tripstream/internal/auth"
	"github.com/odiazmo/tripstream/internal/model"
	"github.com/odiazmo/tripstream/internal/store"
)

// Conn is the transport surface the hub needs from a client connection.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config holds hub settings.
type Config struct {
	// CombinedBatches sends one trip_batch frame per published batch
	// instead of one trip_event frame per contained event.
	CombinedBatches bool
	WriteTimeout    time.Duration
	// ResubscribeWait is the pause before a listener retries a failed
	// pub/sub subscribe.
	ResubscribeWait time.Duration
}

// Session is one connected WebSocket client. Created by Connect, destroyed
// by Disconnect or a send failure; exactly one location per session.
type Session struct {
	conn Conn

	LocationID string
	UserID     string
	OrgID      string
	Role       string

	// tripIDs is this client's per-trip subscription set, guarded by the
	// hub mutex like the rest of the session bookkeeping.
	tripIDs map[string]struct{}

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Send writes one JSON frame, serializing writers on the connection.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(v)
}

// listener is one location's pub/sub task.
type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats summarizes hub occupancy.
type Stats struct {
	Rooms     int
	Sessions  int
	Listeners int
}

// Hub is the connection manager.
type Hub struct {
	cfg    Config
	subs   store.Subscriber
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards rooms, listeners, and every session's tripIDs as one unit
	// of shared state.
	mu        sync.Mutex
	rooms     map[string]map[*Session]struct{}
	listeners map[string]*listener
}

// New creates a hub. Call Start before accepting connections.
func New(cfg Config, subs store.Subscriber, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResubscribeWait == 0 {
		cfg.ResubscribeWait = time.Second
	}
	return &Hub{
		cfg:       cfg,
		subs:      subs,
		logger:    logger,
		rooms:     make(map[string]map[*Session]struct{}),
		listeners: make(map[string]*listener),
	}
}

// Start arms the hub's lifetime context.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
}

// Stop cancels every listener and waits for them to exit, bounded by ctx.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub stop timed out")
		return ctx.Err()
	}
}

// Connect registers a session in its location room and starts the room's
// listener if this is the first session to need it. Room join and listener
// start happen under one lock so the listener/room invariant never races.
func (h *Hub) Connect(conn Conn, locationID string, claims auth.Claims) *Session {
	s := &Session{
		conn:         conn,
		LocationID:   locationID,
		UserID:       claims.UserID,
		OrgID:        claims.OrgID,
		Role:         claims.Role,
		tripIDs:      make(map[string]struct{}),
		writeTimeout: h.cfg.WriteTimeout,
	}

	h.mu.Lock()
	room := h.rooms[locationID]
	if room == nil {
		room = make(map[*Session]struct{})
		h.rooms[locationID] = room
	}
	room[s] = struct{}{}

	if _, exists := h.listeners[locationID]; !exists {
		lctx, cancel := context.WithCancel(h.ctx)
		l := &listener{cancel: cancel, done: make(chan struct{})}
		h.listeners[locationID] = l
		h.wg.Add(1)
		go h.runListener(lctx, locationID, l.done)
	}
	h.mu.Unlock()

	h.logger.Debug("session connected",
		"location_id", locationID,
		"user_id", s.UserID,
		"org_id", s.OrgID,
	)
	return s
}

// Disconnect removes a session from its room. When the room empties, the
// room and its listener are torn down atomically: no orphaned listeners,
// no duplicates. Safe to call more than once.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.LocationID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := room[s]; !member {
		h.mu.Unlock()
		return
	}
	delete(room, s)

	if len(room) == 0 {
		delete(h.rooms, s.LocationID)
		if l := h.listeners[s.LocationID]; l != nil {
			l.cancel()
			delete(h.listeners, s.LocationID)
		}
	}
	h.mu.Unlock()

	s.conn.Close()
	h.logger.Debug("session disconnected",
		"location_id", s.LocationID,
		"user_id", s.UserID,
	)
}

// SubscribeTrips adds per-trip subscriptions for a session.
func (h *Hub) SubscribeTrips(s *Session, tripIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range tripIDs {
		s.tripIDs[id] = struct{}{}
	}
}

// UnsubscribeTrips removes per-trip subscriptions for a session.
func (h *Hub) UnsubscribeTrips(s *Session, tripIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range tripIDs {
		delete(s.tripIDs, id)
	}
}

// Stats returns current occupancy.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions := 0
	for _, room := range h.rooms {
		sessions += len(room)
	}
	return Stats{
		Rooms:     len(h.rooms),
		Sessions:  sessions,
		Listeners: len(h.listeners),
	}
}

// RoomSize reports how many sessions are joined to a location.
func (h *Hub) RoomSize(locationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[locationID])
}

// HasListener reports whether a location has an active listener task.
func (h *Hub) HasListener(locationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.listeners[locationID]
	return ok
}

// route fans one payload out to the room. A session with an explicit trip
// subscription set receives only events for those trips; an empty set means
// everything for the location. The session set is copied under the lock;
// sends happen outside it so a slow client never blocks connect/disconnect.
// Dead sessions are disconnected after the pass, not while the set is being
// iterated.
func (h *Hub) route(locationID, tripID string, payload any) {
	h.mu.Lock()
	room := h.rooms[locationID]
	targets := make([]*Session, 0, len(room))
	for s := range room {
		if tripID != "" && len(s.tripIDs) > 0 {
			if _, subscribed := s.tripIDs[tripID]; !subscribed {
				continue
			}
		}
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var dead []*Session
	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			dead = append(dead, s)
		}
	}

	for _, s := range dead {
		h.logger.Debug("dropping dead session",
			"location_id", locationID,
			"user_id", s.UserID,
		)
		h.Disconnect(s)
	}
}

// runListener is the per-location pub/sub task. It subscribes to the
// location channel, dispatches trips_batch envelopes to the room, and
// releases the channel handle on every exit path.
func (h *Hub) runListener(ctx context.Context, locationID string, done chan struct{}) {
	defer h.wg.Done()
	defer close(done)

	channel := store.LocationChannel(locationID)

	for {
		sub, err := h.subs.Subscribe(ctx, channel)
		if err != nil {
			h.logger.Warn("listener subscribe failed",
				"location_id", locationID,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.cfg.ResubscribeWait):
				continue
			}
		}

		h.logger.Debug("listener started", "location_id", locationID)
		ended := h.listen(ctx, locationID, sub)
		sub.Close()
		if ended {
			h.logger.Debug("listener stopped", "location_id", locationID)
			return
		}
		// Stream ended unexpectedly; resubscribe.
	}
}

// listen consumes one subscription until cancellation (true) or stream end
// (false).
func (h *Hub) listen(ctx context.Context, locationID string, sub store.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true

		case msg, ok := <-sub.Messages():
			if !ok {
				return false
			}
			h.dispatch(locationID, msg)
		}
	}
}

// dispatch validates one pub/sub message and fans it out. Messages that
// are not trips_batch envelopes for this location are ignored.
func (h *Hub) dispatch(locationID string, msg []byte) {
	var env model.BatchEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.logger.Warn("undecodable pubsub message", "location_id", locationID, "error", err)
		return
	}
	if env.Type != model.EnvelopeTypeBatch || env.LocationID != locationID {
		return
	}

	if h.cfg.CombinedBatches {
		// Combined frames carry the whole batch, so per-trip filtering
		// does not apply.
		h.route(locationID, "", model.TripBatchMessage{
			Type:       "trip_batch",
			LocationID: locationID,
			Events:     env.Events,
		})
		return
	}

	for _, ev := range env.Events {
		h.route(locationID, ev.TripID, model.TripEventMessage{
			Type:       "trip_event",
			EventType:  ev.EventType,
			LocationID: locationID,
			TripID:     ev.TripID,
			Trip:       ev.Trip,
		})
	}
}

package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odiazmo/tripstream/internal/auth"
	"github.com/odiazmo/tripstream/internal/hub"
	"github.com/odiazmo/tripstream/internal/store"
)

type fakeVerifier struct {
	valid map[string]auth.Claims
}

func (f *fakeVerifier) Verify(token string) (auth.Claims, error) {
	if claims, ok := f.valid[token]; ok {
		return claims, nil
	}
	return auth.Claims{}, auth.ErrInvalidToken
}

type fakeAuthz struct {
	allowed map[string]bool
	err     error
}

func (f *fakeAuthz) CanAccessLocation(ctx context.Context, orgID, locationID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[orgID+"/"+locationID], nil
}

type fakeSnapshotStore struct {
	snapshots map[string][]map[string]any
	trips     map[string]map[string]any
}

func (f *fakeSnapshotStore) Snapshot(ctx context.Context, locationID string) ([]map[string]any, error) {
	return f.snapshots[locationID], nil
}

func (f *fakeSnapshotStore) GetTrip(ctx context.Context, tripID string) (map[string]any, error) {
	return f.trips[tripID], nil
}

// idleSub blocks forever; session tests drive the socket, not pub/sub.
type idleSub struct{ msgs chan []byte }

func (s *idleSub) Messages() <-chan []byte { return s.msgs }
func (s *idleSub) Close() error            { return nil }

type idleSubscriber struct{}

func (idleSubscriber) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	return &idleSub{msgs: make(chan []byte)}, nil
}

type testEnv struct {
	server *httptest.Server
}

func newTestEnv(t *testing.T, snap *fakeSnapshotStore) *testEnv {
	t.Helper()

	h := hub.New(hub.Config{WriteTimeout: time.Second}, idleSubscriber{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	verifier := &fakeVerifier{valid: map[string]auth.Claims{
		"good-token": {UserID: "user-1", OrgID: "org-1", Role: "dispatcher"},
	}}
	authorizer := &fakeAuthz{allowed: map[string]bool{"org-1/jfk": true}}

	handler := NewHandler(h, snap, authorizer, verifier, nil)
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		server.Close()
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		h.Stop(stopCtx)
	})
	return &testEnv{server: server}
}

func (e *testEnv) dial(t *testing.T, locationID, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/trips?" + url.Values{
		"location_id": {locationID},
		"token":       {token},
	}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var frame map[string]any
	err := conn.ReadJSON(&frame)
	if err == nil {
		t.Fatalf("read = %v, want a close frame", frame)
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read error = %v, want CloseError", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestHandler_SnapshotOnConnect(t *testing.T) {
	snap := &fakeSnapshotStore{snapshots: map[string][]map[string]any{
		"jfk": {
			{"id": "trip-1", "location_id": "jfk", "status": "active"},
			{"id": "trip-2", "location_id": "jfk", "status": "pending"},
		},
	}}
	env := newTestEnv(t, snap)

	conn := env.dial(t, "jfk", "good-token")
	frame := readFrame(t, conn)

	if frame["type"] != "snapshot" {
		t.Fatalf("type = %v, want snapshot", frame["type"])
	}
	if frame["location_id"] != "jfk" {
		t.Errorf("location_id = %v, want jfk", frame["location_id"])
	}
	trips, ok := frame["trips"].([]any)
	if !ok || len(trips) != 2 {
		t.Errorf("trips = %v, want 2 entries", frame["trips"])
	}
}

func TestHandler_EmptySnapshotOnColdCache(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})

	conn := env.dial(t, "jfk", "good-token")
	frame := readFrame(t, conn)

	if frame["type"] != "snapshot" {
		t.Fatalf("type = %v, want snapshot", frame["type"])
	}
	trips, ok := frame["trips"].([]any)
	if !ok {
		t.Fatalf("trips = %v (%T), want an empty array, not null", frame["trips"], frame["trips"])
	}
	if len(trips) != 0 {
		t.Errorf("trips = %v, want empty", trips)
	}
}

func TestHandler_RejectsMissingLocation(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "", "good-token")
	expectPolicyClose(t, conn)
}

func TestHandler_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "jfk", "bad-token")
	expectPolicyClose(t, conn)
}

func TestHandler_RejectsForeignLocation(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "lga", "good-token") // org-1 may only access jfk
	expectPolicyClose(t, conn)
}

func TestHandler_PingPong(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "jfk", "good-token")
	readFrame(t, conn) // snapshot

	if err := conn.WriteJSON(map[string]any{"action": "ping", "token": "good-token"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("type = %v, want pong", frame["type"])
	}
}

func TestHandler_PingWithExpiredToken(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "jfk", "good-token")
	readFrame(t, conn) // snapshot

	if err := conn.WriteJSON(map[string]any{"action": "ping", "token": "expired"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "token_expired" {
		t.Errorf("frame = %v, want error with code token_expired", frame)
	}
	expectPolicyClose(t, conn)
}

func TestHandler_SubscribeValidation(t *testing.T) {
	snap := &fakeSnapshotStore{trips: map[string]map[string]any{
		"trip-1": {"id": "trip-1", "location_id": "jfk", "status": "active"},
		"trip-2": {"id": "trip-2", "location_id": "lga", "status": "active"},
	}}
	env := newTestEnv(t, snap)
	conn := env.dial(t, "jfk", "good-token")
	readFrame(t, conn) // snapshot

	cmd := map[string]any{
		"action":   "subscribe",
		"trip_ids": []string{"trip-1", "trip-2", "trip-unknown"},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "subscribed" {
		t.Fatalf("type = %v, want subscribed", frame["type"])
	}
	ids, _ := frame["trip_ids"].([]any)
	if len(ids) != 1 || ids[0] != "trip-1" {
		t.Errorf("trip_ids = %v, want only trip-1 (wrong-location and uncached ids rejected)", ids)
	}
}

func TestHandler_Unsubscribe(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "jfk", "good-token")
	readFrame(t, conn) // snapshot

	if err := conn.WriteJSON(map[string]any{"action": "unsubscribe", "trip_ids": []string{"trip-1"}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "unsubscribed" {
		t.Errorf("type = %v, want unsubscribed", frame["type"])
	}
}

func TestHandler_UnknownActionKeepsSessionOpen(t *testing.T) {
	env := newTestEnv(t, &fakeSnapshotStore{})
	conn := env.dial(t, "jfk", "good-token")
	readFrame(t, conn) // snapshot

	if err := conn.WriteJSON(map[string]any{"action": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("type = %v, want error", frame["type"])
	}

	// The session survives the unknown action.
	if err := conn.WriteJSON(map[string]any{"action": "ping", "token": "good-token"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("type = %v, want pong after an unknown action", frame["type"])
	}
}

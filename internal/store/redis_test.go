package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/odiazmo/tripstream/internal/config"
	"github.com/odiazmo/tripstream/internal/model"
)

func newTestStore(t *testing.T) (*TripStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), config.RedisConfig{
		Addr:    mr.Addr(),
		TripTTL: 300 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func insertEvent(tripID, locationID string, trip map[string]any) model.ChangeEvent {
	return model.ChangeEvent{
		EventID:    "ev-" + tripID,
		EventType:  model.EventInsert,
		TripID:     tripID,
		LocationID: locationID,
		Trip:       trip,
	}
}

func snapshotIDs(t *testing.T, s *TripStore, locationID string) map[string]bool {
	t.Helper()
	trips, err := s.Snapshot(context.Background(), locationID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	ids := make(map[string]bool, len(trips))
	for _, trip := range trips {
		id, _ := trip["id"].(string)
		ids[id] = true
	}
	return ids
}

func TestTripStore_ApplyBatchWritesTripAndIndex(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.ApplyBatch(ctx, []model.ChangeEvent{
		insertEvent("trip-1", "jfk", map[string]any{"id": "trip-1", "status": "active"}),
	})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	trip, err := s.GetTrip(ctx, "trip-1")
	if err != nil {
		t.Fatalf("GetTrip failed: %v", err)
	}
	if trip == nil || trip["status"] != "active" {
		t.Errorf("GetTrip = %v, want the cached row image", trip)
	}

	if ttl := mr.TTL(TripKey("trip-1")); ttl != 300*time.Second {
		t.Errorf("trip key TTL = %v, want 300s", ttl)
	}
	if ttl := mr.TTL(IndexKey("jfk")); ttl != 300*time.Second {
		t.Errorf("index TTL = %v, want 300s", ttl)
	}
}

func TestTripStore_ApplyBatchIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ev := insertEvent("trip-1", "jfk", map[string]any{"id": "trip-1", "status": "active"})
	for i := 0; i < 2; i++ {
		if err := s.ApplyBatch(ctx, []model.ChangeEvent{ev}); err != nil {
			t.Fatalf("ApplyBatch pass %d failed: %v", i+1, err)
		}
	}

	trips, err := s.Snapshot(ctx, "jfk")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("snapshot after duplicate apply = %d trips, want 1", len(trips))
	}
	if trips[0]["status"] != "active" {
		t.Errorf("trip = %v, want unchanged after the second apply", trips[0])
	}
}

func TestTripStore_UpdateOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyBatch(ctx, []model.ChangeEvent{
		insertEvent("trip-1", "jfk", map[string]any{"id": "trip-1", "status": "pending"}),
	}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if err := s.ApplyBatch(ctx, []model.ChangeEvent{{
		EventID:    "ev-2",
		EventType:  model.EventUpdate,
		TripID:     "trip-1",
		LocationID: "jfk",
		Trip:       map[string]any{"id": "trip-1", "status": "active"},
	}}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	trip, err := s.GetTrip(ctx, "trip-1")
	if err != nil {
		t.Fatalf("GetTrip failed: %v", err)
	}
	if trip["status"] != "active" {
		t.Errorf("status = %v, want the later write", trip["status"])
	}
}

func TestTripStore_DeleteEvictsFromSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyBatch(ctx, []model.ChangeEvent{
		insertEvent("trip-1", "jfk", map[string]any{"id": "trip-1"}),
		insertEvent("trip-2", "jfk", map[string]any{"id": "trip-2"}),
	}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if err := s.ApplyBatch(ctx, []model.ChangeEvent{{
		EventID:    "ev-del",
		EventType:  model.EventDelete,
		TripID:     "trip-1",
		LocationID: "jfk",
	}}); err != nil {
		t.Fatalf("ApplyBatch delete failed: %v", err)
	}

	ids := snapshotIDs(t, s, "jfk")
	if ids["trip-1"] {
		t.Error("snapshot still contains the deleted trip")
	}
	if !ids["trip-2"] {
		t.Error("snapshot lost the surviving trip")
	}

	trip, err := s.GetTrip(ctx, "trip-1")
	if err != nil {
		t.Fatalf("GetTrip failed: %v", err)
	}
	if trip != nil {
		t.Errorf("GetTrip after delete = %v, want nil", trip)
	}
}

func TestTripStore_SnapshotSkipsExpiredMembers(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyBatch(ctx, []model.ChangeEvent{
		insertEvent("trip-1", "jfk", map[string]any{"id": "trip-1"}),
		insertEvent("trip-2", "jfk", map[string]any{"id": "trip-2"}),
	}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// A trip key expiring ahead of the index leaves a hole: the id stays
	// a set member with no value behind it.
	mr.Del(TripKey("trip-1"))

	ids := snapshotIDs(t, s, "jfk")
	if ids["trip-1"] {
		t.Error("snapshot served an index member whose trip key is gone")
	}
	if !ids["trip-2"] {
		t.Error("snapshot dropped a live trip alongside the hole")
	}
}

func TestTripStore_SnapshotColdLocation(t *testing.T) {
	s, _ := newTestStore(t)

	trips, err := s.Snapshot(context.Background(), "nowhere")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(trips) != 0 {
		t.Errorf("cold snapshot = %v, want empty", trips)
	}
}

func TestTripStore_GetTripMiss(t *testing.T) {
	s, _ := newTestStore(t)

	trip, err := s.GetTrip(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetTrip = %v, want nil error on a miss", err)
	}
	if trip != nil {
		t.Errorf("GetTrip = %v, want nil", trip)
	}
}

func TestTripStore_PublishSubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, LocationChannel("jfk"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := s.Publish(ctx, "jfk", []byte(`{"type":"trips_batch"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != `{"type":"trips_batch"}` {
			t.Errorf("message = %s, want the published payload", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published payload never arrived")
	}
}

func TestSubscriptionCloseUnblocksPump(t *testing.T) {
	sub := &redisSubscription{
		msgs: make(chan []byte, 2),
		done: make(chan struct{}),
	}

	src := make(chan *redis.Message, 8)
	for i := 0; i < 8; i++ {
		src <- &redis.Message{Payload: "backlog"}
	}

	exited := make(chan struct{})
	go func() {
		sub.forward(src)
		close(exited)
	}()

	// Let forward fill the buffer and block on the third send; nothing
	// reads Messages, mirroring a listener that already returned.
	deadline := time.Now().Add(time.Second)
	for len(sub.msgs) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sub.msgs) != 2 {
		t.Fatalf("buffered = %d, want a full buffer before close", len(sub.msgs))
	}

	sub.stop()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("forward still running after close with undelivered backlog")
	}
}

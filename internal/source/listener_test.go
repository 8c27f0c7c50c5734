package source

import (
	"context"
	"testing"

	"github.com/odiazmo/tripstream/internal/composer"
	"github.com/odiazmo/tripstream/internal/model"
)

type fakeSink struct {
	events []model.ChangeEvent
	err    error
}

func (f *fakeSink) Submit(ctx context.Context, ev model.ChangeEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func TestListener_Handle(t *testing.T) {
	sink := &fakeSink{}
	l := New("conn-str", "trips_changes", sink, nil)

	payload := `{"event":"update","old":{"id":"trip-1","location_id":"jfk","status":"pending"},"new":{"id":"trip-1","location_id":"jfk","status":"active"}}`
	if err := l.handle(context.Background(), payload); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.EventType != model.EventUpdate || ev.TripID != "trip-1" || ev.LocationID != "jfk" {
		t.Errorf("event = %+v, want update for trip-1 at jfk", ev)
	}
	if ev.Trip["status"] != "active" {
		t.Errorf("Trip = %v, want the new row image", ev.Trip)
	}
}

func TestListener_HandleDropsBadPayloads(t *testing.T) {
	sink := &fakeSink{}
	l := New("conn-str", "trips_changes", sink, nil)

	payloads := []string{
		"not json",
		`{"event":"update","new":{"status":"active"}}`, // no ids
	}
	for _, p := range payloads {
		if err := l.handle(context.Background(), p); err != nil {
			t.Errorf("handle(%q) = %v, want nil (dropped, not fatal)", p, err)
		}
	}
	if len(sink.events) != 0 {
		t.Errorf("events = %d, want 0", len(sink.events))
	}
}

func TestListener_HandlePropagatesSinkError(t *testing.T) {
	sink := &fakeSink{err: composer.ErrClosed}
	l := New("conn-str", "trips_changes", sink, nil)

	payload := `{"event":"insert","new":{"id":"trip-1","location_id":"jfk"}}`
	if err := l.handle(context.Background(), payload); err != composer.ErrClosed {
		t.Errorf("handle = %v, want ErrClosed from the sink", err)
	}
}

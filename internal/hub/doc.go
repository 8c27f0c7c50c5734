// Package hub implements the WebSocket connection manager.
//
// The hub owns the rooms, per-session metadata, and location listener
// tasks, all guarded by one mutex so the invariant "a location has a
// running listener iff its room is non-empty" holds at every observation
// point. Fan-out copies the room under the lock and sends outside it; a
// send failure marks the session dead and it is disconnected after the
// pass, never during it.
//
// Per-trip subscriptions narrow delivery: a session with a non-empty
// subscription set receives trip_event frames only for those trips, while
// a session with no explicit subscriptions receives every event for its
// location. Combined trip_batch frames are never filtered.
//
// The hub is an explicitly constructed service: build one per process and
// inject it into the session handler.
package hub

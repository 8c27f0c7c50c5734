// Package store wraps the Redis cache and pub/sub layer.
//
// Keys:
//   - trip:{trip_id}       JSON trip payload, TTL 300s
//   - loc:{location_id}:trips  set of trip ids for the location, TTL
//     refreshed to 300s on every write
//
// The location index is an approximation of recently active trips, not
// authoritative membership: ids can linger in the set after their trip key
// expires, and snapshot reads skip those holes. A batch's cache effects are
// applied in one pipeline before anything is published, so a subscriber
// never observes a publish without the corresponding cache entry.
package store

// Package model defines the wire types shared across the trip streaming
// pipeline: change events, signed batches, the pub/sub envelope, and the
// WebSocket messages delivered to clients.
//
// Conventions:
//   - Timestamps: int64 seconds since Unix epoch (matches the signature scheme)
//   - IDs: string UUIDs for events and batches, opaque strings for trips and locations
//   - Trip payloads: opaque JSON objects, validated only at the webhook boundary
package model

// Package sender delivers signed batches to the webhook endpoint.
//
// Worker loops drain the composer's batch channel concurrently so one slow
// batch cannot block the others indefinitely. Each attempt serializes the
// batch (encoding/json orders map keys, keeping the signed body stable),
// stamps a fresh timestamp and HMAC signature, and POSTs. Retryable
// statuses back off exponentially with jitter, honoring Retry-After; any
// other 4xx is a permanent rejection. Outcomes are reported as Result
// values so callers and logs see a reason code, never a crashed worker.
package sender

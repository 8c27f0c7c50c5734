// Package composer buffers individual trip change events into size- or
// time-bounded batches.
//
// Events enter through Submit, which blocks when the bounded event queue is
// full so backpressure reaches the change source. The run loop drains the
// queue opportunistically and flushes a batch when the buffer reaches the
// size limit or when the flush interval elapses with a non-empty buffer,
// suspending on the next event when idle. Finished batches flow into a
// bounded batch queue consumed by the sender; a full batch queue blocks the
// composer, propagating backpressure upstream transitively.
package composer

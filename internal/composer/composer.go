package composer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/odiazmo/tripstream/internal/config"
	"github.com/odiazmo/tripstream/internal/model"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("composer closed")

// Composer accumulates change events into batches.
type Composer struct {
	cfg    config.ComposerConfig
	logger *slog.Logger

	events  chan model.ChangeEvent
	batches chan model.Batch
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a composer. Call Start before submitting events.
func New(cfg config.ComposerConfig, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		cfg:     cfg,
		logger:  logger,
		events:  make(chan model.ChangeEvent, cfg.EventBuffer),
		batches: make(chan model.Batch, cfg.BatchBuffer),
		done:    make(chan struct{}),
	}
}

// Start launches the batching loop.
func (c *Composer) Start() {
	c.wg.Add(1)
	go c.run()

	c.logger.Info("composer started",
		"max_batch", c.cfg.MaxBatch,
		"flush_interval", c.cfg.FlushInterval,
	)
}

// Submit enqueues one event, blocking while the event queue is full.
// Returns ErrClosed after Close, or the context error if ctx ends first.
func (c *Composer) Submit(ctx context.Context, ev model.ChangeEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batches returns the output channel. It is closed once Close has drained
// every pending event into a final batch.
func (c *Composer) Batches() <-chan model.Batch {
	return c.batches
}

// Depths reports the current queue occupancy for monitoring.
func (c *Composer) Depths() (events, batches int) {
	return len(c.events), len(c.batches)
}

// Close stops accepting events, drains both queues, and closes the batch
// channel. Callers must stop submitting before Close; ctx bounds the wait
// for the final drain.
func (c *Composer) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.done) })

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.logger.Info("composer stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("composer drain timed out")
		return ctx.Err()
	}
}

// run is the batching loop described in the package comment.
func (c *Composer) run() {
	defer c.wg.Done()
	defer close(c.batches)

	buf := make([]model.ChangeEvent, 0, c.cfg.MaxBatch)
	lastFlush := time.Now()

	for {
		// Drain whatever is immediately available.
		buf = c.drainAvailable(buf)

		// Flush on size.
		if len(buf) >= c.cfg.MaxBatch {
			buf = c.flush(buf, &lastFlush)
			continue
		}

		// Flush on time.
		if len(buf) > 0 && time.Since(lastFlush) >= c.cfg.FlushInterval {
			buf = c.flush(buf, &lastFlush)
			continue
		}

		// Idle: suspend on the next event rather than polling.
		if len(buf) == 0 {
			select {
			case ev := <-c.events:
				buf = append(buf, ev)
			case <-c.done:
				c.finalDrain(buf)
				return
			}
			continue
		}

		// Partially filled: wait for the next event or the flush deadline.
		remaining := c.cfg.FlushInterval - time.Since(lastFlush)
		select {
		case ev := <-c.events:
			buf = append(buf, ev)
		case <-time.After(remaining):
		case <-c.done:
			c.finalDrain(buf)
			return
		}
	}
}

// drainAvailable moves events from the queue into buf without blocking,
// stopping at the batch size limit.
func (c *Composer) drainAvailable(buf []model.ChangeEvent) []model.ChangeEvent {
	for len(buf) < c.cfg.MaxBatch {
		select {
		case ev := <-c.events:
			buf = append(buf, ev)
		default:
			return buf
		}
	}
	return buf
}

// flush ships buf as one batch, blocking if the batch queue is full.
func (c *Composer) flush(buf []model.ChangeEvent, lastFlush *time.Time) []model.ChangeEvent {
	batch := model.NewBatch(c.cfg.Source, buf)
	*lastFlush = time.Now()

	c.batches <- batch

	c.logger.Debug("batch queued",
		"batch_id", batch.BatchID,
		"events", len(batch.Events),
		"batch_queue", len(c.batches),
	)

	return make([]model.ChangeEvent, 0, c.cfg.MaxBatch)
}

// finalDrain empties the event queue and flushes everything in batch-size
// chunks so a graceful stop never drops an accepted event.
func (c *Composer) finalDrain(buf []model.ChangeEvent) {
	for {
		select {
		case ev := <-c.events:
			buf = append(buf, ev)
			if len(buf) >= c.cfg.MaxBatch {
				last := time.Now()
				buf = c.flush(buf, &last)
			}
		default:
			if len(buf) > 0 {
				last := time.Now()
				c.flush(buf, &last)
			}
			return
		}
	}
}

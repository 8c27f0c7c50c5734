package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/odiazmo/tripstream/internal/config"
	"github.com/odiazmo/tripstream/internal/model"
	"github.com/odiazmo/tripstream/internal/signature"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "x-webhook-secret"

// maxBackoff caps one exponential backoff step, in seconds.
const maxBackoff = 20

// Status classifies the outcome of delivering one batch.
type Status int

const (
	// StatusDelivered means the endpoint acknowledged the batch with a 2xx.
	StatusDelivered Status = iota
	// StatusRejected means a non-retryable response; the batch is dropped.
	StatusRejected
	// StatusExhausted means every retry failed; the batch is dropped.
	StatusExhausted
	// StatusCanceled means the context ended before delivery resolved.
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return "rejected"
	case StatusExhausted:
		return "exhausted"
	case StatusCanceled:
		return "canceled"
	}
	return "unknown"
}

// Result reports how a batch delivery ended.
type Result struct {
	Status   Status
	Attempts int
	Code     int // last HTTP status, 0 if the request never completed
	Err      error
}

// Sender posts batches from an input channel using N concurrent workers.
type Sender struct {
	cfg    config.SenderConfig
	logger *slog.Logger

	client *http.Client
	input  <-chan model.Batch

	wg sync.WaitGroup

	// Counters guarded by metricsMu.
	metricsMu sync.Mutex
	metrics   Metrics
}

// Metrics are cumulative delivery counters.
type Metrics struct {
	Delivered int64
	Rejected  int64
	Exhausted int64
}

// New creates a sender reading from input.
func New(cfg config.SenderConfig, input <-chan model.Batch, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: cfg.Workers,
		},
	}

	return &Sender{
		cfg:    cfg,
		logger: logger,
		client: client,
		input:  input,
	}
}

// Start launches the worker loops. Workers exit when the input channel
// closes or ctx is canceled mid-delivery.
func (s *Sender) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i+1)
	}

	s.logger.Info("sender started",
		"workers", s.cfg.Workers,
		"url", s.cfg.URL,
		"max_retries", s.cfg.MaxRetries,
	)
}

// Wait blocks until every worker has drained and exited.
func (s *Sender) Wait() {
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

// Stats returns cumulative delivery counters.
func (s *Sender) Stats() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// worker drains batches until the input channel closes. A failed batch is
// logged and dropped; the loop itself never dies.
func (s *Sender) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for batch := range s.input {
		res := s.Send(ctx, batch)
		s.record(res)

		switch res.Status {
		case StatusDelivered:
			s.logger.Debug("batch delivered",
				"worker", id,
				"batch_id", batch.BatchID,
				"events", len(batch.Events),
				"attempts", res.Attempts,
			)
		case StatusCanceled:
			s.logger.Info("batch delivery canceled",
				"worker", id,
				"batch_id", batch.BatchID,
			)
			return
		default:
			// Dropped. No re-queue and no dead-letter: consumers are
			// idempotent and the cache is the source of current truth.
			s.logger.Error("batch failed permanently",
				"worker", id,
				"batch_id", batch.BatchID,
				"events", len(batch.Events),
				"status", res.Status.String(),
				"attempts", res.Attempts,
				"code", res.Code,
				"error", res.Err,
			)
		}
	}
}

// Send delivers one batch, retrying transient failures.
func (s *Sender) Send(ctx context.Context, batch model.Batch) Result {
	body, err := json.Marshal(batch)
	if err != nil {
		return Result{Status: StatusRejected, Err: err}
	}

	var last Result
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		last.Attempts = attempt + 1

		code, err := s.post(ctx, body)
		last.Code = code
		last.Err = err

		// post returns a nil error only for 2xx responses.
		if err == nil {
			last.Status = StatusDelivered
			return last
		}
		if !retryable(code) {
			last.Status = StatusRejected
			return last
		}

		if ctx.Err() != nil {
			last.Status = StatusCanceled
			return last
		}
		if attempt >= s.cfg.MaxRetries {
			break
		}

		// Retry-After overrides the backoff curve without consuming a step.
		if wait, ok := retryAfter(err); ok {
			if !sleep(ctx, wait) {
				last.Status = StatusCanceled
				return last
			}
			continue
		}

		if !sleep(ctx, backoff(attempt)) {
			last.Status = StatusCanceled
			return last
		}
	}

	last.Status = StatusExhausted
	return last
}

// post performs one signed POST attempt. The timestamp and signature are
// fresh per attempt; the body never changes.
func (s *Sender) post(ctx context.Context, body []byte) (int, error) {
	ts := time.Now().Unix()
	sig := signature.Sign(s.cfg.Secret, body, ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	apiErr := &statusError{code: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.ParseFloat(ra, 64); perr == nil && secs >= 0 {
			apiErr.retryAfter = time.Duration(secs * float64(time.Second))
			apiErr.hasRetryAfter = true
		}
	}
	return resp.StatusCode, apiErr
}

// statusError carries a non-2xx response through the retry loop.
type statusError struct {
	code          int
	retryAfter    time.Duration
	hasRetryAfter bool
}

func (e *statusError) Error() string {
	return "webhook returned " + strconv.Itoa(e.code)
}

// retryable reports whether an HTTP status is worth retrying. Zero means
// the request itself failed (network error), which is always transient.
func retryable(code int) bool {
	switch code {
	case 0, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter extracts a server-directed wait from the last attempt's error.
func retryAfter(err error) (time.Duration, bool) {
	if se, ok := err.(*statusError); ok && se.hasRetryAfter {
		return se.retryAfter, true
	}
	return 0, false
}

// backoff returns min(2^attempt, 20) seconds plus up to one second of jitter.
func backoff(attempt int) time.Duration {
	secs := float64(int64(1) << attempt)
	if secs > maxBackoff || attempt >= 63 {
		secs = maxBackoff
	}
	secs += rand.Float64()
	return time.Duration(secs * float64(time.Second))
}

// sleep waits for d or the context, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Sender) record(res Result) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	switch res.Status {
	case StatusDelivered:
		s.metrics.Delivered++
	case StatusRejected:
		s.metrics.Rejected++
	case StatusExhausted:
		s.metrics.Exhausted++
	}
}

// Package source streams raw trip row changes out of PostgreSQL.
//
// The database emits one NOTIFY per row mutation on a configured channel,
// with a JSON payload of the form {"event": "...", "old": {...},
// "new": {...}}. The listener decodes each payload into a ChangeEvent and
// pushes it into the sink; its only contract with the pipeline is "push an
// event or block", so composer backpressure reaches the database read.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odiazmo/tripstream/internal/composer"
	"github.com/odiazmo/tripstream/internal/model"
)

// Sink receives decoded change events. Satisfied by *composer.Composer.
type Sink interface {
	Submit(ctx context.Context, ev model.ChangeEvent) error
}

// Listener consumes LISTEN/NOTIFY change notifications.
type Listener struct {
	connStr string
	channel string
	sink    Sink
	logger  *slog.Logger

	// reconnectWait is the pause before redialing a dropped connection.
	reconnectWait time.Duration
}

// New creates a change listener.
func New(connStr, channel string, sink Sink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		connStr:       connStr,
		channel:       channel,
		sink:          sink,
		logger:        logger,
		reconnectWait: time.Second,
	}
}

// Run listens until ctx is canceled, redialing on connection loss.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, composer.ErrClosed) {
			return err
		}

		l.logger.Warn("change listener disconnected", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectWait):
		}
	}
}

// listen holds one dedicated connection and drains notifications from it.
func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connStr)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	listenSQL := "LISTEN " + pgx.Identifier{l.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listenSQL); err != nil {
		return err
	}

	l.logger.Info("change listener started", "channel", l.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := l.handle(ctx, n.Payload); err != nil {
			return err
		}
	}
}

// handle decodes one notification payload and pushes the resulting event
// into the sink. Undecodable or id-less payloads are dropped with a log,
// never fatal; a sink error is.
func (l *Listener) handle(ctx context.Context, payload string) error {
	var rc model.RowChange
	if err := json.Unmarshal([]byte(payload), &rc); err != nil {
		l.logger.Warn("undecodable change payload", "error", err)
		return nil
	}

	ev, ok := model.BuildEvent(rc)
	if !ok {
		l.logger.Debug("skipping change without ids", "event", rc.Event)
		return nil
	}

	return l.sink.Submit(ctx, ev)
}

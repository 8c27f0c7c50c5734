package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odiazmo/tripstream/internal/config"
	"github.com/odiazmo/tripstream/internal/model"
)

// Subscription is a live pub/sub stream for one channel. Close releases
// the underlying channel handle; Messages is closed afterward.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Subscriber opens pub/sub subscriptions. Satisfied by *TripStore.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// TripKey returns the cache key for one trip.
func TripKey(tripID string) string {
	return "trip:" + tripID
}

// IndexKey returns the location index set key.
func IndexKey(locationID string) string {
	return "loc:" + locationID + ":trips"
}

// LocationChannel returns the pub/sub channel for a location.
func LocationChannel(locationID string) string {
	return "loc:" + locationID
}

// TripStore is the Redis-backed trip cache and pub/sub client.
type TripStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*TripStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &TripStore{
		rdb:    rdb,
		ttl:    cfg.TripTTL,
		logger: logger,
	}, nil
}

// Close releases the Redis client.
func (s *TripStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies the connection is healthy.
func (s *TripStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// ApplyBatch writes every event's cache effects in a single pipeline:
// inserts and updates set the trip key and add it to the location index;
// deletes evict the trip key and remove it from the index. The index TTL
// is refreshed either way.
func (s *TripStore) ApplyBatch(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	for _, ev := range events {
		tripKey := TripKey(ev.TripID)
		idxKey := IndexKey(ev.LocationID)

		if ev.EventType == model.EventDelete {
			pipe.Del(ctx, tripKey)
			pipe.SRem(ctx, idxKey, ev.TripID)
			pipe.Expire(ctx, idxKey, s.ttl)
			continue
		}

		payload, err := json.Marshal(ev.Trip)
		if err != nil {
			return fmt.Errorf("marshal trip %s: %w", ev.TripID, err)
		}
		pipe.Set(ctx, tripKey, payload, s.ttl)
		pipe.SAdd(ctx, idxKey, ev.TripID)
		pipe.Expire(ctx, idxKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply batch pipeline: %w", err)
	}
	return nil
}

// Publish sends payload on the location's pub/sub channel.
func (s *TripStore) Publish(ctx context.Context, locationID string, payload []byte) error {
	if err := s.rdb.Publish(ctx, LocationChannel(locationID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", LocationChannel(locationID), err)
	}
	return nil
}

// Snapshot reads every cached trip for a location: the index set members,
// then a bulk MGET of their trip keys. Index members whose trip key already
// expired are skipped.
func (s *TripStore) Snapshot(ctx context.Context, locationID string) ([]map[string]any, error) {
	ids, err := s.rdb.SMembers(ctx, IndexKey(locationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read location index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = TripKey(id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("bulk read trips: %w", err)
	}

	trips := make([]map[string]any, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SMEMBERS and MGET
		}
		var trip map[string]any
		if err := json.Unmarshal([]byte(raw), &trip); err != nil {
			s.logger.Warn("undecodable cached trip", "key", keys[i], "error", err)
			continue
		}
		trips = append(trips, trip)
	}
	return trips, nil
}

// GetTrip reads one cached trip. Returns nil with no error on a miss.
func (s *TripStore) GetTrip(ctx context.Context, tripID string) (map[string]any, error) {
	raw, err := s.rdb.Get(ctx, TripKey(tripID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trip: %w", err)
	}

	var trip map[string]any
	if err := json.Unmarshal([]byte(raw), &trip); err != nil {
		return nil, fmt.Errorf("decode trip: %w", err)
	}
	return trip, nil
}

// Subscribe opens a pub/sub subscription on channel. The returned
// subscription pumps raw payloads until Close or context cancellation.
func (s *TripStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)

	// Confirm the subscription so the caller never misses a publish that
	// follows Subscribe returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		msgs: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	msgs chan []byte
	done chan struct{}
	once sync.Once
}

func (r *redisSubscription) Messages() <-chan []byte {
	return r.msgs
}

// Close unsubscribes and releases the channel handle. Backlogged payloads
// that nobody read are dropped so the pump goroutine always exits, even
// with no remaining receiver on Messages.
func (r *redisSubscription) Close() error {
	r.stop()
	return r.ps.Close()
}

func (r *redisSubscription) stop() {
	r.once.Do(func() { close(r.done) })
}

func (r *redisSubscription) pump() {
	r.forward(r.ps.Channel())
}

// forward moves payloads into msgs until the source closes or Close is
// called. Every send races done: a closed subscription with a full buffer
// must not strand this goroutine.
func (r *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(r.msgs)
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case r.msgs <- []byte(msg.Payload):
			case <-r.done:
				return
			}
		}
	}
}

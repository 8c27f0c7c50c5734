package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDBPort         = 5432
	DefaultDBSSLMode      = "prefer"
	DefaultMaxConns       = 10
	DefaultMinConns       = 2
	DefaultSourceChannel  = "trips_changes"
	DefaultMaxBatch       = 100
	DefaultFlushInterval  = 200 * time.Millisecond
	DefaultEventBuffer    = 200_000
	DefaultBatchBuffer    = 2_000
	DefaultBatchSource    = "trips-subscriber"
	DefaultSenderWorkers  = 3
	DefaultMaxRetries     = 8
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultHTTPAddr       = ":8080"
	DefaultShutdownWait   = 10 * time.Second
	DefaultMaxSkew        = 300 * time.Second
	DefaultRedisAddr      = "localhost:6379"
	DefaultTripTTL        = 300 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

func (c *StreamerConfig) applyDefaults() {
	applyDBDefaults(&c.Database)

	if c.Source.Channel == "" {
		c.Source.Channel = DefaultSourceChannel
	}

	if c.Composer.MaxBatch == 0 {
		c.Composer.MaxBatch = DefaultMaxBatch
	}
	if c.Composer.FlushInterval == 0 {
		c.Composer.FlushInterval = DefaultFlushInterval
	}
	if c.Composer.EventBuffer == 0 {
		c.Composer.EventBuffer = DefaultEventBuffer
	}
	if c.Composer.BatchBuffer == 0 {
		c.Composer.BatchBuffer = DefaultBatchBuffer
	}
	if c.Composer.Source == "" {
		c.Composer.Source = DefaultBatchSource
	}

	if c.Sender.Workers == 0 {
		c.Sender.Workers = DefaultSenderWorkers
	}
	if c.Sender.MaxRetries == 0 {
		c.Sender.MaxRetries = DefaultMaxRetries
	}
	if c.Sender.ConnectTimeout == 0 {
		c.Sender.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Sender.RequestTimeout == 0 {
		c.Sender.RequestTimeout = DefaultRequestTimeout
	}
}

func (c *ServerConfig) applyDefaults() {
	applyDBDefaults(&c.Database)

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownWait
	}

	if c.Webhook.MaxSkew == 0 {
		c.Webhook.MaxSkew = DefaultMaxSkew
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.TripTTL == 0 {
		c.Redis.TripTTL = DefaultTripTTL
	}

	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

package config

import "time"

// StreamerConfig is the root configuration for the producer process.
type StreamerConfig struct {
	Database DBConfig       `yaml:"database"`
	Source   SourceConfig   `yaml:"source"`
	Composer ComposerConfig `yaml:"composer"`
	Sender   SenderConfig   `yaml:"sender"`
}

// ServerConfig is the root configuration for the receiver process.
type ServerConfig struct {
	HTTP     HTTPConfig    `yaml:"http"`
	Webhook  WebhookConfig `yaml:"webhook"`
	Redis    RedisConfig   `yaml:"redis"`
	Database DBConfig      `yaml:"database"`
	Auth     AuthConfig    `yaml:"auth"`
	Hub      HubConfig     `yaml:"hub"`
}

// DBConfig holds a single PostgreSQL connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SourceConfig holds the change-notification listener settings.
type SourceConfig struct {
	Channel string `yaml:"channel"` // LISTEN channel name
}

// ComposerConfig holds event batching settings.
type ComposerConfig struct {
	MaxBatch      int           `yaml:"max_batch"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	EventBuffer   int           `yaml:"event_buffer"`
	BatchBuffer   int           `yaml:"batch_buffer"`
	Source        string        `yaml:"source"` // batch source tag
}

// SenderConfig holds outbound webhook delivery settings.
type SenderConfig struct {
	URL            string        `yaml:"url"`
	Secret         string        `yaml:"secret"`
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HTTPConfig holds the server listen settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebhookConfig holds inbound webhook verification settings.
type WebhookConfig struct {
	Secret  string        `yaml:"secret"`
	MaxSkew time.Duration `yaml:"max_skew"` // anti-replay window
}

// RedisConfig holds the cache and pub/sub connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TripTTL  time.Duration `yaml:"trip_ttl"`
}

// AuthConfig holds access-token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// HubConfig holds connection-manager settings.
type HubConfig struct {
	// CombinedBatches delivers one trip_batch frame per published batch
	// instead of one trip_event frame per contained event.
	CombinedBatches bool          `yaml:"combined_batches"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

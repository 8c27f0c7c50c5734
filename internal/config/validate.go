package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required streamer fields are set and valid.
func (c *StreamerConfig) Validate() error {
	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Composer.MaxBatch < 1 {
		return errors.New("composer.max_batch must be >= 1")
	}
	if c.Composer.EventBuffer < 1 {
		return errors.New("composer.event_buffer must be >= 1")
	}
	if c.Composer.BatchBuffer < 1 {
		return errors.New("composer.batch_buffer must be >= 1")
	}

	if c.Sender.URL == "" {
		return errors.New("sender.url is required")
	}
	if c.Sender.Secret == "" {
		return errors.New("sender.secret is required")
	}
	if c.Sender.Workers < 1 {
		return errors.New("sender.workers must be >= 1")
	}
	if c.Sender.MaxRetries < 0 {
		return errors.New("sender.max_retries must be >= 0")
	}

	return nil
}

// Validate checks that all required server fields are set and valid.
func (c *ServerConfig) Validate() error {
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if err := c.Database.validate("database"); err != nil {
		return err
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// Package config loads and validates YAML configuration for the tripstream
// binaries. StreamerConfig drives the producer (change source → composer →
// sender); ServerConfig drives the receiver (webhook + WebSocket fan-out).
//
// Config files support ${VAR} environment expansion.
package config

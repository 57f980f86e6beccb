package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrClosed = errors.New("connection closed")
)

// Config configures a WebSocket connection.
type Config struct {
	ReadBufferSize   int           // Upgrader read buffer. 0 = gorilla default
	WriteBufferSize  int           // Upgrader write buffer. 0 = gorilla default
	MaxMessageSize   int64         // Inbound frame limit in bytes
	PingInterval     time.Duration // How often the server pings
	PongTimeout      time.Duration // Read deadline, extended on every pong or frame
	WriteTimeout     time.Duration // Write deadline for data and control frames
	HandshakeTimeout time.Duration // Dial/upgrade handshake limit
	AllowedOrigins   []string      // Empty = same origin only, "*" = any
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   64 * 1024,
		PingInterval:     20 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

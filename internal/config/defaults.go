package config

import (
	"os"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultServerAddr            = ":8080"
	DefaultWSPath                = "/ws"
	DefaultReadBufferSize        = 4096
	DefaultWriteBufferSize       = 4096
	DefaultMaxMessageSize        = 64 * 1024
	DefaultOutboxSize            = 256
	DefaultPingInterval          = 20 * time.Second
	DefaultPongTimeout           = 60 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultShutdownTimeout       = 15 * time.Second
	DefaultMaxConnectionsPerUser = 5
	DefaultConnectionTimeout     = time.Hour
	DefaultSweepInterval         = 30 * time.Second
	DefaultRateCapacity          = 60
	DefaultRateRefill            = 1.0
	DefaultUserClaim             = "user_id"
	DefaultSubprotocol           = "arena-v1"
	DefaultBusDriver             = BusMemory
	DefaultTopicPrefix           = "arena.group."
	DefaultRedisAddr             = "localhost:6379"
	DefaultNATSURL               = "nats://localhost:4222"
	DefaultNATSMaxReconnects     = 60
	DefaultNATSReconnectWait     = 2 * time.Second
	DefaultNATSTimeout           = 5 * time.Second
	DefaultPGNotifyChannel       = "arena_events"
	DefaultDBPort                = 5432
	DefaultDBSSLMode             = "prefer"
	DefaultMaxConns              = 10
	DefaultMinConns              = 2
	DefaultBackendTimeout        = 10 * time.Second
	DefaultAutoJoin              = "user:{user_id}"
	DefaultAuditStore            = "log"
	DefaultAuditTable            = "gateway_audit"
	DefaultMetricsPath           = "/metrics"
	DefaultMetricsNamespace      = "arena"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
)

func (c *GatewayConfig) applyDefaults() {
	// Instance defaults
	if c.Instance.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Instance.ID = host
		} else {
			c.Instance.ID = "gateway"
		}
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Server.WriteBufferSize == 0 {
		c.Server.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.OutboxSize == 0 {
		c.Server.OutboxSize = DefaultOutboxSize
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = DefaultPongTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Limits defaults
	if c.Limits.MaxConnectionsPerUser == 0 {
		c.Limits.MaxConnectionsPerUser = DefaultMaxConnectionsPerUser
	}
	if c.Limits.ConnectionTimeout == 0 {
		c.Limits.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.Limits.SweepInterval == 0 {
		c.Limits.SweepInterval = DefaultSweepInterval
	}
	if c.Limits.RateCapacity == 0 {
		c.Limits.RateCapacity = DefaultRateCapacity
	}
	if c.Limits.RateRefill == 0 {
		c.Limits.RateRefill = DefaultRateRefill
	}

	// Auth defaults
	if c.Auth.UserClaim == "" {
		c.Auth.UserClaim = DefaultUserClaim
	}
	if len(c.Auth.Subprotocols) == 0 {
		c.Auth.Subprotocols = []string{DefaultSubprotocol}
	}

	// Bus defaults
	if c.Bus.Driver == "" {
		c.Bus.Driver = DefaultBusDriver
	}
	if c.Bus.TopicPrefix == "" {
		c.Bus.TopicPrefix = DefaultTopicPrefix
	}
	if c.Bus.Redis.URL == "" && c.Bus.Redis.Addr == "" {
		c.Bus.Redis.Addr = DefaultRedisAddr
	}
	if c.Bus.NATS.URL == "" {
		c.Bus.NATS.URL = DefaultNATSURL
	}
	if c.Bus.NATS.Name == "" {
		c.Bus.NATS.Name = c.Instance.ID
	}
	if c.Bus.NATS.MaxReconnects == 0 {
		c.Bus.NATS.MaxReconnects = DefaultNATSMaxReconnects
	}
	if c.Bus.NATS.ReconnectWait == 0 {
		c.Bus.NATS.ReconnectWait = DefaultNATSReconnectWait
	}
	if c.Bus.NATS.Timeout == 0 {
		c.Bus.NATS.Timeout = DefaultNATSTimeout
	}
	if c.Bus.Postgres.Channel == "" {
		c.Bus.Postgres.Channel = DefaultPGNotifyChannel
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Backend defaults
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}

	// Groups defaults
	if c.Groups.AutoJoin == nil {
		c.Groups.AutoJoin = []string{DefaultAutoJoin}
	}

	// Audit defaults
	if c.Audit.Store == "" {
		c.Audit.Store = DefaultAuditStore
	}
	if c.Audit.Table == "" {
		c.Audit.Table = DefaultAuditTable
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
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

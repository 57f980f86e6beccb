package config

import "time"

// GatewayConfig is the root configuration for a gateway instance.
type GatewayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Limits   LimitsConfig   `yaml:"limits"`
	Auth     AuthConfig     `yaml:"auth"`
	Bus      BusConfig      `yaml:"bus"`
	Database DatabaseConfig `yaml:"database"`
	Backend  BackendConfig  `yaml:"backend"`
	Groups   GroupsConfig   `yaml:"groups"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this gateway process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds HTTP and WebSocket transport settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // Empty allows any origin
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	OutboxSize      int           `yaml:"outbox_size"` // Max queued outbound frames per connection
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Debug           bool          `yaml:"debug"` // Expose /debug/connections
}

// LimitsConfig holds per-user and per-connection limits.
type LimitsConfig struct {
	MaxConnectionsPerUser int           `yaml:"max_connections_per_user"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	RateCapacity          int           `yaml:"rate_capacity"`
	RateRefill            float64       `yaml:"rate_refill"` // Tokens per second
}

// AuthConfig holds handshake validation settings.
type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`      // HS256 shared secret
	PublicKeyPath string   `yaml:"public_key_path"` // RS256 public key PEM file
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	UserClaim     string   `yaml:"user_claim"` // Claim holding the user ID
	Subprotocols  []string `yaml:"subprotocols"`
}

// BusConfig selects and configures the pub/sub bus.
type BusConfig struct {
	Driver      string         `yaml:"driver"` // memory, redis, nats, postgres
	TopicPrefix string         `yaml:"topic_prefix"`
	Redis       RedisConfig    `yaml:"redis"`
	NATS        NATSConfig     `yaml:"nats"`
	Postgres    PGNotifyConfig `yaml:"postgres"`
}

// Bus drivers.
const (
	BusMemory   = "memory"
	BusRedis    = "redis"
	BusNATS     = "nats"
	BusPostgres = "postgres"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string `yaml:"url"` // Takes precedence over Addr/Password/DB
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Token         string        `yaml:"token"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PGNotifyConfig holds LISTEN/NOTIFY bus settings. Connection details come
// from DatabaseConfig.
type PGNotifyConfig struct {
	Channel string `yaml:"channel"`
}

// DatabaseConfig holds the PostgreSQL connection used by the postgres bus and
// the audit store.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
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

// BackendConfig holds the domain REST API that actions are forwarded to.
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"` // Service token sent as Bearer
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// GroupsConfig holds group settings.
type GroupsConfig struct {
	AutoJoin []string `yaml:"auto_join"` // Templates, e.g. "user:{user_id}"
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Store   string `yaml:"store"` // log, postgres
	Table   string `yaml:"table"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text, console
}

// NeedsDatabase reports whether any configured component uses PostgreSQL.
func (c *GatewayConfig) NeedsDatabase() bool {
	return c.Bus.Driver == BusPostgres || (c.Audit.Enabled && c.Audit.Store == "postgres")
}

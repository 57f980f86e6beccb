package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: gw-test-1
server:
  addr: ":9000"
  allowed_origins: ["https://arena.example.com"]
limits:
  max_connections_per_user: 3
  connection_timeout: 30m
  rate_capacity: 10
  rate_refill: 0.5
auth:
  jwt_secret: s3cret
bus:
  driver: redis
  redis:
    addr: redis:6379
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "gw-test-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "gw-test-1")
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://arena.example.com" {
		t.Errorf("Server.AllowedOrigins = %v, want [https://arena.example.com]", cfg.Server.AllowedOrigins)
	}
	if cfg.Limits.MaxConnectionsPerUser != 3 {
		t.Errorf("Limits.MaxConnectionsPerUser = %d, want 3", cfg.Limits.MaxConnectionsPerUser)
	}
	if cfg.Limits.ConnectionTimeout != 30*time.Minute {
		t.Errorf("Limits.ConnectionTimeout = %v, want 30m", cfg.Limits.ConnectionTimeout)
	}
	if cfg.Limits.RateRefill != 0.5 {
		t.Errorf("Limits.RateRefill = %v, want 0.5", cfg.Limits.RateRefill)
	}
	if cfg.Bus.Driver != BusRedis {
		t.Errorf("Bus.Driver = %q, want %q", cfg.Bus.Driver, BusRedis)
	}
	if cfg.Bus.Redis.Addr != "redis:6379" {
		t.Errorf("Bus.Redis.Addr = %q, want %q", cfg.Bus.Redis.Addr, "redis:6379")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "secret123")
	t.Setenv("TEST_DB_PASSWORD", "dbpass")

	yaml := `
auth:
  jwt_secret: ${TEST_JWT_SECRET}
database:
  postgres:
    host: localhost
    name: arena
    user: arena
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTSecret != "secret123" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret123")
	}
	if cfg.Database.Postgres.Password != "dbpass" {
		t.Errorf("Database.Postgres.Password = %q, want %q", cfg.Database.Postgres.Password, "dbpass")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Parse() error = %v, want parse config yaml error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: gw-test-1
auth:
  jwt_secret: s3cret
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Server.Addr != DefaultServerAddr {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, DefaultServerAddr)
	}
	if cfg.Limits.MaxConnectionsPerUser != DefaultMaxConnectionsPerUser {
		t.Errorf("Limits.MaxConnectionsPerUser = %d, want default %d", cfg.Limits.MaxConnectionsPerUser, DefaultMaxConnectionsPerUser)
	}
	if cfg.Limits.ConnectionTimeout != DefaultConnectionTimeout {
		t.Errorf("Limits.ConnectionTimeout = %v, want default %v", cfg.Limits.ConnectionTimeout, DefaultConnectionTimeout)
	}
	if cfg.Limits.RateCapacity != DefaultRateCapacity {
		t.Errorf("Limits.RateCapacity = %d, want default %d", cfg.Limits.RateCapacity, DefaultRateCapacity)
	}
	if cfg.Limits.RateRefill != DefaultRateRefill {
		t.Errorf("Limits.RateRefill = %v, want default %v", cfg.Limits.RateRefill, DefaultRateRefill)
	}
	if len(cfg.Auth.Subprotocols) != 1 || cfg.Auth.Subprotocols[0] != DefaultSubprotocol {
		t.Errorf("Auth.Subprotocols = %v, want [%s]", cfg.Auth.Subprotocols, DefaultSubprotocol)
	}
	if cfg.Bus.Driver != BusMemory {
		t.Errorf("Bus.Driver = %q, want default %q", cfg.Bus.Driver, BusMemory)
	}
	if cfg.Bus.NATS.Name != "gw-test-1" {
		t.Errorf("Bus.NATS.Name = %q, want instance id", cfg.Bus.NATS.Name)
	}
	if cfg.Database.Postgres.Port != DefaultDBPort {
		t.Errorf("Database.Postgres.Port = %d, want default %d", cfg.Database.Postgres.Port, DefaultDBPort)
	}
	if len(cfg.Groups.AutoJoin) != 1 || cfg.Groups.AutoJoin[0] != DefaultAutoJoin {
		t.Errorf("Groups.AutoJoin = %v, want [%s]", cfg.Groups.AutoJoin, DefaultAutoJoin)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, DefaultLogFormat)
	}
}

func TestLoadWithDefaults_EmptyAutoJoinDisables(t *testing.T) {
	yaml := `
groups:
  auto_join: []
`
	cfg, err := LoadWithDefaults(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if len(cfg.Groups.AutoJoin) != 0 {
		t.Errorf("Groups.AutoJoin = %v, want empty", cfg.Groups.AutoJoin)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: gw\n")

	_, err := LoadAndValidate(path)
	if err == nil || !strings.Contains(err.Error(), "auth.jwt_secret or auth.public_key_path is required") {
		t.Errorf("LoadAndValidate() error = %v, want auth error", err)
	}
}

func validConfig() GatewayConfig {
	cfg := Default()
	cfg.Instance.ID = "test"
	cfg.Auth.JWTSecret = "secret"
	return *cfg
}

func TestValidate(t *testing.T) {
	db := DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 10, MinConns: 2}

	tests := []struct {
		name    string
		mutate  func(c *GatewayConfig)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *GatewayConfig) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *GatewayConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "ws path without slash",
			mutate:  func(c *GatewayConfig) { c.Server.WSPath = "ws" },
			wantErr: `server.ws_path must start with /, got "ws"`,
		},
		{
			name: "pong timeout not above ping interval",
			mutate: func(c *GatewayConfig) {
				c.Server.PingInterval = 30 * time.Second
				c.Server.PongTimeout = 30 * time.Second
			},
			wantErr: "server.pong_timeout (30s) must exceed server.ping_interval (30s)",
		},
		{
			name:    "zero connection cap",
			mutate:  func(c *GatewayConfig) { c.Limits.MaxConnectionsPerUser = -1 },
			wantErr: "limits.max_connections_per_user must be >= 1",
		},
		{
			name:    "negative refill",
			mutate:  func(c *GatewayConfig) { c.Limits.RateRefill = -1 },
			wantErr: "limits.rate_refill must be > 0",
		},
		{
			name:    "no credentials",
			mutate:  func(c *GatewayConfig) { c.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret or auth.public_key_path is required",
		},
		{
			name:    "both credentials",
			mutate:  func(c *GatewayConfig) { c.Auth.PublicKeyPath = "/etc/key.pem" },
			wantErr: "auth.jwt_secret and auth.public_key_path are mutually exclusive",
		},
		{
			name:    "unknown bus driver",
			mutate:  func(c *GatewayConfig) { c.Bus.Driver = "kafka" },
			wantErr: `bus.driver must be one of memory, redis, nats, postgres, got "kafka"`,
		},
		{
			name: "postgres bus without database",
			mutate: func(c *GatewayConfig) {
				c.Bus.Driver = BusPostgres
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "postgres bus with bad channel",
			mutate: func(c *GatewayConfig) {
				c.Bus.Driver = BusPostgres
				c.Bus.Postgres.Channel = "bad-channel"
				c.Database.Postgres = db
			},
			wantErr: `bus.postgres.channel "bad-channel" is not a valid identifier`,
		},
		{
			name: "postgres audit min_conns exceeds max_conns",
			mutate: func(c *GatewayConfig) {
				c.Audit.Enabled = true
				c.Audit.Store = "postgres"
				c.Database.Postgres = db
				c.Database.Postgres.MinConns = 20
			},
			wantErr: "database.postgres.min_conns (20) cannot exceed max_conns (10)",
		},
		{
			name: "postgres bus valid",
			mutate: func(c *GatewayConfig) {
				c.Bus.Driver = BusPostgres
				c.Database.Postgres = db
			},
			wantErr: "",
		},
		{
			name:    "auto join without placeholder",
			mutate:  func(c *GatewayConfig) { c.Groups.AutoJoin = []string{"lobby"} },
			wantErr: `groups.auto_join template "lobby" must contain {user_id}`,
		},
		{
			name:    "bad log format",
			mutate:  func(c *GatewayConfig) { c.Log.Format = "xml" },
			wantErr: `log.format must be json, text or console, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var pgIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Validate checks that all required fields are set and values are valid.
func (c *GatewayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WSPath)
	}
	if c.Server.OutboxSize < 1 {
		return errors.New("server.outbox_size must be >= 1")
	}
	if c.Server.MaxMessageSize < 1 {
		return errors.New("server.max_message_size must be >= 1")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout (%s) must exceed server.ping_interval (%s)",
			c.Server.PongTimeout, c.Server.PingInterval)
	}

	if c.Limits.MaxConnectionsPerUser < 1 {
		return errors.New("limits.max_connections_per_user must be >= 1")
	}
	if c.Limits.ConnectionTimeout <= 0 {
		return errors.New("limits.connection_timeout must be > 0")
	}
	if c.Limits.SweepInterval <= 0 {
		return errors.New("limits.sweep_interval must be > 0")
	}
	if c.Limits.RateCapacity < 1 {
		return errors.New("limits.rate_capacity must be >= 1")
	}
	if c.Limits.RateRefill <= 0 {
		return errors.New("limits.rate_refill must be > 0")
	}

	if c.Auth.JWTSecret == "" && c.Auth.PublicKeyPath == "" {
		return errors.New("auth.jwt_secret or auth.public_key_path is required")
	}
	if c.Auth.JWTSecret != "" && c.Auth.PublicKeyPath != "" {
		return errors.New("auth.jwt_secret and auth.public_key_path are mutually exclusive")
	}
	if len(c.Auth.Subprotocols) == 0 {
		return errors.New("auth.subprotocols must not be empty")
	}

	switch c.Bus.Driver {
	case BusMemory, BusRedis, BusNATS:
	case BusPostgres:
		if !pgIdentifier.MatchString(c.Bus.Postgres.Channel) {
			return fmt.Errorf("bus.postgres.channel %q is not a valid identifier", c.Bus.Postgres.Channel)
		}
	default:
		return fmt.Errorf("bus.driver must be one of memory, redis, nats, postgres, got %q", c.Bus.Driver)
	}

	switch c.Audit.Store {
	case "log":
	case "postgres":
		if !pgIdentifier.MatchString(c.Audit.Table) {
			return fmt.Errorf("audit.table %q is not a valid identifier", c.Audit.Table)
		}
	default:
		return fmt.Errorf("audit.store must be log or postgres, got %q", c.Audit.Store)
	}

	if c.NeedsDatabase() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Backend.MaxRetries < 0 {
		return errors.New("backend.max_retries must be >= 0")
	}

	for _, tmpl := range c.Groups.AutoJoin {
		if !strings.Contains(tmpl, "{user_id}") {
			return fmt.Errorf("groups.auto_join template %q must contain {user_id}", tmpl)
		}
	}

	switch c.Log.Format {
	case "json", "text", "console":
	default:
		return fmt.Errorf("log.format must be json, text or console, got %q", c.Log.Format)
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

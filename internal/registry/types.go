package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

// Config configures the Registry.
type Config struct {
	MaxConnectionsPerUser int           // Per-user cap. Default: 5
	ConnectionTimeout     time.Duration // Idle time before eviction. Default: 1h
	SweepInterval         time.Duration // How often Sweep runs. Default: 30s
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 5,
		ConnectionTimeout:     time.Hour,
		SweepInterval:         30 * time.Second,
	}
}

// Endpoint is the transport side of a connection, used to deliver frames and
// to force a close.
type Endpoint interface {
	Send(frame model.OutboundFrame) error
	Close(code int, reason string)
}

// Metadata describes a connection at admission time.
type Metadata struct {
	ClientAddress string
	UserAgent     string
	CorrelationID string   // Generated when empty
	Endpoint      Endpoint // May be nil in tests
}

// Reason explains why a connection was removed.
type Reason string

const (
	ReasonClosed   Reason = "closed"
	ReasonTimeout  Reason = "timeout"
	ReasonError    Reason = "error"
	ReasonShutdown Reason = "shutdown"
)

// Removal reports a removed connection.
type Removal struct {
	Connection *Connection
	Reason     Reason
	Duration   time.Duration // Session length
	Groups     []string      // Groups the connection was detached from
}

// GroupDetacher strips a removed connection from group memberships.
type GroupDetacher interface {
	DetachAll(connectionID string, groups []string)
}

// Connection is a live client session owned by the Registry.
type Connection struct {
	ID            string
	UserID        string
	CorrelationID string
	ClientAddress string
	UserAgent     string
	ConnectedAt   time.Time

	endpoint Endpoint

	mu           sync.Mutex
	lastActivity time.Time
	groups       map[string]struct{}
	removed      bool
}

// LastActivity returns the time of the last frame or heartbeat.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Groups returns the subscribed groups, sorted.
func (c *Connection) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupsLocked()
}

func (c *Connection) groupsLocked() []string {
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// InGroup reports whether the connection is subscribed to group.
func (c *Connection) InGroup(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[group]
	return ok
}

// Removed reports whether the connection has been removed from the Registry.
func (c *Connection) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Endpoint returns the transport endpoint, or nil.
func (c *Connection) Endpoint() Endpoint {
	return c.endpoint
}

// Send delivers a frame through the endpoint.
func (c *Connection) Send(frame model.OutboundFrame) error {
	if c.endpoint == nil {
		return model.ErrUnknownConnection
	}
	return c.endpoint.Send(frame)
}

// Info is a point-in-time view of a connection.
type Info struct {
	ConnectionID  string    `json:"connection_id"`
	UserID        string    `json:"user_id"`
	CorrelationID string    `json:"correlation_id"`
	ClientAddress string    `json:"client"`
	UserAgent     string    `json:"user_agent,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity_at"`
	Groups        []string  `json:"groups"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ConnectionID:  c.ID,
		UserID:        c.UserID,
		CorrelationID: c.CorrelationID,
		ClientAddress: c.ClientAddress,
		UserAgent:     c.UserAgent,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		Groups:        c.groupsLocked(),
	}
}

// Stats summarizes the Registry.
type Stats struct {
	Connections int
	Users       int
	Admitted    int64
	Rejected    int64
	Removed     int64
	Evicted     int64
}

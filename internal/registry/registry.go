package registry

import (
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

// shardCount must be a power of 2.
const shardCount = 32

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

type userShard struct {
	mu    sync.Mutex
	users map[string]map[string]struct{} // user ID → connection IDs
}

// Registry is the authoritative table of live connections.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	seed   maphash.Seed

	conns [shardCount]*connShard
	users [shardCount]*userShard

	detacher atomic.Pointer[GroupDetacher]
	onEvict  func(Removal)

	size     atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
	removed  atomic.Int64
	evicted  atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithEvictHook sets a callback invoked for every connection removed by the sweeper.
func WithEvictHook(fn func(Removal)) Option {
	return func(r *Registry) {
		r.onEvict = fn
	}
}

// New creates an empty Registry.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxConnectionsPerUser < 1 {
		cfg.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		seed:   maphash.MakeSeed(),
	}
	for i := 0; i < shardCount; i++ {
		r.conns[i] = &connShard{conns: make(map[string]*Connection)}
		r.users[i] = &userShard{users: make(map[string]map[string]struct{})}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDetacher installs the component that owns group membership.
func (r *Registry) SetDetacher(d GroupDetacher) {
	r.detacher.Store(&d)
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) connShard(id string) *connShard {
	return r.conns[maphash.String(r.seed, id)&(shardCount-1)]
}

func (r *Registry) userShard(userID string) *userShard {
	return r.users[maphash.String(r.seed, userID)&(shardCount-1)]
}

// Admit registers a new connection for userID. It returns model.ErrQuotaExceeded
// when the user already holds MaxConnectionsPerUser connections; the check and
// the increment happen under the user's shard lock.
func (r *Registry) Admit(userID string, meta Metadata) (*Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("admit: %w", model.ErrUnauthenticated)
	}

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	ids := us.users[userID]
	if len(ids) >= r.cfg.MaxConnectionsPerUser {
		r.rejected.Add(1)
		return nil, fmt.Errorf("admit user %s (%d/%d): %w",
			userID, len(ids), r.cfg.MaxConnectionsPerUser, model.ErrQuotaExceeded)
	}

	now := r.now()
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	conn := &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		CorrelationID: correlationID,
		ClientAddress: meta.ClientAddress,
		UserAgent:     meta.UserAgent,
		ConnectedAt:   now,
		endpoint:      meta.Endpoint,
		lastActivity:  now,
		groups:        make(map[string]struct{}),
	}

	cs := r.connShard(conn.ID)
	cs.mu.Lock()
	cs.conns[conn.ID] = conn
	cs.mu.Unlock()

	if ids == nil {
		ids = make(map[string]struct{})
		us.users[userID] = ids
	}
	ids[conn.ID] = struct{}{}

	r.size.Add(1)
	r.admitted.Add(1)

	r.logger.Debug("connection admitted",
		"conn_id", conn.ID,
		"user_id", userID,
		"correlation_id", correlationID,
		"user_connections", len(ids),
	)

	return conn, nil
}

// Lookup returns a live connection.
func (r *Registry) Lookup(connectionID string) (*Connection, bool) {
	cs := r.connShard(connectionID)
	cs.mu.RLock()
	conn, ok := cs.conns[connectionID]
	cs.mu.RUnlock()
	return conn, ok
}

// Touch records activity on a connection. Returns false for unknown IDs.
func (r *Registry) Touch(connectionID string) bool {
	conn, ok := r.Lookup(connectionID)
	if !ok {
		return false
	}

	now := r.now()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.removed {
		return false
	}
	if now.After(conn.lastActivity) {
		conn.lastActivity = now
	}
	return true
}

// JoinGroup records group on the connection's subscription set.
// Returns model.ErrUnknownConnection if the connection is not live.
func (r *Registry) JoinGroup(connectionID, group string) error {
	conn, ok := r.Lookup(connectionID)
	if !ok {
		return fmt.Errorf("join %s: %w", group, model.ErrUnknownConnection)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.removed {
		return fmt.Errorf("join %s: %w", group, model.ErrUnknownConnection)
	}
	conn.groups[group] = struct{}{}
	return nil
}

// LeaveGroup removes group from the connection's subscription set.
// Returns false if the connection was not subscribed.
func (r *Registry) LeaveGroup(connectionID, group string) bool {
	conn, ok := r.Lookup(connectionID)
	if !ok {
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, ok := conn.groups[group]; !ok {
		return false
	}
	delete(conn.groups, group)
	return true
}

// Remove unregisters a connection, detaches it from every group and
// decrements its user's count. Unknown IDs return false.
func (r *Registry) Remove(connectionID string, reason Reason) (Removal, bool) {
	return r.removeIf(connectionID, reason, nil)
}

// removeIf removes the connection if pred (evaluated under the connection
// lock) allows it.
func (r *Registry) removeIf(connectionID string, reason Reason, pred func(*Connection) bool) (Removal, bool) {
	conn, ok := r.Lookup(connectionID)
	if !ok {
		return Removal{}, false
	}

	us := r.userShard(conn.UserID)
	cs := r.connShard(connectionID)

	us.mu.Lock()
	cs.mu.Lock()

	if cs.conns[connectionID] != conn {
		cs.mu.Unlock()
		us.mu.Unlock()
		return Removal{}, false
	}

	conn.mu.Lock()
	if pred != nil && !pred(conn) {
		conn.mu.Unlock()
		cs.mu.Unlock()
		us.mu.Unlock()
		return Removal{}, false
	}
	conn.removed = true
	groups := conn.groupsLocked()
	conn.groups = make(map[string]struct{})
	conn.mu.Unlock()

	delete(cs.conns, connectionID)
	cs.mu.Unlock()

	if ids, ok := us.users[conn.UserID]; ok {
		delete(ids, connectionID)
		if len(ids) == 0 {
			delete(us.users, conn.UserID)
		}
	}
	us.mu.Unlock()

	r.size.Add(-1)
	r.removed.Add(1)

	if len(groups) > 0 {
		if d := r.detacher.Load(); d != nil {
			(*d).DetachAll(connectionID, groups)
		}
	}

	removal := Removal{
		Connection: conn,
		Reason:     reason,
		Duration:   r.now().Sub(conn.ConnectedAt),
		Groups:     groups,
	}

	r.logger.Debug("connection removed",
		"conn_id", connectionID,
		"user_id", conn.UserID,
		"correlation_id", conn.CorrelationID,
		"reason", reason,
		"duration", removal.Duration,
		"groups", len(groups),
	)

	return removal, true
}

// Sweep removes every connection idle for longer than the connection timeout
// as of now.
func (r *Registry) Sweep(now time.Time) []Removal {
	cutoff := now.Add(-r.cfg.ConnectionTimeout)

	var idle []string
	for _, cs := range r.conns {
		cs.mu.RLock()
		for id, conn := range cs.conns {
			if conn.LastActivity().Before(cutoff) {
				idle = append(idle, id)
			}
		}
		cs.mu.RUnlock()
	}

	var removals []Removal
	for _, id := range idle {
		removal, ok := r.removeIf(id, ReasonTimeout, func(c *Connection) bool {
			// Activity may have arrived since the scan
			return c.lastActivity.Before(cutoff)
		})
		if ok {
			r.evicted.Add(1)
			removals = append(removals, removal)
		}
	}
	return removals
}

// RunSweeper calls Sweep every SweepInterval until ctx is cancelled, closing
// the endpoints of evicted connections.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("registry sweeper started",
		"interval", r.cfg.SweepInterval,
		"timeout", r.cfg.ConnectionTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removals := r.Sweep(r.now())
			for _, rm := range removals {
				r.logger.Info("connection evicted",
					"conn_id", rm.Connection.ID,
					"user_id", rm.Connection.UserID,
					"correlation_id", rm.Connection.CorrelationID,
					"idle_since", rm.Connection.LastActivity(),
					"duration", rm.Duration,
				)
				if ep := rm.Connection.Endpoint(); ep != nil {
					ep.Close(model.CloseIdleTimeout, "idle timeout")
				}
				if r.onEvict != nil {
					r.onEvict(rm)
				}
			}
			if len(removals) > 0 {
				r.logger.Info("sweep complete", "evicted", len(removals), "remaining", r.Len())
			}
		}
	}
}

// Count returns the number of live connections for userID.
func (r *Registry) Count(userID string) int {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.users[userID])
}

// UserConnections returns the live connections of userID.
func (r *Registry) UserConnections(userID string) []*Connection {
	us := r.userShard(userID)
	us.mu.Lock()
	ids := make([]string, 0, len(us.users[userID]))
	for id := range us.users[userID] {
		ids = append(ids, id)
	}
	us.mu.Unlock()

	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.Lookup(id); ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot returns all live connections.
func (r *Registry) Snapshot() []*Connection {
	conns := make([]*Connection, 0, r.Len())
	for _, cs := range r.conns {
		cs.mu.RLock()
		for _, conn := range cs.conns {
			conns = append(conns, conn)
		}
		cs.mu.RUnlock()
	}
	return conns
}

// UserCounts returns the number of live connections per user.
func (r *Registry) UserCounts() map[string]int {
	counts := make(map[string]int)
	for _, us := range r.users {
		us.mu.Lock()
		for userID, ids := range us.users {
			counts[userID] = len(ids)
		}
		us.mu.Unlock()
	}
	return counts
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	users := 0
	for _, us := range r.users {
		us.mu.Lock()
		users += len(us.users)
		us.mu.Unlock()
	}
	return Stats{
		Connections: r.Len(),
		Users:       users,
		Admitted:    r.admitted.Load(),
		Rejected:    r.rejected.Load(),
		Removed:     r.removed.Load(),
		Evicted:     r.evicted.Load(),
	}
}

package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/audit"
	"github.com/zak10/arena-dnpbmf/internal/metrics"
	"github.com/zak10/arena-dnpbmf/internal/model"
	"github.com/zak10/arena-dnpbmf/internal/queue"
	"github.com/zak10/arena-dnpbmf/internal/ratelimit"
	"github.com/zak10/arena-dnpbmf/internal/registry"
)

// Router creates sessions and tracks them for shutdown.
type Router struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
	draining bool

	// Stats
	opened      atomic.Int64
	closed      atomic.Int64
	received    atomic.Int64
	handled     atomic.Int64
	protoErrors atomic.Int64
	limited     atomic.Int64
	actionErrs  atomic.Int64
	panics      atomic.Int64
}

// New creates a Router.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Registry == nil || deps.Groups == nil {
		return nil, fmt.Errorf("router requires a registry and a group broadcaster")
	}
	if err := cfg.Rate.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	d := DefaultConfig()
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = d.OutboxSize
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = d.ActionTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = d.CloseGrace
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}

	return &Router{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "router"),
		sessions: make(map[string]*Session),
	}, nil
}

// Open admits peer through the Registry and starts the session writer.
// On error nothing is registered and the caller still owns t.
func (r *Router) Open(ctx context.Context, t Transport, peer Peer) (*Session, error) {
	r.mu.Lock()
	draining := r.draining
	r.mu.Unlock()
	if draining {
		return nil, fmt.Errorf("open session: %w", ErrSessionClosed)
	}

	s := &Session{
		router:     r,
		t:          t,
		logger:     r.deps.Logger,
		peer:       peer,
		bucket:     ratelimit.NewBucket(r.cfg.Rate),
		outbox:     queue.New[[]byte](16, r.cfg.OutboxSize),
		readDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	conn, err := r.deps.Registry.Admit(peer.UserID, registry.Metadata{
		ClientAddress: peer.ClientAddress,
		UserAgent:     peer.UserAgent,
		CorrelationID: peer.CorrelationID,
		Endpoint:      s,
	})
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, err
	}

	s.conn = conn
	s.logger = r.deps.Logger.With(
		"conn_id", conn.ID,
		"user_id", conn.UserID,
		"correlation_id", conn.CorrelationID,
	)

	r.mu.Lock()
	if r.draining {
		// Shutdown began while we were admitting
		r.mu.Unlock()
		r.deps.Registry.Remove(conn.ID, registry.ReasonShutdown)
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("open session: %w", ErrSessionClosed)
	}
	r.sessions[conn.ID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	go s.writeLoop()

	var joinErrs []error
	for _, group := range r.autoJoinGroups(peer.UserID) {
		if err := r.deps.Groups.Subscribe(ctx, conn.ID, group); err != nil {
			s.logger.Warn("auto-join failed", "group", group, "error", err)
			joinErrs = append(joinErrs, fmt.Errorf("auto-join %s: %w", group, err))
		}
	}

	s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	for _, err := range joinErrs {
		s.Send(model.ErrorFrame("", err))
	}
	r.opened.Add(1)
	r.deps.Metrics.ConnectionOpened()
	r.deps.Audit.Record(ctx, audit.Event{
		Type:          audit.EventAdmitted,
		Time:          conn.ConnectedAt,
		CorrelationID: conn.CorrelationID,
		ConnectionID:  conn.ID,
		UserID:        conn.UserID,
		ClientAddress: conn.ClientAddress,
		Detail:        map[string]any{"user_agent": conn.UserAgent, "subprotocol": peer.Subprotocol},
	})

	s.logger.Info("connection opened",
		"client", conn.ClientAddress,
		"user_agent", conn.UserAgent,
		"user_connections", r.deps.Registry.Count(conn.UserID),
	)

	return s, nil
}

func (r *Router) autoJoinGroups(userID string) []string {
	groups := make([]string, 0, len(r.cfg.AutoJoin))
	for _, tmpl := range r.cfg.AutoJoin {
		group := strings.ReplaceAll(tmpl, "{user_id}", userID)
		if err := model.ValidateGroup(group); err != nil {
			r.logger.Warn("skipping auto-join group", "group", group, "error", err)
			continue
		}
		groups = append(groups, group)
	}
	return groups
}

func (r *Router) forget(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.conn.ID)
	r.mu.Unlock()
	r.closed.Add(1)
	r.wg.Done()
}

// Session returns a live session by connection ID.
func (r *Router) Session(connectionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	return s, ok
}

// Shutdown stops admitting sessions, closes every open session with
// 1001 going away and waits for them to finish or for ctx to expire.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.logger.Info("closing sessions", "count", len(sessions))
	for _, s := range sessions {
		s.Close(model.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("all sessions closed")
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		remaining := len(r.sessions)
		r.mu.Unlock()
		r.logger.Warn("session drain timed out", "remaining", remaining)
		return fmt.Errorf("drain sessions: %w", ctx.Err())
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	active := int64(len(r.sessions))
	r.mu.Unlock()

	return Stats{
		Active:           active,
		Opened:           r.opened.Load(),
		Closed:           r.closed.Load(),
		MessagesReceived: r.received.Load(),
		MessagesHandled:  r.handled.Load(),
		ProtocolErrors:   r.protoErrors.Load(),
		RateLimited:      r.limited.Load(),
		ActionErrors:     r.actionErrs.Load(),
		Panics:           r.panics.Load(),
	}
}

// closeWait bounds how long a session waits for the writer during teardown.
func (r *Router) closeWait() time.Duration {
	return r.cfg.CloseGrace + r.cfg.ActionTimeout
}

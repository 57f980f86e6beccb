package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

// TokenSubprotocolPrefix marks a subprotocol entry that carries a token, for
// browser clients that cannot set headers.
const TokenSubprotocolPrefix = "jwt."

// Handshake is what the gate sees of an upgrade request.
type Handshake struct {
	Token           string
	Subprotocols    []string // Offered, excluding token entries
	ProtocolVersion string   // Sec-WebSocket-Version
	RemoteAddr      string
	UserAgent       string
	CorrelationID   string
}

// HandshakeFromRequest extracts a Handshake from an upgrade request. The token
// is taken from the Authorization header, then the token query parameter,
// then a "jwt.<token>" subprotocol entry.
func HandshakeFromRequest(r *http.Request) Handshake {
	h := Handshake{
		ProtocolVersion: r.Header.Get("Sec-WebSocket-Version"),
		RemoteAddr:      clientAddress(r),
		UserAgent:       r.UserAgent(),
		CorrelationID:   r.Header.Get("X-Correlation-ID"),
	}

	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		h.Token = strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	}
	if h.Token == "" {
		h.Token = r.URL.Query().Get("token")
	}

	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			p = strings.TrimSpace(p)
			switch {
			case p == "":
			case strings.HasPrefix(p, TokenSubprotocolPrefix):
				if h.Token == "" {
					h.Token = strings.TrimPrefix(p, TokenSubprotocolPrefix)
				}
			default:
				h.Subprotocols = append(h.Subprotocols, p)
			}
		}
	}
	return h
}

func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// Identity is an authenticated principal.
type Identity struct {
	UserID    string
	ExpiresAt time.Time // Zero if the credential does not expire
}

// IdentityProvider resolves a handshake to a user. Failures wrap model.ErrUnauthenticated.
type IdentityProvider interface {
	Authenticate(ctx context.Context, h Handshake) (Identity, error)
}

// ProviderFunc adapts a function to IdentityProvider.
type ProviderFunc func(ctx context.Context, h Handshake) (Identity, error)

func (f ProviderFunc) Authenticate(ctx context.Context, h Handshake) (Identity, error) {
	return f(ctx, h)
}

// Counter reports live connections per user.
type Counter interface {
	Count(userID string) int
}

// GateConfig configures a Gate.
type GateConfig struct {
	Subprotocols          []string // Supported, in preference order
	MaxConnectionsPerUser int
}

// Result is an accepted handshake.
type Result struct {
	Identity
	Subprotocol string // Negotiated subprotocol; empty if the client offered none
}

// Gate validates handshakes.
type Gate struct {
	cfg      GateConfig
	provider IdentityProvider
	counter  Counter
	logger   *slog.Logger
}

// NewGate creates a Gate. counter may be nil to skip the quota pre-check.
func NewGate(cfg GateConfig, provider IdentityProvider, counter Counter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:      cfg,
		provider: provider,
		counter:  counter,
		logger:   logger.With("component", "auth_gate"),
	}
}

// Check validates h. Errors wrap model.ErrProtocolMismatch,
// model.ErrUnauthenticated or model.ErrQuotaExceeded.
func (g *Gate) Check(ctx context.Context, h Handshake) (Result, error) {
	log := g.logger.With("client", h.RemoteAddr, "correlation_id", h.CorrelationID)

	if h.ProtocolVersion != "" && h.ProtocolVersion != "13" {
		log.Warn("unsupported websocket version", "version", h.ProtocolVersion)
		return Result{}, fmt.Errorf("websocket version %s: %w", h.ProtocolVersion, model.ErrProtocolMismatch)
	}

	subprotocol, ok := g.negotiate(h.Subprotocols)
	if !ok {
		log.Warn("unsupported subprotocol", "offered", h.Subprotocols)
		return Result{}, fmt.Errorf("subprotocols %v: %w", h.Subprotocols, model.ErrProtocolMismatch)
	}

	id, err := g.provider.Authenticate(ctx, h)
	if err != nil {
		log.Warn("unauthenticated connection attempt", "error", err)
		if !errors.Is(err, model.ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
		}
		return Result{}, err
	}
	if id.UserID == "" {
		log.Warn("identity provider returned empty user")
		return Result{}, fmt.Errorf("empty user id: %w", model.ErrUnauthenticated)
	}

	if g.counter != nil && g.cfg.MaxConnectionsPerUser > 0 {
		if n := g.counter.Count(id.UserID); n >= g.cfg.MaxConnectionsPerUser {
			log.Warn("connection limit exceeded", "user_id", id.UserID, "connections", n)
			return Result{}, fmt.Errorf("user %s has %d connections: %w", id.UserID, n, model.ErrQuotaExceeded)
		}
	}

	return Result{Identity: id, Subprotocol: subprotocol}, nil
}

// negotiate picks the first supported subprotocol the client offered. A client
// offering none is accepted without one.
func (g *Gate) negotiate(offered []string) (string, bool) {
	if len(offered) == 0 {
		return "", true
	}
	for _, supported := range g.cfg.Subprotocols {
		for _, o := range offered {
			if o == supported {
				return supported, true
			}
		}
	}
	return "", false
}

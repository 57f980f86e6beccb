package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/audit"
	"github.com/zak10/arena-dnpbmf/internal/metrics"
	"github.com/zak10/arena-dnpbmf/internal/model"
	"github.com/zak10/arena-dnpbmf/internal/ratelimit"
	"github.com/zak10/arena-dnpbmf/internal/registry"
)

// Errors
var (
	ErrSessionClosed = errors.New("session closed")
	ErrOutboxFull    = errors.New("outbox full")
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the wire side of a session. Close must be safe to call more
// than once and must unblock a pending ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

// DomainService executes client actions. A nil event means nothing to deliver.
type DomainService interface {
	Handle(ctx context.Context, action string, payload json.RawMessage, userID string) (*model.OutboundEvent, error)
}

// Groups manages group membership and publishing.
type Groups interface {
	Subscribe(ctx context.Context, connectionID, group string) error
	Unsubscribe(ctx context.Context, connectionID, group string) error
	Publish(ctx context.Context, group string, event model.OutboundEvent) error
}

// Config configures sessions.
type Config struct {
	Rate          ratelimit.Config // Per-connection token bucket
	OutboxSize    int              // Max queued outbound frames. Default: 256
	ActionTimeout time.Duration    // Deadline for one domain call. Default: 10s
	CloseGrace    time.Duration    // Wait for the peer's close reply. Default: 2s
	AutoJoin      []string         // Group templates joined on open; {user_id} is substituted
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Rate:          ratelimit.DefaultConfig(),
		OutboxSize:    256,
		ActionTimeout: 10 * time.Second,
		CloseGrace:    2 * time.Second,
		AutoJoin:      []string{"user:{user_id}"},
	}
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Registry *registry.Registry
	Groups   Groups
	Domain   DomainService // nil rejects every action
	Metrics  metrics.Sink  // nil = metrics.Nop
	Audit    audit.Logger  // nil = audit.Nop
	Logger   *slog.Logger
}

// Peer describes an authenticated client about to be admitted.
type Peer struct {
	UserID        string
	ClientAddress string
	UserAgent     string
	CorrelationID string
	Subprotocol   string
}

// Stats contains runtime statistics.
type Stats struct {
	Active           int64
	Opened           int64
	Closed           int64
	MessagesReceived int64
	MessagesHandled  int64
	ProtocolErrors   int64
	RateLimited      int64
	ActionErrors     int64
	Panics           int64
}

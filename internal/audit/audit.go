package audit

import (
	"context"
	"log/slog"
	"time"
)

// EventType names an audit event.
type EventType string

const (
	EventAdmitted     EventType = "connection.admitted"
	EventRejected     EventType = "connection.rejected"
	EventClosed       EventType = "connection.closed"
	EventRateLimited  EventType = "message.rate_limited"
	EventActionFailed EventType = "action.failed"
)

// Event is a single audit record.
type Event struct {
	Type          EventType
	Time          time.Time
	CorrelationID string
	ConnectionID  string // Empty for rejected handshakes
	UserID        string // Empty when identity was not established
	ClientAddress string
	Detail        map[string]any
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Multi fans an event out to several loggers.
type Multi []Logger

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, l := range m {
		l.Record(ctx, ev)
	}
}

// SlogLogger writes events through slog.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a SlogLogger.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger.With("component", "audit")}
}

func (l *SlogLogger) Record(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.Time("at", ev.Time),
		slog.String("correlation_id", ev.CorrelationID),
	}
	if ev.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", ev.ConnectionID))
	}
	if ev.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.UserID))
	}
	if ev.ClientAddress != "" {
		attrs = append(attrs, slog.String("client", ev.ClientAddress))
	}
	if len(ev.Detail) > 0 {
		detail := make([]any, 0, len(ev.Detail))
		for k, v := range ev.Detail {
			detail = append(detail, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("detail", detail...))
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

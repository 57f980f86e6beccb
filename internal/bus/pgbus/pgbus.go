// Package pgbus implements bus.Bus on PostgreSQL LISTEN/NOTIFY.
//
// Every gateway listens on a single channel; the topic travels inside the
// notification payload and is filtered locally. Postgres delivers
// notifications in commit order to one listener connection, which dispatches
// them sequentially. NOTIFY payloads are limited to 8000 bytes.
package pgbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zak10/arena-dnpbmf/internal/bus"
)

// MaxPayload is the largest encoded notification Postgres accepts.
const MaxPayload = 7999

// ErrPayloadTooLarge is returned when an encoded message exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("payload too large for NOTIFY")

// Config configures the bus.
type Config struct {
	Channel           string
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Channel:           "arena_events",
		ReconnectBaseWait: 500 * time.Millisecond,
		ReconnectMaxWait:  30 * time.Second,
	}
}

// notification is the NOTIFY payload.
type notification struct {
	Topic   string `json:"t"`
	Payload []byte `json:"p"`
}

// Bus is a bus.Bus over a pgx pool.
type Bus struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]bus.Handler
	listening bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ bus.Bus = (*Bus)(nil)

// New starts listening on cfg.Channel and returns once the first LISTEN
// succeeded. The pool is not closed by Close.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}

	b := &Bus{
		pool:     pool,
		cfg:      cfg,
		logger:   logger.With("component", "pgbus", "channel", cfg.Channel),
		handlers: make(map[string]bus.Handler),
		done:     make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	conn, err := b.listen(ctx)
	if err != nil {
		b.cancel()
		return nil, err
	}

	go b.run(conn)
	return b, nil
}

// listen acquires a dedicated connection and issues LISTEN on it.
func (b *Bus) listen(ctx context.Context) (*pgx.Conn, error) {
	pc, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w: %v", bus.ErrUnavailable, err)
	}
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.cfg.Channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w: %v", b.cfg.Channel, bus.ErrUnavailable, err)
	}

	b.mu.Lock()
	b.listening = true
	b.mu.Unlock()
	return conn, nil
}

// run receives notifications until Close, re-establishing the listener with
// exponential backoff when the connection drops.
func (b *Bus) run(conn *pgx.Conn) {
	defer close(b.done)

	for {
		err := b.receive(conn)
		_ = conn.Close(context.Background())

		b.mu.Lock()
		b.listening = false
		b.mu.Unlock()

		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn("listener lost, reconnecting", "error", err)

		conn = b.reconnect()
		if conn == nil {
			return
		}
	}
}

func (b *Bus) receive(conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(b.ctx)
		if err != nil {
			return err
		}
		if n.Channel != b.cfg.Channel {
			continue
		}

		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			b.logger.Warn("dropping undecodable notification", "pid", n.PID, "error", err)
			continue
		}

		b.mu.RLock()
		handler := b.handlers[msg.Topic]
		b.mu.RUnlock()

		if handler != nil {
			handler(bus.Message{Topic: msg.Topic, Payload: msg.Payload})
		}
	}
}

func (b *Bus) reconnect() *pgx.Conn {
	wait := b.cfg.ReconnectBaseWait
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := b.listen(b.ctx)
		if err == nil {
			b.logger.Info("listener reconnected")
			return conn
		}

		b.logger.Warn("listener reconnect failed", "error", err, "retry_in", wait)
		wait *= 2
		if wait > b.cfg.ReconnectMaxWait {
			wait = b.cfg.ReconnectMaxWait
		}
	}
}

// Encode builds the NOTIFY payload for a message.
func Encode(topic string, payload []byte) (string, error) {
	data, err := json.Marshal(notification{Topic: topic, Payload: payload})
	if err != nil {
		return "", err
	}
	if len(data) > MaxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	return string(data), nil
}

// Publish sends payload via pg_notify.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("publish %s: %w", topic, bus.ErrClosed)
	}

	data, err := Encode(topic, payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.cfg.Channel, data); err != nil {
		return fmt.Errorf("publish %s: %w: %v", topic, bus.ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers handler for topic. The channel is already being
// listened on, so the subscription is active immediately unless the listener
// is reconnecting.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("subscribe %s: %w", topic, bus.ErrClosed)
	}
	if !b.listening {
		return fmt.Errorf("subscribe %s: %w", topic, bus.ErrUnavailable)
	}
	b.handlers[topic] = handler
	return nil
}

// Unsubscribe stops delivery for topic.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
	return nil
}

// Ping checks the pool and the listener.
func (b *Bus) Ping(ctx context.Context) error {
	b.mu.RLock()
	listening := b.listening
	b.mu.RUnlock()
	if !listening {
		return fmt.Errorf("listener down: %w", bus.ErrUnavailable)
	}
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrUnavailable, err)
	}
	return nil
}

// Close stops the listener.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]bus.Handler)
	b.mu.Unlock()

	b.cancel()
	<-b.done
	return nil
}

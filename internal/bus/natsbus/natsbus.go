// Package natsbus implements bus.Bus on NATS core subjects.
//
// NATS echoes messages to subscriptions on the publishing connection, so a
// process receives its own publishes. Each subscription is delivered on its
// own goroutine in server order.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zak10/arena-dnpbmf/internal/bus"
)

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration // Connect and flush timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Bus is a bus.Bus over a NATS connection.
type Bus struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials NATS and returns a Bus owning the connection.
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "natsbus")

	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return New(nc, cfg.Timeout, logger), nil
}

// New wraps an established connection. Close closes nc.
func New(nc *nats.Conn, timeout time.Duration, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Bus{
		nc:      nc,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string]*nats.Subscription),
	}
}

// withDeadline returns ctx bounded by the flush timeout; nats flushes require one.
func (b *Bus) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *Bus) check() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	if !b.nc.IsConnected() {
		return bus.ErrUnavailable
	}
	return nil
}

// Publish sends payload on subject topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.check(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := b.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w: %v", topic, bus.ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers handler for topic and waits for the server to
// acknowledge the subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler) error {
	if err := b.check(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(bus.Message{Topic: msg.Subject, Payload: msg.Data})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w: %v", topic, bus.ErrUnavailable, err)
	}

	fctx, cancel := b.withDeadline(ctx)
	defer cancel()
	if err := b.nc.FlushWithContext(fctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("subscribe %s: flush: %w: %v", topic, bus.ErrUnavailable, err)
	}

	b.mu.Lock()
	old := b.subs[topic]
	b.subs[topic] = sub
	b.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// Unsubscribe removes the subscription for topic.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Ping round-trips to the server.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	fctx, cancel := b.withDeadline(ctx)
	defer cancel()
	if err := b.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrUnavailable, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

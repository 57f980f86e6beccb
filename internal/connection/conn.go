package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single WebSocket connection.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu         sync.RWMutex
	lastPongAt time.Time
	onActivity func()
}

func newConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		ws:         ws,
		cfg:        cfg,
		logger:     logger,
		done:       make(chan struct{}),
		lastPongAt: time.Now(),
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

	// Peer answered our ping
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()

		c.activity()
		return ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	// Peer pinged us; answer and count it as activity
	ws.SetPingHandler(func(data string) error {
		c.activity()
		ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	return c
}

func (c *Conn) activity() {
	c.mu.RLock()
	fn := c.onActivity
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// NewUpgrader builds the upgrader used by Accept.
// Subprotocols are negotiated by the caller and passed as a response header.
func NewUpgrader(cfg Config) *websocket.Upgrader {
	cfg = cfg.withDefaults()
	return &websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		CheckOrigin:      OriginChecker(cfg.AllowedOrigins),
	}
}

// OriginChecker returns a CheckOrigin func for the given allow list.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's same-origin check
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser client
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// Accept upgrades an HTTP request. subprotocol is echoed to the client when non-empty.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, subprotocol string, cfg Config, logger *slog.Logger) (*Conn, error) {
	var header http.Header
	if subprotocol != "" {
		// gorilla reads the negotiated value back with Header.Get
		header = http.Header{}
		header.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	ws, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return nil, err
	}

	return newConn(ws, cfg.withDefaults(), logger), nil
}

// DialOptions configures Dial.
type DialOptions struct {
	Header       http.Header
	Subprotocols []string
}

// Dial opens a client connection.
func Dial(ctx context.Context, rawURL string, opts DialOptions, cfg Config, logger *slog.Logger) (*Conn, *http.Response, error) {
	cfg = cfg.withDefaults()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		Subprotocols:     opts.Subprotocols,
	}

	ws, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		return nil, resp, err
	}

	return newConn(ws, cfg, logger), resp, nil
}

// Start begins the ping loop. onActivity, if set, runs on every pong and
// every inbound frame. Call before the first ReadMessage.
func (c *Conn) Start(onActivity func()) {
	c.mu.Lock()
	c.onActivity = onActivity
	c.mu.Unlock()

	go c.pingLoop()
}

// ReadMessage blocks for the next data frame. A clean close by the peer is
// reported as an error wrapping io.EOF.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		if IsNormalClose(err) {
			return nil, fmt.Errorf("peer closed: %w: %w", err, io.EOF)
		}
		return nil, err
	}

	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.activity()

	return data, nil
}

// WriteMessage writes a text frame.
func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// WriteClose sends a close frame. It does not close the socket.
func (c *Conn) WriteClose(code int, reason string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	// Control frame payloads are capped at 125 bytes
	if len(reason) > 123 {
		reason = reason[:123]
	}

	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.cfg.WriteTimeout),
	)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Subprotocol returns the negotiated subprotocol.
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// LastPong returns when the peer last answered a ping.
func (c *Conn) LastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPongAt
}

// pingLoop keeps the connection alive. A peer that stops answering trips the
// read deadline and ReadMessage fails.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				if errors.Is(err, websocket.ErrCloseSent) {
					return
				}
			}
		}
	}
}

// CloseStatus returns the close code carried by a read error, or -1.
func CloseStatus(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// IsNormalClose reports whether err is a clean close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, ErrClosed)
}

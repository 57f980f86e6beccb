package connection

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testServer accepts one WebSocket per request and hands it to handler.
func testServer(t *testing.T, cfg Config, subprotocol string, handler func(*Conn)) *httptest.Server {
	t.Helper()
	upgrader := NewUpgrader(cfg)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, upgrader, subprotocol, cfg, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, server *httptest.Server, opts DialOptions) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := Dial(ctx, wsURL(server), opts, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConn_Echo(t *testing.T) {
	server := testServer(t, DefaultConfig(), "", func(conn *Conn) {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(data); err != nil {
				return
			}
		}
	})

	client := dial(t, server, DialOptions{})

	want := `{"type":"ping","message_id":"1"}`
	if err := client.WriteMessage([]byte(want)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	got, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConn_Subprotocol(t *testing.T) {
	server := testServer(t, DefaultConfig(), "arena-v1", func(conn *Conn) {
		if got := conn.Subprotocol(); got != "arena-v1" {
			t.Errorf("server Subprotocol() = %q, want arena-v1", got)
		}
		conn.ReadMessage()
	})

	client := dial(t, server, DialOptions{Subprotocols: []string{"arena-v1"}})
	if got := client.Subprotocol(); got != "arena-v1" {
		t.Errorf("client Subprotocol() = %q, want arena-v1", got)
	}
}

func TestConn_CloseCodeReachesPeer(t *testing.T) {
	server := testServer(t, DefaultConfig(), "", func(conn *Conn) {
		if err := conn.WriteClose(4008, "idle timeout"); err != nil {
			t.Errorf("WriteClose failed: %v", err)
		}
		// Wait for the peer's close reply
		conn.ReadMessage()
	})

	client := dial(t, server, DialOptions{})

	_, err := client.ReadMessage()
	if err == nil {
		t.Fatal("expected close error")
	}
	if got := CloseStatus(err); got != 4008 {
		t.Errorf("CloseStatus = %d, want 4008", got)
	}
	if IsNormalClose(err) {
		t.Error("4008 should not be a normal close")
	}
}

func TestConn_PingUpdatesActivity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 20 * time.Millisecond

	var activity atomic.Int64
	pongSeen := make(chan struct{})

	server := testServer(t, cfg, "", func(conn *Conn) {
		start := conn.LastPong()
		conn.Start(func() { activity.Add(1) })

		go func() {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if conn.LastPong().After(start) {
					close(pongSeen)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()

		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := dial(t, server, DialOptions{})

	// The client must be reading to answer pings
	go func() {
		for {
			if _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pongSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pong")
	}

	if activity.Load() == 0 {
		t.Error("expected activity callback on pong")
	}
}

func TestConn_ReadLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 16

	errCh := make(chan error, 1)
	server := testServer(t, cfg, "", func(conn *Conn) {
		_, err := conn.ReadMessage()
		errCh <- err
	})

	client := dial(t, server, DialOptions{})
	client.WriteMessage([]byte(strings.Repeat("x", 64)))

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected read limit error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for read error")
	}
}

func TestConn_DoubleClose(t *testing.T) {
	server := testServer(t, DefaultConfig(), "", func(conn *Conn) {
		conn.ReadMessage()
	})

	client := dial(t, server, DialOptions{})

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	client.Close()

	if err := client.WriteMessage([]byte("x")); err != ErrClosed {
		t.Errorf("WriteMessage after Close = %v, want ErrClosed", err)
	}
	if _, err := client.ReadMessage(); err != ErrClosed {
		t.Errorf("ReadMessage after Close = %v, want ErrClosed", err)
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://app.example/"}, "https://app.example", true},
		{"case insensitive", []string{"https://App.Example"}, "https://app.example", true},
		{"not listed", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := OriginChecker(tt.allowed)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := check(r); got != tt.want {
				t.Errorf("check(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}

	if OriginChecker(nil) != nil {
		t.Error("empty allow list should defer to the same-origin check")
	}
}

func TestConn_PeerCloseIsEOF(t *testing.T) {
	errCh := make(chan error, 1)
	server := testServer(t, DefaultConfig(), "", func(conn *Conn) {
		_, err := conn.ReadMessage()
		errCh <- err
	})

	client := dial(t, server, DialOptions{})
	if err := client.WriteClose(1000, "bye"); err != nil {
		t.Fatalf("WriteClose failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Errorf("err = %v, want io.EOF", err)
		}
		if got := CloseStatus(err); got != 1000 {
			t.Errorf("CloseStatus = %d, want 1000", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}

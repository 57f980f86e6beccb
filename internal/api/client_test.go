package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://backend.example.com/api/", "test-key")

		if c.baseURL != "https://backend.example.com/api" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://backend.example.com/api")
		}
		if c.token != "test-key" {
			t.Errorf("token = %q, want %q", c.token, "test-key")
		}
		if c.httpClient.Timeout != 10*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 10*time.Second)
		}
		if c.maxRetries != 0 {
			t.Errorf("maxRetries = %d, want 0", c.maxRetries)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with multiple options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		hc := &http.Client{}
		c := NewClient("https://backend.example.com", "key",
			WithHTTPClient(hc),
			WithTimeout(15*time.Second),
			WithRetries(2, 50*time.Millisecond),
			WithLogger(logger),
		)
		if c.httpClient != hc {
			t.Error("custom HTTP client not set")
		}
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.maxRetries != 2 {
			t.Errorf("maxRetries = %d, want 2", c.maxRetries)
		}
		if c.retryBackoff != 50*time.Millisecond {
			t.Errorf("retryBackoff = %v, want %v", c.retryBackoff, 50*time.Millisecond)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 409, Message: "proposal already accepted"}
	expected := "backend api error 409: proposal already accepted"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}

	tests := []struct {
		code     int
		expected bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{404, false},
		{409, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if got := err.IsRetryable(); got != tt.expected {
			t.Errorf("IsRetryable() for status %d = %v, want %v", tt.code, got, tt.expected)
		}
	}
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("json body and headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-key" {
				t.Errorf("Authorization header = %q, want %q", r.Header.Get("Authorization"), "Bearer test-key")
			}
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
			}
			if r.Header.Get("X-Correlation-ID") != "corr-1" {
				t.Errorf("X-Correlation-ID = %q, want corr-1", r.Header.Get("X-Correlation-ID"))
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"user_id":"u1"}` {
				t.Errorf("body = %s, want {\"user_id\":\"u1\"}", body)
			}
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "test-key")
		ctx := model.WithCorrelationID(context.Background(), "corr-1")
		body, err := c.doRequest(ctx, http.MethodPost, "/test", map[string]string{"user_id": "u1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q, want %q", string(body), `{"status": "ok"}`)
		}
	})

	t.Run("request without token or body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Errorf("Authorization header should be empty, got %q", r.Header.Get("Authorization"))
			}
			if r.Header.Get("Content-Type") != "" {
				t.Errorf("Content-Type should be empty, got %q", r.Header.Get("Content-Type"))
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("error detail becomes message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"detail": "proposal already accepted"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		_, err := c.doRequest(context.Background(), http.MethodPost, "/test", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.StatusCode != 409 {
			t.Errorf("StatusCode = %d, want 409", apiErr.StatusCode)
		}
		if apiErr.Message != "proposal already accepted" {
			t.Errorf("Message = %q, want %q", apiErr.Message, "proposal already accepted")
		}
	})

	t.Run("non-json error uses status text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`internal error`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.Message != "Internal Server Error" {
			t.Errorf("Message = %q, want %q", apiErr.Message, "Internal Server Error")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.doRequest(ctx, http.MethodGet, "/test", nil)
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "context canceled") {
			t.Errorf("error should contain 'context canceled', got %v", err)
		}
	})
}

// TestDoWithRetry tests the retry logic.
func TestDoWithRetry(t *testing.T) {
	t.Run("no retries by default", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		_, err := c.doWithRetry(context.Background(), http.MethodPost, "/test", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if strings.Contains(err.Error(), "max retries exceeded") {
			t.Errorf("single attempt should not report retries, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"ok": true}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "key", WithRetries(3, 10*time.Millisecond))
		body, err := c.doWithRetry(context.Background(), http.MethodPost, "/test", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"ok": true}` {
			t.Errorf("body = %q, want %q", string(body), `{"ok": true}`)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("does not retry on 4xx (except 429)", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		c := NewClient(server.URL, "key", WithRetries(3, 10*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodPost, "/test", nil); err == nil {
			t.Fatal("expected error, got nil")
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		c := NewClient(server.URL, "key", WithRetries(2, 10*time.Millisecond))
		_, err := c.doWithRetry(context.Background(), http.MethodPost, "/test", nil)
		if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
			t.Errorf("error should contain 'max retries exceeded', got %v", err)
		}
		// 1 initial + 2 retries = 3 attempts
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})
}

func TestClient_ProposalActions(t *testing.T) {
	var gotPath string
	var gotBody proposalActionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)

		status := "accepted"
		if strings.HasSuffix(r.URL.Path, "/reject") {
			status = "rejected"
		}
		json.NewEncoder(w).Encode(Proposal{Status: status})
	}))
	defer server.Close()

	c := NewClient(server.URL, "key")

	p, err := c.AcceptProposal(context.Background(), "42", "u1")
	if err != nil {
		t.Fatalf("AcceptProposal failed: %v", err)
	}
	if gotPath != "/proposals/42/accept" {
		t.Errorf("path = %q, want /proposals/42/accept", gotPath)
	}
	if gotBody.UserID != "u1" {
		t.Errorf("user_id = %q, want u1", gotBody.UserID)
	}
	if p.ID != "42" || p.Status != "accepted" {
		t.Errorf("proposal = %+v, want id 42 status accepted", p)
	}

	p, err = c.RejectProposal(context.Background(), "42", "u1", "too expensive")
	if err != nil {
		t.Fatalf("RejectProposal failed: %v", err)
	}
	if gotPath != "/proposals/42/reject" {
		t.Errorf("path = %q, want /proposals/42/reject", gotPath)
	}
	if gotBody.Reason != "too expensive" {
		t.Errorf("reason = %q, want %q", gotBody.Reason, "too expensive")
	}
	if p.Status != "rejected" {
		t.Errorf("Status = %q, want rejected", p.Status)
	}
}

func TestClient_ProposalActionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "proposal not found"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "key")
	_, err := c.AcceptProposal(context.Background(), "missing", "u1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "accept proposal missing:") {
		t.Errorf("error = %q, want accept proposal prefix", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("expected wrapped 404 APIError, got %v", err)
	}
}

// wsprobe connects to a gateway, subscribes to groups and prints every frame it receives.
// Usage: go run ./cmd/wsprobe --url ws://localhost:8080/ws --secret $GATEWAY_JWT_SECRET --user u1 --group proposal:123
//
// Either --token or --secret must be given. With --secret a short-lived HS256
// token is signed for --user.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/zak10/arena-dnpbmf/internal/auth"
	"github.com/zak10/arena-dnpbmf/internal/connection"
	"github.com/zak10/arena-dnpbmf/internal/model"
)

type probeStats struct {
	sent     atomic.Int64
	received atomic.Int64
	acks     atomic.Int64
	errors   atomic.Int64
	events   atomic.Int64
}

func main() {
	flags := pflag.NewFlagSet("wsprobe", pflag.ExitOnError)
	url := flags.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	token := flags.String("token", "", "bearer token")
	secret := flags.String("secret", os.Getenv("GATEWAY_JWT_SECRET"), "HS256 secret used to sign a token for --user")
	user := flags.String("user", "probe", "user id for a signed token")
	subprotocol := flags.String("subprotocol", "arena-v1", "subprotocol to offer (empty for none)")
	groups := flags.StringSlice("group", nil, "group to subscribe to (repeatable)")
	action := flags.String("action", "", `action data to send once subscribed, e.g. '{"action":"request.update","request_id":"7"}'`)
	pingEvery := flags.Duration("ping", 15*time.Second, "application ping interval (0 disables)")
	verbose := flags.BoolP("verbose", "v", false, "print full frame JSON")
	flags.Parse(os.Args[1:])

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if *token == "" {
		if *secret == "" {
			logger.Error("either --token or --secret is required")
			os.Exit(1)
		}
		var err error
		*token, err = auth.IssueToken([]byte(*secret), *user, time.Hour, nil)
		if err != nil {
			logger.Error("failed to sign token", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	header.Set("X-Correlation-ID", uuid.NewString())

	var protos []string
	if *subprotocol != "" {
		protos = []string{*subprotocol}
	}

	conn, resp, err := connection.Dial(ctx, *url, connection.DialOptions{
		Header:       header,
		Subprotocols: protos,
	}, connection.DefaultConfig(), logger)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Error("failed to connect", "url", *url, "status", status, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("connected",
		"url", *url,
		"subprotocol", conn.Subprotocol(),
		"correlation_id", header.Get("X-Correlation-ID"),
	)

	var stats probeStats
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLoop(conn, &stats, *verbose, logger)
	}()

	send := func(msgType model.MessageType, data any) {
		frame := map[string]any{
			"type":       msgType,
			"message_id": uuid.NewString(),
		}
		if data != nil {
			frame["data"] = data
		}
		payload, _ := json.Marshal(frame)
		if err := conn.WriteMessage(payload); err != nil {
			logger.Warn("send failed", "type", msgType, "error", err)
			return
		}
		stats.sent.Add(1)
	}

	for _, g := range *groups {
		send(model.TypeSubscribe, model.SubscribeData{Group: g})
	}
	if *action != "" {
		send(model.TypeAction, json.RawMessage(*action))
	}

	var pingC <-chan time.Time
	if *pingEvery > 0 {
		ticker := time.NewTicker(*pingEvery)
		defer ticker.Stop()
		pingC = ticker.C
	}

	// Stats printer
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	logger.Info("probe started - press Ctrl+C to stop", "groups", *groups)

	for {
		select {
		case <-ctx.Done():
			logger.Info("closing connection")
			conn.WriteClose(model.CloseNormal, "probe done")
			select {
			case <-readDone:
			case <-time.After(2 * time.Second):
			}
			printStats(&stats, logger)
			return

		case <-readDone:
			printStats(&stats, logger)
			os.Exit(1)

		case <-pingC:
			send(model.TypePing, nil)

		case <-statsTicker.C:
			printStats(&stats, logger)
		}
	}
}

type inboundFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data"`
}

func readLoop(conn *connection.Conn, stats *probeStats, verbose bool, logger *slog.Logger) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("connection closed",
				"code", connection.CloseStatus(err),
				"normal", connection.IsNormalClose(err),
				"error", err,
			)
			return
		}
		stats.received.Add(1)

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Printf("[RAW] %s\n", data)
			continue
		}

		switch f.Type {
		case model.FrameAck:
			stats.acks.Add(1)
		case model.FrameError:
			stats.errors.Add(1)
		case model.FramePong:
		default:
			stats.events.Add(1)
		}

		if verbose {
			fmt.Printf("[%s] %s\n", f.Type, data)
		} else {
			fmt.Printf("[%s] id=%s data=%s\n", f.Type, f.MessageID, f.Data)
		}
	}
}

func printStats(stats *probeStats, logger *slog.Logger) {
	logger.Info("stats",
		"sent", stats.sent.Load(),
		"received", stats.received.Load(),
		"acks", stats.acks.Load(),
		"errors", stats.errors.Load(),
		"events", stats.events.Load(),
	)
}

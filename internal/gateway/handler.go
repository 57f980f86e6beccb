package gateway

import (
	"errors"
	"net/http"

	"github.com/zak10/arena-dnpbmf/internal/audit"
	"github.com/zak10/arena-dnpbmf/internal/auth"
	"github.com/zak10/arena-dnpbmf/internal/connection"
	"github.com/zak10/arena-dnpbmf/internal/model"
	"github.com/zak10/arena-dnpbmf/internal/router"
)

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Server.WSPath, g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	if g.prom != nil {
		mux.Handle(g.cfg.Metrics.Path, g.prom.Handler())
	}
	if g.cfg.Server.Debug {
		mux.HandleFunc("/debug/connections", g.handleDebugConnections)
	}
	return mux
}

// handleWS runs one client connection for the lifetime of the request.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hs := auth.HandshakeFromRequest(r)

	result, err := g.gate.Check(ctx, hs)
	if err != nil {
		g.reject(w, r, hs, "", err)
		return
	}

	conn, err := connection.Accept(w, r, g.upgrader, result.Subprotocol, g.connCfg, g.logger)
	if err != nil {
		// The upgrader has already answered with an HTTP error
		g.logger.Debug("upgrade failed", "client", hs.RemoteAddr, "error", err)
		g.sink.ConnectionRejected("upgrade")
		return
	}

	session, err := g.router.Open(ctx, conn, router.Peer{
		UserID:        result.UserID,
		ClientAddress: hs.RemoteAddr,
		UserAgent:     hs.UserAgent,
		CorrelationID: hs.CorrelationID,
		Subprotocol:   result.Subprotocol,
	})
	if err != nil {
		// Admission lost a race with another handshake for the same user,
		// or the gateway is draining
		g.recordRejection(r, hs, result.UserID, err)
		code := model.CloseCode(err)
		if errors.Is(err, router.ErrSessionClosed) {
			code = model.CloseGoingAway
		}
		_ = conn.WriteClose(code, closeText(err))
		conn.Close()
		return
	}

	conn.Start(func() { g.registry.Touch(session.ID()) })
	session.Run(ctx)
}

// reject upgrades the connection only to close it with the close code for err.
// Browsers cannot read an HTTP status from a failed upgrade.
func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, hs auth.Handshake, userID string, err error) {
	g.recordRejection(r, hs, userID, err)

	if errors.Is(err, model.ErrProtocolMismatch) && hs.ProtocolVersion != "" && hs.ProtocolVersion != "13" {
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return
	}

	conn, upErr := connection.Accept(w, r, g.upgrader, "", g.connCfg, g.logger)
	if upErr != nil {
		return
	}
	defer conn.Close()
	_ = conn.WriteClose(model.CloseCode(err), closeText(err))
}

func (g *Gateway) recordRejection(r *http.Request, hs auth.Handshake, userID string, err error) {
	cause := model.ErrorCode(err)
	g.sink.ConnectionRejected(cause)
	g.audit.Record(r.Context(), audit.Event{
		Type:          audit.EventRejected,
		CorrelationID: hs.CorrelationID,
		UserID:        userID,
		ClientAddress: hs.RemoteAddr,
		Detail: map[string]any{
			"cause":      cause,
			"user_agent": hs.UserAgent,
		},
	})
	g.logger.Info("connection rejected",
		"client", hs.RemoteAddr,
		"user_id", userID,
		"correlation_id", hs.CorrelationID,
		"cause", cause,
		"error", err,
	)
}

// closeText is the client-facing close reason. Internal detail stays in the logs.
func closeText(err error) string {
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, model.ErrQuotaExceeded):
		return "connection quota exceeded"
	case errors.Is(err, model.ErrProtocolMismatch):
		return "unsupported protocol"
	case errors.Is(err, router.ErrSessionClosed):
		return "server shutting down"
	default:
		return "internal error"
	}
}

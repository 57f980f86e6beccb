package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/audit"
	"github.com/zak10/arena-dnpbmf/internal/model"
	"github.com/zak10/arena-dnpbmf/internal/queue"
	"github.com/zak10/arena-dnpbmf/internal/ratelimit"
	"github.com/zak10/arena-dnpbmf/internal/registry"
)

// Ack statuses.
const (
	AckSubscribed   = "subscribed"
	AckUnsubscribed = "unsubscribed"
	AckOK           = "ok"
)

// Session is one client connection. It implements registry.Endpoint.
type Session struct {
	router *Router
	t      Transport
	peer   Peer
	conn   *registry.Connection
	logger *slog.Logger

	bucket  *ratelimit.Bucket
	limited bool // Inside a rate-limited burst; read loop only

	outbox     *queue.Queue[[]byte]
	readDone   chan struct{}
	writerDone chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
	closeMu   sync.Mutex
	closeCode int
	closeText string
	reason    registry.Reason
}

// ID returns the connection ID.
func (s *Session) ID() string { return s.conn.ID }

// UserID returns the authenticated user.
func (s *Session) UserID() string { return s.conn.UserID }

// CorrelationID returns the connection's correlation id.
func (s *Session) CorrelationID() string { return s.conn.CorrelationID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Send queues a frame for the writer. It never blocks. A client whose outbox
// overflows is disconnected.
func (s *Session) Send(frame model.OutboundFrame) error {
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}

	if err := s.outbox.Push(data); err != nil {
		if errors.Is(err, queue.ErrFull) {
			s.logger.Warn("outbox full, closing slow client", "queued", s.outbox.Len())
			s.beginClose(model.CloseInternalError, "outbox overflow", registry.ReasonError)
			return ErrOutboxFull
		}
		return ErrSessionClosed
	}
	return nil
}

// Close starts a server-initiated close with the given code. Queued frames are
// flushed before the close frame.
func (s *Session) Close(code int, reason string) {
	s.beginClose(code, reason, reasonForCode(code))
}

func reasonForCode(code int) registry.Reason {
	switch code {
	case model.CloseNormal:
		return registry.ReasonClosed
	case model.CloseIdleTimeout:
		return registry.ReasonTimeout
	case model.CloseGoingAway:
		return registry.ReasonShutdown
	default:
		return registry.ReasonError
	}
}

// beginClose moves the session to CLOSING. Only the first call has effect.
func (s *Session) beginClose(code int, text string, reason registry.Reason) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeCode = code
		s.closeText = text
		s.reason = reason
		s.closeMu.Unlock()

		s.state.Store(int32(StateClosing))
		s.outbox.Close()

		s.logger.Debug("closing connection", "code", code, "reason", reason)
	})
}

func (s *Session) closeInfo() (int, string, registry.Reason) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeText, s.reason
}

// Run processes inbound frames until the connection closes, then tears the
// session down. It blocks.
func (s *Session) Run(ctx context.Context) {
	defer s.finish(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.Close(model.CloseGoingAway, "server shutting down")
		case <-s.readDone:
		}
	}()

	for {
		data, err := s.t.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.beginClose(model.CloseNormal, "", registry.ReasonClosed)
			} else {
				s.logger.Debug("read failed", "error", err)
				s.beginClose(model.CloseInternalError, "read error", registry.ReasonError)
			}
			return
		}

		if !s.handle(ctx, data) {
			return
		}
	}
}

// finish completes the CLOSING -> CLOSED transition.
func (s *Session) finish(ctx context.Context) {
	close(s.readDone)
	s.beginClose(model.CloseNormal, "", registry.ReasonClosed)

	_, _, reason := s.closeInfo()
	removal, removed := s.router.deps.Registry.Remove(s.conn.ID, reason)

	select {
	case <-s.writerDone:
	case <-time.After(s.router.closeWait()):
		s.logger.Warn("writer did not finish before teardown")
	}
	s.t.Close()
	s.state.Store(int32(StateClosed))

	code, text, reason := s.closeInfo()
	duration := removal.Duration
	groups := removal.Groups
	if !removed {
		// Already removed by the sweeper
		duration = time.Since(s.conn.ConnectedAt)
	}

	s.router.deps.Metrics.ConnectionClosed(string(reason), duration)
	s.router.deps.Audit.Record(context.WithoutCancel(ctx), audit.Event{
		Type:          audit.EventClosed,
		CorrelationID: s.conn.CorrelationID,
		ConnectionID:  s.conn.ID,
		UserID:        s.conn.UserID,
		ClientAddress: s.conn.ClientAddress,
		Detail: map[string]any{
			"code":        code,
			"reason":      string(reason),
			"duration_ms": duration.Milliseconds(),
			"groups":      groups,
		},
	})

	s.logger.Info("connection closed",
		"code", code,
		"close_reason", text,
		"reason", reason,
		"duration", duration,
	)

	s.router.forget(s)
}

// writeLoop drains the outbox, then sends the close frame.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	failed := false
	for {
		data, ok := s.outbox.Pop()
		if !ok {
			break
		}
		if failed {
			continue
		}
		if err := s.t.WriteMessage(data); err != nil {
			s.logger.Debug("write failed", "error", err)
			failed = true
			s.beginClose(model.CloseInternalError, "write error", registry.ReasonError)
			s.t.Close()
		}
	}

	if failed {
		return
	}

	code, text, _ := s.closeInfo()
	if err := s.t.WriteClose(code, text); err != nil {
		s.logger.Debug("close frame not sent", "error", err)
		s.t.Close()
		return
	}

	// Give the peer a chance to answer before dropping the socket
	select {
	case <-s.readDone:
	case <-time.After(s.router.cfg.CloseGrace):
		s.t.Close()
	}
}

// handle processes one inbound frame. It returns false when the session must stop reading.
func (s *Session) handle(ctx context.Context, data []byte) (ok bool) {
	r := s.router

	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			s.logger.Error("panic handling message",
				"panic", p,
				"stack", string(debug.Stack()),
			)
			s.beginClose(model.CloseInternalError, "internal error", registry.ReasonError)
			ok = false
		}
	}()

	if s.State() != StateOpen {
		// Keep reading so the peer's close reply is consumed
		return true
	}

	r.received.Add(1)
	r.deps.Registry.Touch(s.conn.ID)

	if !s.bucket.Allow() {
		s.rateLimited(ctx, data)
		return true
	}
	s.limited = false

	msg, err := model.DecodeInbound(data)
	if err != nil {
		r.protoErrors.Add(1)
		r.deps.Metrics.MessageProcessed("invalid", "error")
		s.logger.Debug("invalid frame", "error", err)
		s.Send(model.ErrorFrame(msg.MessageID, err))
		return true
	}

	var reply model.OutboundFrame
	switch msg.Type {
	case model.TypeSubscribe:
		reply, err = s.subscribe(ctx, msg)
	case model.TypeUnsubscribe:
		reply, err = s.unsubscribe(ctx, msg)
	case model.TypeAction:
		reply, err = s.action(ctx, msg)
	case model.TypePing:
		reply = s.pong(msg)
	default:
		err = model.NewProtocolError(fmt.Sprintf("invalid message type: %s", msg.Type))
	}

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, model.ErrProtocol) {
			r.protoErrors.Add(1)
		}
		reply = model.ErrorFrame(msg.MessageID, err)
	}

	r.handled.Add(1)
	r.deps.Metrics.MessageProcessed(string(msg.Type), status)
	s.Send(reply)
	return true
}

// rateLimited reports a dropped frame. Only the first frame of a burst is audited.
func (s *Session) rateLimited(ctx context.Context, data []byte) {
	r := s.router
	r.limited.Add(1)
	r.deps.Metrics.MessageRateLimited()

	// Best effort, so the error can echo the message_id
	msg, _ := model.DecodeInbound(data)
	retry := s.bucket.RetryAfter().Round(time.Millisecond)

	if !s.limited {
		s.limited = true
		s.logger.Warn("rate limit exceeded", "retry_after", retry)
		r.deps.Audit.Record(ctx, audit.Event{
			Type:          audit.EventRateLimited,
			CorrelationID: s.conn.CorrelationID,
			ConnectionID:  s.conn.ID,
			UserID:        s.conn.UserID,
			ClientAddress: s.conn.ClientAddress,
			Detail:        map[string]any{"retry_after_ms": retry.Milliseconds()},
		})
	}

	s.Send(model.ErrorFrame(msg.MessageID, fmt.Errorf("%w: retry in %s", model.ErrRateLimited, retry)))
}

func (s *Session) subscribe(ctx context.Context, msg model.InboundMessage) (model.OutboundFrame, error) {
	group, err := model.DecodeSubscribeData(msg.Data)
	if err != nil {
		return model.OutboundFrame{}, err
	}
	if err := s.router.deps.Groups.Subscribe(ctx, s.conn.ID, group); err != nil {
		s.logger.Warn("subscribe failed", "group", group, "error", err)
		return model.OutboundFrame{}, err
	}
	s.logger.Debug("subscribed", "group", group)
	return ack(msg.MessageID, AckSubscribed, group), nil
}

func (s *Session) unsubscribe(ctx context.Context, msg model.InboundMessage) (model.OutboundFrame, error) {
	group, err := model.DecodeSubscribeData(msg.Data)
	if err != nil {
		return model.OutboundFrame{}, err
	}
	if err := s.router.deps.Groups.Unsubscribe(ctx, s.conn.ID, group); err != nil {
		s.logger.Warn("unsubscribe failed", "group", group, "error", err)
		return model.OutboundFrame{}, err
	}
	s.logger.Debug("unsubscribed", "group", group)
	return ack(msg.MessageID, AckUnsubscribed, group), nil
}

func (s *Session) action(ctx context.Context, msg model.InboundMessage) (model.OutboundFrame, error) {
	name, err := model.DecodeActionData(msg.Data)
	if err != nil {
		return model.OutboundFrame{}, err
	}

	r := s.router
	if r.deps.Domain == nil {
		return model.OutboundFrame{}, &model.DomainError{Code: "unknown_action", Message: "unknown action: " + name}
	}

	actx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	defer cancel()
	actx = model.WithCorrelationID(actx, s.conn.CorrelationID)

	start := time.Now()
	event, err := r.deps.Domain.Handle(actx, name, msg.Data, s.conn.UserID)
	if err != nil {
		if !errors.Is(err, model.ErrDomain) {
			err = &model.DomainError{Code: model.CodeDomainError, Message: "action failed", Err: err}
		}
		s.actionFailed(ctx, name, err)
		return model.OutboundFrame{}, err
	}

	if event != nil {
		if err := s.deliver(ctx, *event); err != nil {
			s.actionFailed(ctx, name, err)
			return model.OutboundFrame{}, err
		}
	}

	s.logger.Debug("action handled", "action", name, "duration", time.Since(start))
	return ack(msg.MessageID, AckOK, ""), nil
}

func (s *Session) actionFailed(ctx context.Context, name string, err error) {
	s.router.actionErrs.Add(1)
	s.logger.Warn("action failed", "action", name, "error", err)
	s.router.deps.Audit.Record(ctx, audit.Event{
		Type:          audit.EventActionFailed,
		CorrelationID: s.conn.CorrelationID,
		ConnectionID:  s.conn.ID,
		UserID:        s.conn.UserID,
		ClientAddress: s.conn.ClientAddress,
		Detail: map[string]any{
			"action": name,
			"code":   model.ErrorCode(err),
			"error":  err.Error(),
		},
	})
}

// deliver routes an event produced by an action.
func (s *Session) deliver(ctx context.Context, event model.OutboundEvent) error {
	if event.CorrelationID == "" {
		event.CorrelationID = s.conn.CorrelationID
	}

	switch event.Target.Kind {
	case model.TargetGroup:
		return s.router.deps.Groups.Publish(ctx, event.Target.ID, event)

	case model.TargetConnection:
		if event.Target.ID == "" || event.Target.ID == s.conn.ID {
			return s.Send(event.Frame())
		}
		conn, ok := s.router.deps.Registry.Lookup(event.Target.ID)
		if !ok {
			return fmt.Errorf("deliver %s to %s: %w", event.Type, event.Target.ID, model.ErrUnknownConnection)
		}
		return conn.Send(event.Frame())

	default:
		return fmt.Errorf("deliver %s: unknown target kind %q: %w", event.Type, event.Target.Kind, model.ErrInternal)
	}
}

func (s *Session) pong(msg model.InboundMessage) model.OutboundFrame {
	return model.OutboundFrame{
		Type:      model.FramePong,
		MessageID: msg.MessageID,
		Data:      model.PongData{Timestamp: time.Now().UnixMilli()},
	}
}

func ack(id model.MessageID, status, group string) model.OutboundFrame {
	return model.OutboundFrame{
		Type:      model.FrameAck,
		MessageID: id,
		Data:      model.AckData{Status: status, Group: group},
	}
}

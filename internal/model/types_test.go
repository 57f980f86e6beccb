package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantType  MessageType
		wantID    MessageID
		wantError string
	}{
		{
			name:     "subscribe",
			frame:    `{"type":"subscribe","data":{"group":"proposal:123"},"message_id":"m-1"}`,
			wantType: TypeSubscribe,
			wantID:   "m-1",
		},
		{
			name:     "ping without data",
			frame:    `{"type":"ping","message_id":7}`,
			wantType: TypePing,
			wantID:   "7",
		},
		{
			name:      "missing type",
			frame:     `{"foo":"bar"}`,
			wantError: "missing required field: type",
		},
		{
			name:      "unknown type",
			frame:     `{"type":"proposal_update","message_id":"x"}`,
			wantID:    "x",
			wantError: "invalid message type: proposal_update",
		},
		{
			name:      "not json",
			frame:     `hello`,
			wantError: "invalid JSON frame",
		},
		{
			name:      "type is not a string",
			frame:     `{"type":5,"message_id":"abc"}`,
			wantID:    "abc",
			wantError: "invalid JSON frame",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.frame))
			assert.Equal(t, tt.wantID, msg.MessageID)

			if tt.wantError != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProtocol)
				var protoErr *ProtocolError
				require.ErrorAs(t, err, &protoErr)
				assert.Equal(t, tt.wantError, protoErr.Reason)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.Type)
		})
	}
}

func TestDecodeSubscribeData(t *testing.T) {
	group, err := DecodeSubscribeData(json.RawMessage(`{"group":"proposal:123"}`))
	require.NoError(t, err)
	assert.Equal(t, "proposal:123", group)

	bad := []json.RawMessage{
		nil,
		json.RawMessage(`[]`),
		json.RawMessage(`{}`),
		json.RawMessage(`{"group":"has space"}`),
		json.RawMessage(fmt.Sprintf(`{"group":%q}`, strings.Repeat("a", MaxGroupLength+1))),
	}
	for _, raw := range bad {
		_, err := DecodeSubscribeData(raw)
		assert.ErrorIs(t, err, ErrProtocol, "data %s", raw)
	}
}

func TestDecodeActionData(t *testing.T) {
	action, err := DecodeActionData(json.RawMessage(`{"action":"proposal.accept","proposal_id":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, "proposal.accept", action)

	_, err = DecodeActionData(json.RawMessage(`{"proposal_id":"42"}`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NewProtocolError("bad"), CodeProtocolError},
		{fmt.Errorf("check: %w", ErrRateLimited), CodeRateLimited},
		{fmt.Errorf("publish: %w", ErrBusUnavailable), CodeBusUnavailable},
		{&DomainError{Code: "invalid_action", Message: "nope"}, "invalid_action"},
		{&DomainError{Message: "nope"}, CodeDomainError},
		{ErrQuotaExceeded, CodeQuotaExceeded},
		{errors.New("boom"), CodeInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), "error %v", tt.err)
	}
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, 4001, CloseCode(ErrUnauthenticated))
	assert.Equal(t, 4002, CloseCode(fmt.Errorf("admit: %w", ErrQuotaExceeded)))
	assert.Equal(t, 4003, CloseCode(ErrProtocolMismatch))
	assert.Equal(t, 4000, CloseCode(errors.New("panic")))
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame("m-9", NewProtocolError("missing required field: type"))

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message_id":"m-9","data":{"code":"protocol_error","message":"missing required field: type"}}`, string(data))
}

func TestDomainError_Is(t *testing.T) {
	cause := errors.New("backend 503")
	err := fmt.Errorf("handle: %w", &DomainError{Code: "backend_unavailable", Message: "try later", Err: cause})

	assert.ErrorIs(t, err, ErrDomain)
	assert.ErrorIs(t, err, cause)
}

func TestOutboundEvent_Frame(t *testing.T) {
	payload := json.RawMessage(`{"proposal_id":"123","status":"accepted"}`)
	ev := OutboundEvent{Type: "proposal.updated", Target: GroupTarget("proposal:123"), Payload: payload}

	data, err := json.Marshal(ev.Frame())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"proposal.updated","data":{"proposal_id":"123","status":"accepted"}}`, string(data))
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, CorrelationID(context.Background()))

	ctx := WithCorrelationID(context.Background(), "corr-7")
	assert.Equal(t, "corr-7", CorrelationID(ctx))
}

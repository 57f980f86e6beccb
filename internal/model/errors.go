package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Handshake failures never reach the registry; per-message failures keep the connection open.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrQuotaExceeded     = errors.New("connection quota exceeded")
	ErrProtocolMismatch  = errors.New("unsupported protocol")
	ErrProtocol          = errors.New("protocol error")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrDomain            = errors.New("domain error")
	ErrBusUnavailable    = errors.New("bus unavailable")
	ErrInternal          = errors.New("internal error")
	ErrUnknownConnection = errors.New("unknown connection")
)

// WebSocket close codes. The 4000-4002 values are a stable client contract.
const (
	CloseInternalError    = 4000
	CloseUnauthenticated  = 4001
	CloseQuotaExceeded    = 4002
	CloseProtocolMismatch = 4003
	CloseIdleTimeout      = 4008
	CloseGoingAway        = 1001
	CloseNormal           = 1000
)

// Error codes reported in error frames.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeProtocolMismatch  = "protocol_mismatch"
	CodeProtocolError     = "protocol_error"
	CodeRateLimited       = "rate_limited"
	CodeDomainError       = "domain_error"
	CodeBusUnavailable    = "bus_unavailable"
	CodeUnknownConnection = "unknown_connection"
	CodeInternalError     = "internal_error"
)

// ProtocolError describes a malformed client frame.
type ProtocolError struct {
	Reason string
}

// NewProtocolError returns a ProtocolError with the given reason.
func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// DomainError is a failure reported by a downstream domain service.
type DomainError struct {
	Code    string // Machine-readable code, e.g. "invalid_action"
	Message string
	Err     error // Underlying cause, if any
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("domain error %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("domain error %s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDomain, e.Err}
	}
	return []error{ErrDomain}
}

// ErrorCode maps an error to the code sent in error frames.
func ErrorCode(err error) string {
	var domainErr *DomainError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &domainErr):
		if domainErr.Code != "" {
			return domainErr.Code
		}
		return CodeDomainError
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrProtocolMismatch):
		return CodeProtocolMismatch
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBusUnavailable):
		return CodeBusUnavailable
	case errors.Is(err, ErrUnknownConnection):
		return CodeUnknownConnection
	default:
		return CodeInternalError
	}
}

// CloseCode maps a fatal error to the WebSocket close code.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CloseUnauthenticated
	case errors.Is(err, ErrQuotaExceeded):
		return CloseQuotaExceeded
	case errors.Is(err, ErrProtocolMismatch):
		return CloseProtocolMismatch
	default:
		return CloseInternalError
	}
}

// ErrorFrame builds an error frame for err, echoing messageID.
func ErrorFrame(messageID MessageID, err error) OutboundFrame {
	msg := err.Error()
	var protoErr *ProtocolError
	var domainErr *DomainError
	switch {
	case errors.As(err, &protoErr):
		msg = protoErr.Reason
	case errors.As(err, &domainErr):
		msg = domainErr.Message
	case errors.Is(err, ErrInternal):
		msg = "internal error"
	}
	return OutboundFrame{
		Type:      FrameError,
		MessageID: messageID,
		Data: ErrorData{
			Code:    ErrorCode(err),
			Message: msg,
		},
	}
}

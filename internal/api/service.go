package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

// Domain error codes reported to clients.
const (
	CodeUnknownAction      = "unknown_action"
	CodeInvalidAction      = "invalid_action"
	CodeActionRejected     = "action_rejected"
	CodeBackendUnavailable = "backend_unavailable"
)

// Event types produced by actions.
const (
	EventProposalUpdated = "proposal.updated"
	EventRequestUpdated  = "request.updated"
)

// ProposalBackend performs proposal state changes.
type ProposalBackend interface {
	AcceptProposal(ctx context.Context, proposalID, userID string) (*Proposal, error)
	RejectProposal(ctx context.Context, proposalID, userID, reason string) (*Proposal, error)
}

// ID is an entity id sent by clients as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings and numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number")
	}
	*id = ID(n.String())
	return nil
}

// ProposalActionData is the data of proposal.accept and proposal.reject.
type ProposalActionData struct {
	Action     string `json:"action"`
	ProposalID ID     `json:"proposal_id"`
	Reason     string `json:"reason,omitempty"`
}

// RequestUpdateData is the data of request.update.
type RequestUpdateData struct {
	Action    string `json:"action"`
	RequestID ID     `json:"request_id"`
}

// ProposalUpdated is the payload of a proposal.updated event.
type ProposalUpdated struct {
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	UserID     string `json:"user_id"`
}

// RequestUpdated is the payload of a request.updated event.
type RequestUpdated struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"user_id"`
}

type handlerFunc func(ctx context.Context, payload json.RawMessage, userID string) (*model.OutboundEvent, error)

// Service dispatches client actions.
type Service struct {
	backend  ProposalBackend
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// NewService creates a Service. A nil backend makes proposal actions fail
// with backend_unavailable.
func NewService(backend ProposalBackend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		backend: backend,
		logger:  logger.With("component", "actions"),
	}
	s.handlers = map[string]handlerFunc{
		"proposal.accept": s.proposalAccept,
		"proposal.reject": s.proposalReject,
		"request.update":  s.requestUpdate,
	}
	return s
}

// Actions lists the supported action names, sorted.
func (s *Service) Actions() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs action for userID. It returns the event to deliver, or nil.
func (s *Service) Handle(ctx context.Context, action string, payload json.RawMessage, userID string) (*model.OutboundEvent, error) {
	h, ok := s.handlers[action]
	if !ok {
		return nil, &model.DomainError{
			Code:    CodeUnknownAction,
			Message: "unknown action: " + action,
		}
	}
	return h(ctx, payload, userID)
}

func (s *Service) proposalAccept(ctx context.Context, payload json.RawMessage, userID string) (*model.OutboundEvent, error) {
	return s.proposalAction(ctx, payload, userID, "accept")
}

func (s *Service) proposalReject(ctx context.Context, payload json.RawMessage, userID string) (*model.OutboundEvent, error) {
	return s.proposalAction(ctx, payload, userID, "reject")
}

func (s *Service) proposalAction(ctx context.Context, payload json.RawMessage, userID, verb string) (*model.OutboundEvent, error) {
	var d ProposalActionData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, invalidAction("invalid proposal data", err)
	}
	if d.ProposalID == "" {
		return nil, invalidAction("missing required field: proposal_id", nil)
	}

	group := "proposal:" + string(d.ProposalID)
	if err := model.ValidateGroup(group); err != nil {
		return nil, invalidAction("invalid proposal_id", err)
	}

	if s.backend == nil {
		return nil, &model.DomainError{Code: CodeBackendUnavailable, Message: "proposal service is not configured"}
	}

	var (
		p   *Proposal
		err error
	)
	switch verb {
	case "accept":
		p, err = s.backend.AcceptProposal(ctx, string(d.ProposalID), userID)
	default:
		p, err = s.backend.RejectProposal(ctx, string(d.ProposalID), userID, d.Reason)
	}
	if err != nil {
		s.logger.Warn("proposal action failed",
			"action", verb,
			"proposal_id", d.ProposalID,
			"user_id", userID,
			"error", err,
		)
		return nil, backendError(err)
	}

	status := p.Status
	if status == "" {
		status = verb + "ed"
	}

	return newEvent(EventProposalUpdated, group, ProposalUpdated{
		ProposalID: string(d.ProposalID),
		Action:     verb,
		Status:     status,
		UserID:     userID,
	})
}

func (s *Service) requestUpdate(_ context.Context, payload json.RawMessage, userID string) (*model.OutboundEvent, error) {
	var d RequestUpdateData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, invalidAction("invalid request data", err)
	}
	if d.RequestID == "" {
		return nil, invalidAction("missing required field: request_id", nil)
	}

	group := "request:" + string(d.RequestID)
	if err := model.ValidateGroup(group); err != nil {
		return nil, invalidAction("invalid request_id", err)
	}

	return newEvent(EventRequestUpdated, group, RequestUpdated{
		RequestID: string(d.RequestID),
		Data:      payload,
		UserID:    userID,
	})
}

func newEvent(eventType, group string, payload any) (*model.OutboundEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &model.OutboundEvent{
		Type:    eventType,
		Target:  model.GroupTarget(group),
		Payload: data,
	}, nil
}

func invalidAction(msg string, err error) error {
	return &model.DomainError{Code: CodeInvalidAction, Message: msg, Err: err}
}

// backendError classifies a backend failure for the client.
func backendError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
		return &model.DomainError{Code: CodeActionRejected, Message: apiErr.Message, Err: err}
	}
	return &model.DomainError{Code: CodeBackendUnavailable, Message: "backend unavailable, try again later", Err: err}
}

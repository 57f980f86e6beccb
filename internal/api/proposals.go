package api

import (
	"context"
	"fmt"
	"net/url"
)

// Proposal is the backend's view of a proposal after an action.
type Proposal struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type proposalActionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// AcceptProposal accepts a proposal on behalf of userID.
func (c *Client) AcceptProposal(ctx context.Context, proposalID, userID string) (*Proposal, error) {
	return c.proposalAction(ctx, proposalID, "accept", proposalActionRequest{UserID: userID})
}

// RejectProposal rejects a proposal on behalf of userID.
func (c *Client) RejectProposal(ctx context.Context, proposalID, userID, reason string) (*Proposal, error) {
	return c.proposalAction(ctx, proposalID, "reject", proposalActionRequest{UserID: userID, Reason: reason})
}

func (c *Client) proposalAction(ctx context.Context, proposalID, verb string, req proposalActionRequest) (*Proposal, error) {
	path := "/proposals/" + url.PathEscape(proposalID) + "/" + verb

	var p Proposal
	if err := c.post(ctx, path, req, &p); err != nil {
		return nil, fmt.Errorf("%s proposal %s: %w", verb, proposalID, err)
	}
	if p.ID == "" {
		p.ID = proposalID
	}
	return &p, nil
}

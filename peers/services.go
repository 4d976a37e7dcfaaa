package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Proposals reads proposal records mirrored from the proposal manager
// contract.
type Proposals struct {
	client
}

// NewProposals builds a proposal service client.
func NewProposals(base string) *Proposals {
	return &Proposals{client: newClient(base)}
}

// Get fetches a proposal by id.
func (p *Proposals) Get(ctx context.Context, proposalID string) (*Proposal, error) {
	prop := &Proposal{}
	if err := p.do(ctx, http.MethodGet, "/proposals/"+url.PathEscape(proposalID), nil, prop); err != nil {
		return nil, errors.Wrapf(err, "could not fetch proposal %s", proposalID)
	}
	return prop, nil
}

// Disputes reads open challenges against proposals.
type Disputes struct {
	client
}

// NewDisputes builds a dispute service client.
func NewDisputes(base string) *Disputes {
	return &Disputes{client: newClient(base)}
}

// OpenForProposal lists the open disputes against a proposal. The finalize
// guard re-reads this at execution time, which is what closes the
// dispute/timer race.
func (d *Disputes) OpenForProposal(ctx context.Context, proposalID string) ([]Dispute, error) {
	var out []Dispute
	path := "/disputes?proposalId=" + url.QueryEscape(proposalID)
	if err := d.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "could not list disputes for proposal %s", proposalID)
	}
	return out, nil
}

// Rewards triggers reward distribution after settlement. Failures are
// eventually reconcilable, so callers log and continue.
type Rewards struct {
	client
}

// NewRewards builds a reward service client.
func NewRewards(base string) *Rewards {
	return &Rewards{client: newClient(base)}
}

// Distribute asks the reward service to pay out an event's reward pool.
func (r *Rewards) Distribute(ctx context.Context, eventID string) error {
	body := map[string]string{"eventId": eventID}
	if err := r.do(ctx, http.MethodPost, "/distribute", body, nil); err != nil {
		return errors.Wrapf(err, "could not distribute rewards for event %s", eventID)
	}
	return nil
}

// Notifications alerts the arbitration subsystem. Failures must never stall
// dispute handling, so callers log and continue.
type Notifications struct {
	client
}

// NewNotifications builds a notification service client.
func NewNotifications(base string) *Notifications {
	return &Notifications{client: newClient(base)}
}

type arbitratorNotice struct {
	ProposalID  string          `json:"proposalId"`
	DisputeData json.RawMessage `json:"disputeData,omitempty"`
}

// NotifyArbitrators announces a new dispute to the arbitrator pool.
func (n *Notifications) NotifyArbitrators(ctx context.Context, proposalID string, disputeData json.RawMessage) error {
	body := arbitratorNotice{ProposalID: proposalID, DisputeData: disputeData}
	if err := n.do(ctx, http.MethodPost, "/notify-arbitrators", body, nil); err != nil {
		return errors.Wrapf(err, "could not notify arbitrators for proposal %s", proposalID)
	}
	return nil
}

package peers

import (
	"encoding/json"
	"time"
)

// Event is the event manager's canonical record of a real-world occurrence
// under resolution.
type Event struct {
	ID              string          `json:"eventId"`
	Description     string          `json:"description"`
	ResolutionTime  time.Time       `json:"resolutionTime"`
	Status          string          `json:"status"`
	OutcomeHash     string          `json:"outcomeHash,omitempty"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore,omitempty"`
	Proposer        string          `json:"proposer,omitempty"`
	DisputeCount    int             `json:"disputeCount"`
	EvidenceURI     string          `json:"evidenceUri,omitempty"`
	RewardPool      string          `json:"rewardPool,omitempty"`
	Settled         bool            `json:"settled"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Proposal status values mirrored from the proposal manager contract.
const (
	ProposalStatusLiveness  = "liveness"
	ProposalStatusDisputed  = "disputed"
	ProposalStatusFinalized = "finalized"
)

// Proposal is a candidate outcome submitted on-chain with a bond, mirrored
// by the proposal service.
type Proposal struct {
	ID              string          `json:"proposalId"`
	EventID         string          `json:"eventId"`
	OutcomeHash     string          `json:"outcomeHash"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore,omitempty"`
	EvidenceURI     string          `json:"evidenceUri,omitempty"`
	BondAmount      string          `json:"bondAmount"`
	SubmittedAt     time.Time       `json:"submittedAt"`
	LivenessExpiry  time.Time       `json:"livenessExpiry"`
	FinalizedAt     *time.Time      `json:"finalizedAt,omitempty"`
	Status          string          `json:"status"`
	ChallengeCount  int             `json:"challengeCount"`
}

// Dispute is an open on-chain challenge against a proposal.
type Dispute struct {
	ID         string          `json:"disputeId"`
	ProposalID string          `json:"proposalId"`
	Disputer   string          `json:"disputer,omitempty"`
	Reason     json.RawMessage `json:"reason,omitempty"`
	RaisedAt   time.Time       `json:"raisedAt"`
}

// ChainEventRecord is a contract log normalized for the event manager's
// ingest endpoint. The peer deduplicates on (eventId, transactionHash).
type ChainEventRecord struct {
	Kind            string    `json:"kind"`
	EventID         string    `json:"eventId"`
	ProposalID      string    `json:"proposalId,omitempty"`
	Description     string    `json:"description,omitempty"`
	ResolutionTime  time.Time `json:"resolutionTime,omitempty"`
	BlockNumber     uint64    `json:"blockNumber"`
	BlockTime       time.Time `json:"blockTime,omitempty"`
	TransactionHash string    `json:"transactionHash"`
}

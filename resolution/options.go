package resolution

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-network/resolution-engine/cache"
	"github.com/obscura-network/resolution-engine/chain"
	"github.com/obscura-network/resolution-engine/config/params"
	"github.com/obscura-network/resolution-engine/peers"
	"github.com/obscura-network/resolution-engine/scheduler"
)

// chainClient is the transaction surface the orchestrator needs from the
// chain adapter.
type chainClient interface {
	SubmitProposal(ctx context.Context, eventID string, data chain.ProposalData) (*chain.SubmitResult, error)
	FinalizeProposal(ctx context.Context, proposalID common.Hash) (common.Hash, error)
	SettleEvent(ctx context.Context, eventID string) (common.Hash, error)
}

// eventStore is the authoritative event record peer.
type eventStore interface {
	Get(ctx context.Context, eventID string) (*peers.Event, error)
	UpdateStatus(ctx context.Context, eventID, status, expected string) error
}

type proposalReader interface {
	Get(ctx context.Context, proposalID string) (*peers.Proposal, error)
}

type disputeReader interface {
	OpenForProposal(ctx context.Context, proposalID string) ([]peers.Dispute, error)
}

type rewardDistributor interface {
	Distribute(ctx context.Context, eventID string) error
}

type arbitratorNotifier interface {
	NotifyArbitrators(ctx context.Context, proposalID string, disputeData json.RawMessage) error
}

// jobQueue is the scheduler surface the orchestrator consumes.
type jobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, opts scheduler.Options) (*scheduler.Job, error)
	EnqueueUnique(ctx context.Context, jobType string, payload []byte, match func(*scheduler.Job) bool, opts scheduler.Options) (*scheduler.Job, bool, error)
	Scan(states ...scheduler.JobState) []*scheduler.Job
	Remove(id string) bool
	Handle(jobType string, fn scheduler.HandlerFunc)
}

// Option configures the orchestrator service.
type Option func(s *Service) error

// WithConfig sets the resolution tuning parameters.
func WithConfig(cfg *params.Config) Option {
	return func(s *Service) error {
		s.cfg = cfg
		return nil
	}
}

// WithCache sets the read-through cache.
func WithCache(c cache.Cache) Option {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}

// WithChainClient sets the chain adapter.
func WithChainClient(c chainClient) Option {
	return func(s *Service) error {
		s.chain = c
		return nil
	}
}

// WithEventManager sets the authoritative event store peer.
func WithEventManager(e eventStore) Option {
	return func(s *Service) error {
		s.events = e
		return nil
	}
}

// WithProposalService sets the proposal read peer.
func WithProposalService(p proposalReader) Option {
	return func(s *Service) error {
		s.proposals = p
		return nil
	}
}

// WithDisputeService sets the dispute read peer.
func WithDisputeService(d disputeReader) Option {
	return func(s *Service) error {
		s.disputes = d
		return nil
	}
}

// WithRewardService sets the best-effort reward peer.
func WithRewardService(r rewardDistributor) Option {
	return func(s *Service) error {
		s.rewards = r
		return nil
	}
}

// WithNotificationService sets the best-effort arbitrator notification peer.
func WithNotificationService(n arbitratorNotifier) Option {
	return func(s *Service) error {
		s.notifications = n
		return nil
	}
}

// WithLivenessQueue sets the queue carrying check-liveness jobs.
func WithLivenessQueue(q jobQueue) Option {
	return func(s *Service) error {
		s.liveness = q
		return nil
	}
}

// WithSettlementQueue sets the queue carrying settlement jobs.
func WithSettlementQueue(q jobQueue) Option {
	return func(s *Service) error {
		s.settlement = q
		return nil
	}
}

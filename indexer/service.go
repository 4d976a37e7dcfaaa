// Package indexer ingests oracle contract logs by polling block ranges and
// feeding normalized records back to the event manager. It is the repair
// path for any divergence between chain state and engine state.
package indexer

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/obscura-network/resolution-engine/async"
	"github.com/obscura-network/resolution-engine/chain"
	"github.com/obscura-network/resolution-engine/peers"
)

var log = logrus.WithField("prefix", "indexer")

const headerCacheSize = 256

// Record kinds posted to the event manager ingest endpoint.
const (
	KindEventCreated      = "EventCreated"
	KindProposalSubmitted = "ProposalSubmitted"
	KindProposalFinalized = "ProposalFinalized"
)

// chainBackend is the read surface the indexer polls.
type chainBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethTypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethTypes.Header, error)
}

// ingester receives normalized contract logs. The peer deduplicates on
// (eventId, transactionHash), so re-processing a range is safe.
type ingester interface {
	IngestChainEvent(ctx context.Context, rec *peers.ChainEventRecord) error
}

// Service polls the chain on a fixed interval and pushes contract events
// into the event manager. It implements runtime.Service.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	backend     chainBackend
	events      ingester
	addresses   []common.Address
	interval    time.Duration
	replayDepth uint64

	mu               sync.Mutex
	seeded           bool
	lastIndexedBlock uint64

	headers *lru.Cache
}

// New builds an indexer over the shared chain backend. The watched
// addresses are the oracle registry and the proposal manager.
func New(ctx context.Context, backend chainBackend, events ingester, addresses []common.Address, interval time.Duration, replayDepth uint64) (*Service, error) {
	if backend == nil || events == nil {
		return nil, errors.New("indexer requires a chain backend and an ingest peer")
	}
	headers, err := lru.New(headerCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "could not build header cache")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:         ctx,
		cancel:      cancel,
		backend:     backend,
		events:      events,
		addresses:   addresses,
		interval:    interval,
		replayDepth: replayDepth,
		headers:     headers,
	}, nil
}

// Start begins the polling loop.
func (s *Service) Start() {
	log.WithFields(logrus.Fields{"interval": s.interval, "replayDepth": s.replayDepth}).Info("Chain indexer started")
	async.RunEvery(s.ctx, s.interval, func() {
		if err := s.Tick(s.ctx); err != nil {
			tickFailures.Inc()
			log.WithError(err).Error("Indexer tick failed")
		}
	})
}

// Stop halts the polling loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status implements runtime.Service.
func (s *Service) Status() error {
	if s.ctx.Err() != nil {
		return errors.Wrap(s.ctx.Err(), "indexer stopped")
	}
	return nil
}

// LastIndexedBlock reports indexing progress.
func (s *Service) LastIndexedBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexedBlock
}

// Tick processes the next block range. The cursor only advances after the
// whole batch lands at the peer, so a partial failure re-processes the full
// range on the next tick and the peer's idempotency key absorbs the
// duplicates.
func (s *Service) Tick(ctx context.Context) error {
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read chain head")
	}

	s.mu.Lock()
	if !s.seeded {
		if head > s.replayDepth {
			s.lastIndexedBlock = head - s.replayDepth
		} else {
			s.lastIndexedBlock = 0
		}
		s.seeded = true
		log.WithField("fromBlock", s.lastIndexedBlock).Info("Indexer seeded with bounded replay")
	}
	from := s.lastIndexedBlock + 1
	s.mu.Unlock()
	if head < from {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: s.addresses,
		Topics: [][]common.Hash{{
			chain.EventCreatedSig,
			chain.ProposalSubmittedSig,
			chain.ProposalFinalizedSig,
		}},
	}
	logs, err := s.backend.FilterLogs(ctx, query)
	if err != nil {
		return errors.Wrapf(err, "could not filter logs over [%d, %d]", from, head)
	}
	for _, l := range logs {
		rec := s.normalize(ctx, l)
		if rec == nil {
			continue
		}
		if err := s.events.IngestChainEvent(ctx, rec); err != nil {
			return errors.Wrapf(err, "could not ingest log from block %d", l.BlockNumber)
		}
		logsProcessed.WithLabelValues(rec.Kind).Inc()
	}
	s.mu.Lock()
	s.lastIndexedBlock = head
	s.mu.Unlock()
	lastIndexedBlockGauge.Set(float64(head))
	log.WithFields(logrus.Fields{"fromBlock": from, "toBlock": head, "logs": len(logs)}).Debug("Indexed block range")
	return nil
}

// normalize maps a raw contract log to an ingest record. Unknown or
// malformed logs are dropped with a debug trace rather than stalling the
// range.
func (s *Service) normalize(ctx context.Context, l gethTypes.Log) *peers.ChainEventRecord {
	if len(l.Topics) == 0 {
		return nil
	}
	rec := &peers.ChainEventRecord{
		BlockNumber:     l.BlockNumber,
		BlockTime:       s.blockTime(ctx, l.BlockNumber),
		TransactionHash: l.TxHash.Hex(),
	}
	switch l.Topics[0] {
	case chain.EventCreatedSig:
		if len(l.Topics) < 2 {
			return nil
		}
		rec.Kind = KindEventCreated
		rec.EventID = l.Topics[1].Hex()
		vals, err := chain.OracleRegistryABI.Unpack("EventCreated", l.Data)
		if err != nil || len(vals) != 2 {
			log.WithError(err).WithField("txHash", rec.TransactionHash).Debug("Could not unpack EventCreated log")
			return nil
		}
		rec.Description = vals[0].(string)
		if rt, ok := vals[1].(*big.Int); ok && rt.Sign() > 0 {
			rec.ResolutionTime = time.Unix(rt.Int64(), 0)
		}
	case chain.ProposalSubmittedSig:
		if len(l.Topics) < 3 {
			return nil
		}
		rec.Kind = KindProposalSubmitted
		rec.EventID = l.Topics[1].Hex()
		rec.ProposalID = l.Topics[2].Hex()
	case chain.ProposalFinalizedSig:
		if len(l.Topics) < 2 {
			return nil
		}
		rec.Kind = KindProposalFinalized
		rec.ProposalID = l.Topics[1].Hex()
	default:
		log.WithField("signature", l.Topics[0].Hex()).Debug("Not a watched event signature")
		return nil
	}
	return rec
}

// blockTime memoizes header timestamps per block.
func (s *Service) blockTime(ctx context.Context, number uint64) time.Time {
	if ts, ok := s.headers.Get(number); ok {
		return ts.(time.Time)
	}
	header, err := s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		log.WithError(err).WithField("block", number).Debug("Could not fetch header for timestamp")
		return time.Time{}
	}
	ts := time.Unix(int64(header.Time), 0)
	s.headers.Add(number, ts)
	return ts
}

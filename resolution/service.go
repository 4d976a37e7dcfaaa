// Package resolution drives events through the optimistic oracle lifecycle:
// propose, survive the liveness window or get disputed, finalize, settle.
// The on-chain contracts are the source of truth; this service is a
// deterministic driver around them.
package resolution

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/obscura-network/resolution-engine/cache"
	"github.com/obscura-network/resolution-engine/chain"
	"github.com/obscura-network/resolution-engine/config/params"
	"github.com/obscura-network/resolution-engine/peers"
	"github.com/obscura-network/resolution-engine/scheduler"
)

var log = logrus.WithField("prefix", "resolution")

// Queue names and job types registered by the orchestrator.
const (
	LivenessQueueName   = "liveness-monitoring"
	SettlementQueueName = "settlement-processing"

	JobCheckLiveness   = "check-liveness"
	JobSettleEvent     = "settle-event"
	JobBatchSettlement = "batch-settlement"
)

const batchSettlementConcurrency = 4

// ErrPreconditionNotMet is returned when finalization or settlement
// conditions do not hold yet. The scheduler's retry policy absorbs the
// transient cases.
var ErrPreconditionNotMet = errors.New("precondition not met")

// StateChange is published on the operation feed after every persisted
// transition.
type StateChange struct {
	EventID string
	From    State
	To      State
}

type livenessPayload struct {
	ProposalID string `json:"proposalId"`
	EventID    string `json:"eventId"`
}

type settlementPayload struct {
	EventID string `json:"eventId"`
}

type batchPayload struct {
	EventIDs []string `json:"eventIds"`
}

// BatchResult reports a batch settlement outcome. Partial failure is an
// expected outcome, not an error.
type BatchResult struct {
	Successful int
	Failed     int
}

// Service is the resolution orchestrator. It is invoked concurrently by
// HTTP handlers, job workers and the indexer; per-event write ordering is
// serialized by the event manager's conditional status update, and the
// transition table rejects illegal interleavings.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg           *params.Config
	cache         cache.Cache
	chain         chainClient
	events        eventStore
	proposals     proposalReader
	disputes      disputeReader
	rewards       rewardDistributor
	notifications arbitratorNotifier
	liveness      jobQueue
	settlement    jobQueue

	table *Table
	// paused holds a cancellation token per proposal id. Tokens are set
	// before queue removal in PauseLivenessMonitoring and checked inside the
	// finalize guard, closing the dispute/timer race from both sides.
	paused sync.Map

	feed event.Feed
}

// NewService wires an orchestrator from its dependencies and registers the
// queue handlers.
func NewService(ctx context.Context, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:    ctx,
		cancel: cancel,
		table:  NewTable(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}
	if s.cfg == nil {
		s.cfg = params.DefaultConfig()
	}
	for name, dep := range map[string]interface{}{
		"cache":            s.cache,
		"chain client":     s.chain,
		"event manager":    s.events,
		"proposal service": s.proposals,
		"dispute service":  s.disputes,
		"liveness queue":   s.liveness,
		"settlement queue": s.settlement,
	} {
		if dep == nil {
			cancel()
			return nil, errors.Errorf("orchestrator missing dependency: %s", name)
		}
	}
	if err := s.table.OnTransition(StateLiveness, StateResolved, s.finalizeGuard, nil); err != nil {
		cancel()
		return nil, err
	}
	s.liveness.Handle(JobCheckLiveness, s.handleCheckLiveness)
	s.settlement.Handle(JobSettleEvent, s.handleSettleEvent)
	s.settlement.Handle(JobBatchSettlement, s.handleBatchSettlement)
	return s, nil
}

// Start implements runtime.Service.
func (s *Service) Start() {
	log.Info("Resolution orchestrator started")
}

// Stop implements runtime.Service.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status implements runtime.Service.
func (s *Service) Status() error {
	if s.ctx.Err() != nil {
		return errors.Wrap(s.ctx.Err(), "orchestrator stopped")
	}
	return nil
}

// SubscribeStateChanges registers a listener on the operation feed.
func (s *Service) SubscribeStateChanges(ch chan<- StateChange) event.Subscription {
	return s.feed.Subscribe(ch)
}

// ProcessEvent replays an event's authoritative state into the engine:
// fetch the record, rebuild the transition context and re-arm whatever side
// effects the state requires. It is idempotent and used on crash recovery
// and external pokes.
func (s *Service) ProcessEvent(ctx context.Context, eventID string) (*Context, error) {
	ev, err := s.fetchEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	st := State(ev.Status)
	if !st.Known() {
		replayAlarmsTotal.Inc()
		return nil, errors.Wrapf(ErrInvalidTransition, "event %s has unknown state %q", eventID, ev.Status)
	}
	tc := &Context{Kind: EventContext, Event: ev}

	switch st {
	case StateLiveness:
		s.ensureLivenessScheduled(ctx, ev)
	case StateDisputed:
		s.pauseLivenessForEvent(eventID)
	case StateResolved:
		s.ensureSettlementScheduled(ctx, eventID)
	case StateSettled:
		s.purgeEventCache(ctx, eventID)
	}
	log.WithFields(logrus.Fields{"eventID": eventID, "state": st}).Debug("Replayed event state")
	return tc, nil
}

// InitiateProposal submits the detected outcome on-chain, arms the liveness
// timer and moves the event into LIVENESS. On failure after the chain write
// the indexer repairs the divergence from the emitted logs.
func (s *Service) InitiateProposal(ctx context.Context, eventID string, data chain.ProposalData) (string, error) {
	ev, err := s.fetchEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	res, err := s.chain.SubmitProposal(ctx, eventID, data)
	if err != nil {
		return "", errors.Wrapf(err, "could not submit proposal for event %s", eventID)
	}
	proposalID := res.ProposalID.Hex()

	if err := s.scheduleLivenessCheck(ctx, proposalID, eventID, time.Until(res.LivenessExpiry)); err != nil {
		log.WithError(err).WithField("proposalID", proposalID).Error("Could not arm liveness timer")
	}
	if err := s.transition(ctx, ev, StateLiveness, &Context{Kind: EventContext, Event: ev}); err != nil {
		return proposalID, errors.Wrapf(err, "proposal %s submitted but event %s not transitioned", proposalID, eventID)
	}
	proposalsInitiatedTotal.Inc()
	return proposalID, nil
}

// HandleDisputeDetected moves the event into DISPUTED, alerts arbitrators
// and cancels the proposal's liveness timers. Timer cancellation completes
// before returning so a stale timer cannot race finalization against
// arbitration.
func (s *Service) HandleDisputeDetected(ctx context.Context, proposalID string, disputeData json.RawMessage) error {
	p, err := s.fetchProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	ev, err := s.fetchEvent(ctx, p.EventID)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, ev, StateDisputed, &Context{Kind: ProposalContext, Proposal: p}); err != nil {
		return errors.Wrapf(err, "could not mark event %s disputed", p.EventID)
	}
	if s.notifications != nil {
		// Best-effort: dispute handling stays live even when the arbitration
		// side-channel is down.
		if err := s.notifications.NotifyArbitrators(ctx, proposalID, disputeData); err != nil {
			log.WithError(err).WithField("proposalID", proposalID).Error("Could not notify arbitrators")
		}
	}
	s.PauseLivenessMonitoring(proposalID)
	disputesHandledTotal.Inc()
	return nil
}

// FinalizeProposal attempts on-chain finalization once the liveness window
// elapsed dispute-free. Invoked when a check-liveness job fires.
func (s *Service) FinalizeProposal(ctx context.Context, proposalID string) error {
	p, err := s.fetchProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	ev, err := s.fetchEvent(ctx, p.EventID)
	if err != nil {
		return err
	}
	from := State(ev.Status)
	tc := &Context{Kind: ProposalContext, Proposal: p}

	// Guard first: the finalize transaction may only be issued while the
	// window-elapsed and dispute-free conditions hold at execution time.
	if err := s.table.Apply(ctx, tc, from, StateResolved); err != nil {
		if errors.Is(err, ErrGuardFailed) {
			guardRejectionsTotal.Inc()
			return errors.Wrapf(ErrPreconditionNotMet, "proposal %s not finalizable", proposalID)
		}
		invalidTransitionsTotal.WithLabelValues(string(from), string(StateResolved)).Inc()
		return err
	}
	if _, err := s.chain.FinalizeProposal(ctx, common.HexToHash(proposalID)); err != nil {
		return errors.Wrapf(err, "could not finalize proposal %s", proposalID)
	}
	if err := s.persistTransition(ctx, ev, from, StateResolved); err != nil {
		return err
	}
	s.ensureSettlementScheduled(ctx, p.EventID)
	return nil
}

// SettleEvent settles a RESOLVED event on-chain, distributes rewards
// best-effort, marks it SETTLED and purges its cache entries. Invoked when
// a settle-event job fires.
func (s *Service) SettleEvent(ctx context.Context, eventID string) error {
	ev, err := s.fetchEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if State(ev.Status) != StateResolved {
		return errors.Wrapf(ErrPreconditionNotMet, "event %s is %s, settlement requires %s", eventID, ev.Status, StateResolved)
	}
	if _, err := s.chain.SettleEvent(ctx, eventID); err != nil {
		return errors.Wrapf(err, "could not settle event %s", eventID)
	}
	if s.rewards != nil {
		// Best-effort: reward distribution is eventually reconcilable.
		if err := s.rewards.Distribute(ctx, eventID); err != nil {
			log.WithError(err).WithField("eventID", eventID).Error("Could not distribute rewards")
		}
	}
	if err := s.transition(ctx, ev, StateSettled, &Context{Kind: EventContext, Event: ev}); err != nil {
		return err
	}
	s.purgeEventCache(ctx, eventID)
	settlementsTotal.Inc()
	return nil
}

// PauseLivenessMonitoring cancels every queued liveness check for the
// proposal. Idempotent; jobs already executing cannot be removed but will
// fail the finalize guard on the cancellation token.
func (s *Service) PauseLivenessMonitoring(proposalID string) {
	s.paused.Store(proposalID, time.Now())
	removed := 0
	for _, job := range s.liveness.Scan(scheduler.StateDelayed, scheduler.StateWaiting) {
		var p livenessPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.ProposalID != proposalID {
			continue
		}
		if s.liveness.Remove(job.ID) {
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(logrus.Fields{"proposalID": proposalID, "removed": removed}).Info("Liveness monitoring paused")
	}
}

// ResumeLivenessMonitoring re-arms the liveness timer after arbitration
// sends a proposal back into its window.
func (s *Service) ResumeLivenessMonitoring(ctx context.Context, proposalID string) error {
	p, err := s.fetchProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	s.paused.Delete(proposalID)
	return s.scheduleLivenessCheck(ctx, proposalID, p.EventID, time.Until(p.LivenessExpiry))
}

// finalizeGuard checks the finalization conditions plus the cancellation
// token: proposal still in
// liveness, window strictly elapsed, no open disputes, not paused.
func (s *Service) finalizeGuard(ctx context.Context, tc *Context) (bool, error) {
	p := tc.Proposal
	if p == nil {
		return false, errors.New("finalize guard requires a proposal context")
	}
	if _, pausedNow := s.paused.Load(p.ID); pausedNow {
		log.WithField("proposalID", p.ID).Debug("Finalization blocked by cancellation token")
		return false, nil
	}
	if p.Status != peers.ProposalStatusLiveness {
		return false, nil
	}
	if !time.Now().After(p.LivenessExpiry) {
		return false, nil
	}
	open, err := s.disputes.OpenForProposal(ctx, p.ID)
	if err != nil {
		return false, errors.Wrap(err, "could not query open disputes")
	}
	return len(open) == 0, nil
}

// transition validates an event transition against the table, runs the
// edge hooks and persists the new state.
func (s *Service) transition(ctx context.Context, ev *peers.Event, to State, tc *Context) error {
	from := State(ev.Status)
	if err := s.table.Apply(ctx, tc, from, to); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			invalidTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		}
		if errors.Is(err, ErrGuardFailed) {
			guardRejectionsTotal.Inc()
		}
		return err
	}
	return s.persistTransition(ctx, ev, from, to)
}

// persistTransition writes the new state through the conditional PATCH and
// invalidates the cached copy so the next read sees the peer's record.
func (s *Service) persistTransition(ctx context.Context, ev *peers.Event, from, to State) error {
	if err := s.events.UpdateStatus(ctx, ev.ID, string(to), string(from)); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cache.EventKey(ev.ID)); err != nil {
		log.WithError(err).WithField("eventID", ev.ID).Debug("Cache invalidation failed")
	}
	ev.Status = string(to)
	s.feed.Send(StateChange{EventID: ev.ID, From: from, To: to})
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	log.WithFields(logrus.Fields{"eventID": ev.ID, "from": from, "to": to}).Info("Event transitioned")
	return nil
}

// scheduleLivenessCheck arms the liveness timer, preserving the single-timer
// invariant: the duplicate scan and the insert happen under one queue lock,
// so concurrent schedules for the same proposal insert exactly once.
func (s *Service) scheduleLivenessCheck(ctx context.Context, proposalID, eventID string, delay time.Duration) error {
	payload, err := json.Marshal(livenessPayload{ProposalID: proposalID, EventID: eventID})
	if err != nil {
		return errors.Wrap(err, "could not encode liveness payload")
	}
	if delay < 0 {
		delay = 0
	}
	match := func(job *scheduler.Job) bool {
		if job.State == scheduler.StateActive {
			return false
		}
		var p livenessPayload
		return json.Unmarshal(job.Payload, &p) == nil && p.ProposalID == proposalID
	}
	_, added, err := s.liveness.EnqueueUnique(ctx, JobCheckLiveness, payload, match, scheduler.Options{
		Delay:    delay,
		Attempts: s.cfg.LivenessAttempts,
		Backoff:  s.cfg.LivenessBackoff,
	})
	if err == nil && !added {
		log.WithField("proposalID", proposalID).Debug("Liveness check already scheduled")
	}
	return err
}

// ensureLivenessScheduled re-arms a LIVENESS event's timer during replay.
// Without a queued job the proposal id is unrecoverable from the event
// record alone, which is an operator-visible alarm.
func (s *Service) ensureLivenessScheduled(_ context.Context, ev *peers.Event) {
	for _, job := range s.liveness.Scan(scheduler.StateDelayed, scheduler.StateWaiting, scheduler.StateActive) {
		var p livenessPayload
		if err := json.Unmarshal(job.Payload, &p); err == nil && p.EventID == ev.ID {
			return
		}
	}
	replayAlarmsTotal.Inc()
	log.WithField("eventID", ev.ID).Warn("Event in LIVENESS with no liveness check queued")
}

// ensureSettlementScheduled queues settlement exactly once per event,
// atomically against concurrent replays.
func (s *Service) ensureSettlementScheduled(ctx context.Context, eventID string) {
	payload, err := json.Marshal(settlementPayload{EventID: eventID})
	if err != nil {
		log.WithError(err).Error("Could not encode settlement payload")
		return
	}
	match := func(job *scheduler.Job) bool {
		var p settlementPayload
		return json.Unmarshal(job.Payload, &p) == nil && p.EventID == eventID
	}
	if _, _, err := s.settlement.EnqueueUnique(ctx, JobSettleEvent, payload, match, scheduler.Options{
		Delay:    s.cfg.SettlementDelay,
		Attempts: s.cfg.SettlementAttempts,
		Backoff:  s.cfg.SettlementBackoff,
	}); err != nil {
		log.WithError(err).WithField("eventID", eventID).Error("Could not schedule settlement")
	}
}

func (s *Service) pauseLivenessForEvent(eventID string) {
	for _, job := range s.liveness.Scan(scheduler.StateDelayed, scheduler.StateWaiting) {
		var p livenessPayload
		if err := json.Unmarshal(job.Payload, &p); err == nil && p.EventID == eventID {
			s.PauseLivenessMonitoring(p.ProposalID)
		}
	}
}

// purgeEventCache removes the event entry and every proposal entry keyed to
// the event, and clears their cancellation tokens.
func (s *Service) purgeEventCache(ctx context.Context, eventID string) {
	if err := s.cache.Delete(ctx, cache.EventKey(eventID)); err != nil {
		log.WithError(err).WithField("eventID", eventID).Debug("Cache purge failed")
	}
	keys, err := s.cache.Keys(ctx, cache.ProposalPattern(eventID))
	if err != nil {
		log.WithError(err).WithField("eventID", eventID).Debug("Cache key scan failed")
		return
	}
	for _, key := range keys {
		if parts := strings.Split(key, ":"); len(parts) == 3 {
			s.paused.Delete(parts[1])
		}
		if err := s.cache.Delete(ctx, key); err != nil {
			log.WithError(err).WithField("key", key).Debug("Cache purge failed")
		}
	}
}

// fetchEvent reads through the cache to the event manager.
func (s *Service) fetchEvent(ctx context.Context, eventID string) (*peers.Event, error) {
	key := cache.EventKey(eventID)
	if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		ev := &peers.Event{}
		if err := json.Unmarshal(b, ev); err == nil {
			return ev, nil
		}
	} else if err != nil {
		log.WithError(err).WithField("key", key).Debug("Cache read failed, treating as miss")
	}
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(ev); err == nil {
		if err := s.cache.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
			log.WithError(err).WithField("key", key).Debug("Cache write failed")
		}
	}
	return ev, nil
}

// fetchProposal reads through the cache to the proposal service. The cache
// key embeds the event id, so the lookup scans the proposal's key pattern.
func (s *Service) fetchProposal(ctx context.Context, proposalID string) (*peers.Proposal, error) {
	if keys, err := s.cache.Keys(ctx, "proposal:"+proposalID+":*"); err == nil && len(keys) == 1 {
		if b, ok, err := s.cache.Get(ctx, keys[0]); err == nil && ok {
			p := &peers.Proposal{}
			if err := json.Unmarshal(b, p); err == nil {
				return p, nil
			}
		}
	}
	p, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		key := cache.ProposalKey(p.ID, p.EventID)
		if err := s.cache.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
			log.WithError(err).WithField("key", key).Debug("Cache write failed")
		}
	}
	return p, nil
}

// handleCheckLiveness adapts FinalizeProposal to the scheduler's retry
// policy: invalid transitions, state conflicts and permanent chain errors
// are discarded; everything else retries with backoff.
func (s *Service) handleCheckLiveness(ctx context.Context, job *scheduler.Job) error {
	var p livenessPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return scheduler.Discard(errors.Wrap(err, "malformed liveness payload"))
	}
	err := s.FinalizeProposal(ctx, p.ProposalID)
	return classifyJobError(err)
}

// handleSettleEvent adapts SettleEvent to the scheduler's retry policy.
func (s *Service) handleSettleEvent(ctx context.Context, job *scheduler.Job) error {
	var p settlementPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return scheduler.Discard(errors.Wrap(err, "malformed settlement payload"))
	}
	err := s.SettleEvent(ctx, p.EventID)
	return classifyJobError(err)
}

// handleBatchSettlement settles a batch concurrently, reporting successes
// and failures without aborting on partial failure.
func (s *Service) handleBatchSettlement(ctx context.Context, job *scheduler.Job) error {
	var p batchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return scheduler.Discard(errors.Wrap(err, "malformed batch payload"))
	}
	res := s.settleBatch(ctx, p.EventIDs)
	log.WithFields(logrus.Fields{
		"successful": res.Successful,
		"failed":     res.Failed,
	}).Info("Batch settlement finished")
	return nil
}

func (s *Service) settleBatch(ctx context.Context, eventIDs []string) BatchResult {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		res  BatchResult
		slot = make(chan struct{}, batchSettlementConcurrency)
	)
	for _, id := range eventIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot <- struct{}{}
			defer func() { <-slot }()
			err := s.SettleEvent(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				log.WithError(err).WithField("eventID", id).Warn("Batch settlement entry failed")
				return
			}
			res.Successful++
		}()
	}
	wg.Wait()
	return res
}

// classifyJobError maps orchestrator errors onto the scheduler's retry
// policy per the error handling table: invalid transitions, guard
// rejections that can never recover, state conflicts and permanent chain
// failures are not retried.
func classifyJobError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, peers.ErrStateConflict) {
		return scheduler.Discard(err)
	}
	if chain.IsPermanent(err) {
		return scheduler.Discard(err)
	}
	return err
}

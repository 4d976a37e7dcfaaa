package resolution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-network/resolution-engine/cache"
	"github.com/obscura-network/resolution-engine/chain"
	"github.com/obscura-network/resolution-engine/peers"
	"github.com/obscura-network/resolution-engine/scheduler"
)

type fakeChain struct {
	mu            sync.Mutex
	submitCalls   int
	finalizeCalls int
	settleCalls   int
	submitErr     error
	finalizeErr   error
	settleErr     error
	expiry        time.Time
}

func (f *fakeChain) SubmitProposal(_ context.Context, eventID string, _ chain.ProposalData) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &chain.SubmitResult{
		ProposalID:     common.HexToHash("0xaa"),
		TxHash:         common.HexToHash("0xbb"),
		LivenessExpiry: f.expiry,
	}, nil
}

func (f *fakeChain) FinalizeProposal(_ context.Context, _ common.Hash) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	return common.HexToHash("0xcc"), f.finalizeErr
}

func (f *fakeChain) SettleEvent(_ context.Context, _ string) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	return common.HexToHash("0xdd"), f.settleErr
}

// fakeEvents mimics the event manager's conditional status write: the patch
// only applies while the stored status equals expected.
type fakeEvents struct {
	mu        sync.Mutex
	events    map[string]*peers.Event
	getCalls  int
	updateErr error
}

func newFakeEvents(events ...*peers.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[string]*peers.Event)}
	for _, ev := range events {
		f.events[ev.ID] = ev
	}
	return f
}

func (f *fakeEvents) Get(_ context.Context, eventID string) (*peers.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	ev, ok := f.events[eventID]
	if !ok {
		return nil, errors.Errorf("event %s not found", eventID)
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeEvents) UpdateStatus(_ context.Context, eventID, status, expected string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	ev, ok := f.events[eventID]
	if !ok {
		return errors.Errorf("event %s not found", eventID)
	}
	if ev.Status != expected {
		return errors.Wrapf(peers.ErrStateConflict, "event %s expected %s", eventID, expected)
	}
	ev.Status = status
	return nil
}

func (f *fakeEvents) status(eventID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[eventID].Status
}

type fakeProposals struct {
	mu        sync.Mutex
	proposals map[string]*peers.Proposal
}

func newFakeProposals(props ...*peers.Proposal) *fakeProposals {
	f := &fakeProposals{proposals: make(map[string]*peers.Proposal)}
	for _, p := range props {
		f.proposals[p.ID] = p
	}
	return f
}

func (f *fakeProposals) Get(_ context.Context, proposalID string) (*peers.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok {
		return nil, errors.Errorf("proposal %s not found", proposalID)
	}
	cp := *p
	return &cp, nil
}

type fakeDisputes struct {
	mu   sync.Mutex
	open map[string][]peers.Dispute
	err  error
}

func (f *fakeDisputes) OpenForProposal(_ context.Context, proposalID string) ([]peers.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.open[proposalID], nil
}

type fakeRewards struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRewards) Distribute(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeNotifier) NotifyArbitrators(_ context.Context, _ string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type testHarness struct {
	svc        *Service
	chain      *fakeChain
	events     *fakeEvents
	proposals  *fakeProposals
	disputes   *fakeDisputes
	rewards    *fakeRewards
	notifier   *fakeNotifier
	cache      cache.Cache
	liveness   *scheduler.Queue
	settlement *scheduler.Queue
}

// newHarness builds an orchestrator over fakes. The queues are never
// started, so enqueued jobs stay inspectable instead of executing.
func newHarness(t *testing.T, events ...*peers.Event) *testHarness {
	t.Helper()
	h := &testHarness{
		chain:      &fakeChain{expiry: time.Now().Add(time.Hour)},
		events:     newFakeEvents(events...),
		proposals:  newFakeProposals(),
		disputes:   &fakeDisputes{open: make(map[string][]peers.Dispute)},
		rewards:    &fakeRewards{},
		notifier:   &fakeNotifier{},
		cache:      cache.NewMemory(),
		liveness:   scheduler.NewQueue(LivenessQueueName, 1),
		settlement: scheduler.NewQueue(SettlementQueueName, 1),
	}
	svc, err := NewService(context.Background(),
		WithCache(h.cache),
		WithChainClient(h.chain),
		WithEventManager(h.events),
		WithProposalService(h.proposals),
		WithDisputeService(h.disputes),
		WithRewardService(h.rewards),
		WithNotificationService(h.notifier),
		WithLivenessQueue(h.liveness),
		WithSettlementQueue(h.settlement),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *testHarness) livenessJobs() []*scheduler.Job {
	return h.liveness.Scan(scheduler.StateDelayed, scheduler.StateWaiting)
}

func (h *testHarness) settlementJobs() []*scheduler.Job {
	return h.settlement.Scan(scheduler.StateDelayed, scheduler.StateWaiting)
}

func TestNewService_MissingDependency(t *testing.T) {
	_, err := NewService(context.Background(), WithCache(cache.NewMemory()))
	require.ErrorContains(t, err, "missing dependency")
}

func TestInitiateProposal(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateProposing)})

	proposalID, err := h.svc.InitiateProposal(context.Background(), "e1", chain.ProposalData{Outcome: []byte(`"yes"`)})
	require.NoError(t, err)
	require.NotEmpty(t, proposalID)

	require.Equal(t, 1, h.chain.submitCalls)
	require.Equal(t, string(StateLiveness), h.events.status("e1"))

	jobs := h.livenessJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobCheckLiveness, jobs[0].Type)
	require.Equal(t, scheduler.StateDelayed, jobs[0].State)
	var p livenessPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &p))
	require.Equal(t, proposalID, p.ProposalID)
	require.Equal(t, "e1", p.EventID)
}

func TestInitiateProposal_RejectsWrongState(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateSettled)})

	_, err := h.svc.InitiateProposal(context.Background(), "e1", chain.ProposalData{})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestScheduleLivenessCheck_SingleTimerPerProposal(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.scheduleLivenessCheck(context.Background(), "p1", "e1", time.Hour))
	require.NoError(t, h.svc.scheduleLivenessCheck(context.Background(), "p1", "e1", time.Hour))
	require.Len(t, h.livenessJobs(), 1)
}

func TestScheduleLivenessCheck_ConcurrentSchedulesInsertOnce(t *testing.T) {
	h := newHarness(t)

	const goroutines = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				require.NoError(t, h.svc.scheduleLivenessCheck(context.Background(), "p1", "e1", time.Hour))
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, h.livenessJobs(), 1, "one proposal must never hold two timers")
}

func TestHandleDisputeDetected(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	h.proposals.proposals["p1"] = &peers.Proposal{ID: "p1", EventID: "e1", Status: peers.ProposalStatusLiveness}
	require.NoError(t, h.svc.scheduleLivenessCheck(context.Background(), "p1", "e1", time.Hour))

	err := h.svc.HandleDisputeDetected(context.Background(), "p1", json.RawMessage(`{"reason":"bad data"}`))
	require.NoError(t, err)

	require.Equal(t, string(StateDisputed), h.events.status("e1"))
	require.Equal(t, 1, h.notifier.calls)
	require.Empty(t, h.livenessJobs(), "liveness timer must be cancelled")
}

func TestHandleDisputeDetected_NotifierFailureTolerated(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	h.proposals.proposals["p1"] = &peers.Proposal{ID: "p1", EventID: "e1", Status: peers.ProposalStatusLiveness}
	h.notifier.err = errors.New("notification service down")

	require.NoError(t, h.svc.HandleDisputeDetected(context.Background(), "p1", nil))
	require.Equal(t, string(StateDisputed), h.events.status("e1"))
}

func TestFinalizeProposal(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	h.proposals.proposals["p1"] = &peers.Proposal{
		ID:             "p1",
		EventID:        "e1",
		Status:         peers.ProposalStatusLiveness,
		LivenessExpiry: time.Now().Add(-time.Minute),
	}

	require.NoError(t, h.svc.FinalizeProposal(context.Background(), "p1"))

	require.Equal(t, 1, h.chain.finalizeCalls)
	require.Equal(t, string(StateResolved), h.events.status("e1"))

	jobs := h.settlementJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobSettleEvent, jobs[0].Type)
	require.Equal(t, scheduler.StateDelayed, jobs[0].State, "settlement must respect its delay")
}

func TestFinalizeProposal_WindowNotElapsed(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	h.proposals.proposals["p1"] = &peers.Proposal{
		ID:             "p1",
		EventID:        "e1",
		Status:         peers.ProposalStatusLiveness,
		LivenessExpiry: time.Now().Add(time.Hour),
	}

	err := h.svc.FinalizeProposal(context.Background(), "p1")
	require.ErrorIs(t, err, ErrPreconditionNotMet)
	require.Zero(t, h.chain.finalizeCalls, "no transaction before the window elapses")
	require.Equal(t, string(StateLiveness), h.events.status("e1"))
}

func TestFinalizeProposal_OpenDisputeBlocks(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	h.proposals.proposals["p1"] = &peers.Proposal{
		ID:             "p1",
		EventID:        "e1",
		Status:         peers.ProposalStatusLiveness,
		LivenessExpiry: time.Now().Add(-time.Minute),
	}
	h.disputes.open["p1"] = []peers.Dispute{{ID: "d1", ProposalID: "p1"}}

	err := h.svc.FinalizeProposal(context.Background(), "p1")
	require.ErrorIs(t, err, ErrPreconditionNotMet)
	require.Zero(t, h.chain.finalizeCalls)
}

func TestFinalizeProposal_CancellationTokenBlocks(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	h.proposals.proposals["p1"] = &peers.Proposal{
		ID:             "p1",
		EventID:        "e1",
		Status:         peers.ProposalStatusLiveness,
		LivenessExpiry: time.Now().Add(-time.Minute),
	}
	h.svc.PauseLivenessMonitoring("p1")

	err := h.svc.FinalizeProposal(context.Background(), "p1")
	require.ErrorIs(t, err, ErrPreconditionNotMet)
	require.Zero(t, h.chain.finalizeCalls, "paused proposal must never finalize")
}

func TestSettleEvent(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateResolved)})
	ctx := context.Background()
	require.NoError(t, h.cache.Set(ctx, cache.ProposalKey("p1", "e1"), []byte(`{}`), time.Minute))

	require.NoError(t, h.svc.SettleEvent(ctx, "e1"))

	require.Equal(t, 1, h.chain.settleCalls)
	require.Equal(t, 1, h.rewards.calls)
	require.Equal(t, string(StateSettled), h.events.status("e1"))

	_, ok, err := h.cache.Get(ctx, cache.EventKey("e1"))
	require.NoError(t, err)
	assert.False(t, ok, "event cache entry must be purged")
	keys, err := h.cache.Keys(ctx, cache.ProposalPattern("e1"))
	require.NoError(t, err)
	assert.Empty(t, keys, "proposal cache entries must be purged")
}

func TestSettleEvent_RequiresResolved(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})

	err := h.svc.SettleEvent(context.Background(), "e1")
	require.ErrorIs(t, err, ErrPreconditionNotMet)
	require.Zero(t, h.chain.settleCalls)
}

func TestSettleEvent_RewardFailureTolerated(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateResolved)})
	h.rewards.err = errors.New("reward service down")

	require.NoError(t, h.svc.SettleEvent(context.Background(), "e1"))
	require.Equal(t, string(StateSettled), h.events.status("e1"))
}

func TestPauseLivenessMonitoring_Idempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.scheduleLivenessCheck(context.Background(), "p1", "e1", time.Hour))

	h.svc.PauseLivenessMonitoring("p1")
	h.svc.PauseLivenessMonitoring("p1")
	require.Empty(t, h.livenessJobs())
}

func TestResumeLivenessMonitoring(t *testing.T) {
	h := newHarness(t)
	h.proposals.proposals["p1"] = &peers.Proposal{
		ID:             "p1",
		EventID:        "e1",
		Status:         peers.ProposalStatusLiveness,
		LivenessExpiry: time.Now().Add(time.Hour),
	}
	h.svc.PauseLivenessMonitoring("p1")

	require.NoError(t, h.svc.ResumeLivenessMonitoring(context.Background(), "p1"))
	require.Len(t, h.livenessJobs(), 1)
	_, paused := h.svc.paused.Load("p1")
	assert.False(t, paused, "cancellation token must be cleared")
}

func TestTransition_StateConflictSurfaces(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateResolved)})

	// Another writer moves the record between our read and our write.
	ev, err := h.events.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.NoError(t, h.events.UpdateStatus(context.Background(), "e1", string(StateSettled), string(StateResolved)))

	err = h.svc.transition(context.Background(), ev, StateSettled, &Context{Kind: EventContext, Event: ev})
	require.ErrorIs(t, err, peers.ErrStateConflict)
}

func TestProcessEvent_UnknownState(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: "FROZEN"})

	_, err := h.svc.ProcessEvent(context.Background(), "e1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestProcessEvent_ResolvedSchedulesSettlement(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateResolved)})

	_, err := h.svc.ProcessEvent(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, h.settlementJobs(), 1)

	// Replaying again must not double-schedule.
	_, err = h.svc.ProcessEvent(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, h.settlementJobs(), 1)
}

func TestProcessEvent_SettledPurgesCache(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateSettled)})
	ctx := context.Background()
	require.NoError(t, h.cache.Set(ctx, cache.ProposalKey("p1", "e1"), []byte(`{}`), time.Minute))

	_, err := h.svc.ProcessEvent(ctx, "e1")
	require.NoError(t, err)
	keys, err := h.cache.Keys(ctx, cache.ProposalPattern("e1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFetchEvent_ReadsThroughCache(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateLiveness)})
	ctx := context.Background()

	_, err := h.svc.fetchEvent(ctx, "e1")
	require.NoError(t, err)
	_, err = h.svc.fetchEvent(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, 1, h.events.getCalls, "second read must be served from cache")
}

func TestSettleBatch_PartialFailure(t *testing.T) {
	h := newHarness(t,
		&peers.Event{ID: "e1", Status: string(StateResolved)},
		&peers.Event{ID: "e2", Status: string(StateLiveness)},
		&peers.Event{ID: "e3", Status: string(StateResolved)},
	)

	res := h.svc.settleBatch(context.Background(), []string{"e1", "e2", "e3"})
	require.Equal(t, BatchResult{Successful: 2, Failed: 1}, res)
	require.Equal(t, string(StateSettled), h.events.status("e1"))
	require.Equal(t, string(StateLiveness), h.events.status("e2"))
	require.Equal(t, string(StateSettled), h.events.status("e3"))
}

func TestClassifyJobError(t *testing.T) {
	require.NoError(t, classifyJobError(nil))

	discarded := classifyJobError(errors.Wrap(ErrInvalidTransition, "LIVENESS -> SETTLED"))
	assert.True(t, scheduler.IsDiscard(discarded))

	discarded = classifyJobError(errors.Wrap(peers.ErrStateConflict, "event e1"))
	assert.True(t, scheduler.IsDiscard(discarded))

	discarded = classifyJobError(&chain.PermanentError{Err: errors.New("execution reverted")})
	assert.True(t, scheduler.IsDiscard(discarded))

	retried := classifyJobError(errors.Wrap(ErrPreconditionNotMet, "window open"))
	assert.False(t, scheduler.IsDiscard(retried))

	retried = classifyJobError(&chain.TransientError{Err: errors.New("connection reset")})
	assert.False(t, scheduler.IsDiscard(retried))
}

func TestSubscribeStateChanges(t *testing.T) {
	h := newHarness(t, &peers.Event{ID: "e1", Status: string(StateResolved)})
	ch := make(chan StateChange, 1)
	sub := h.svc.SubscribeStateChanges(ch)
	defer sub.Unsubscribe()

	require.NoError(t, h.svc.SettleEvent(context.Background(), "e1"))

	select {
	case change := <-ch:
		require.Equal(t, StateChange{EventID: "e1", From: StateResolved, To: StateSettled}, change)
	case <-time.After(time.Second):
		t.Fatal("no state change published")
	}
}

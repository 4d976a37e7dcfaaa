package resolution

import (
	"context"

	"github.com/pkg/errors"

	"github.com/obscura-network/resolution-engine/peers"
)

var (
	// ErrInvalidTransition marks a (from, to) pair that is not an edge of
	// the transition table. Never retried.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrGuardFailed marks a transition whose guard evaluated false.
	ErrGuardFailed = errors.New("transition guard rejected")
)

// ContextKind tags which variant of a transition context is populated.
type ContextKind int

const (
	// EventContext carries an event record.
	EventContext ContextKind = iota
	// ProposalContext carries a proposal record.
	ProposalContext
)

// Context is the typed payload carried through a transition. Exactly one of
// Event or Proposal is set according to Kind; Metadata is an opaque tail for
// forward compatibility.
type Context struct {
	Kind     ContextKind
	Event    *peers.Event
	Proposal *peers.Proposal
	Metadata map[string]string
}

// GuardFunc decides whether a transition may proceed. Guards must be free of
// side effects; they may read external state.
type GuardFunc func(ctx context.Context, tc *Context) (bool, error)

// ActionFunc runs after a guard passes. Actions may perform I/O and must be
// idempotent because transitions can be retried.
type ActionFunc func(ctx context.Context, tc *Context) error

type edge struct {
	guard  GuardFunc
	action ActionFunc
}

// Table is the resolution transition table: a static adjacency relation with
// optional guard/action hooks per edge. It is built once at startup and
// read-only afterwards.
type Table struct {
	edges map[State]map[State]*edge
}

// NewTable builds the canonical transition table.
func NewTable() *Table {
	adjacency := map[State][]State{
		StateCreated:     {StateDetecting, StateEvidenceGathering},
		StateDetecting:   {StateProposing, StateEvidenceGathering},
		StateProposing:   {StateLiveness},
		StateLiveness:    {StateDisputed, StateMonitoring, StateResolved},
		StateDisputed:    {StateArbitration, StateLiveness},
		StateArbitration: {StateResolved, StateLiveness},
		StateResolved:    {StateSettled},
	}
	t := &Table{edges: make(map[State]map[State]*edge, len(adjacency))}
	for from, tos := range adjacency {
		t.edges[from] = make(map[State]*edge, len(tos))
		for _, to := range tos {
			t.edges[from][to] = &edge{}
		}
	}
	return t
}

// Valid reports whether (from, to) is an edge of the table.
func (t *Table) Valid(from, to State) bool {
	tos, ok := t.edges[from]
	if !ok {
		return false
	}
	_, ok = tos[to]
	return ok
}

// OnTransition attaches a guard and/or action to an existing edge. Attaching
// to a pair that is not an edge is a programming error and rejected.
func (t *Table) OnTransition(from, to State, guard GuardFunc, action ActionFunc) error {
	tos, ok := t.edges[from]
	if !ok {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	e, ok := tos[to]
	if !ok {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	e.guard = guard
	e.action = action
	return nil
}

// Apply validates the transition and runs the edge's hooks in guard, action
// order. The caller performs the authoritative state write afterwards.
func (t *Table) Apply(ctx context.Context, tc *Context, from, to State) error {
	if !t.Valid(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	e := t.edges[from][to]
	if e.guard != nil {
		ok, err := e.guard(ctx, tc)
		if err != nil {
			return errors.Wrapf(err, "guard for %s -> %s", from, to)
		}
		if !ok {
			return errors.Wrapf(ErrGuardFailed, "%s -> %s", from, to)
		}
	}
	if e.action != nil {
		if err := e.action(ctx, tc); err != nil {
			return errors.Wrapf(err, "action for %s -> %s", from, to)
		}
	}
	return nil
}

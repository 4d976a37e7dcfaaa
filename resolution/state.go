package resolution

// State is the lifecycle stage of an event under resolution. The
// authoritative record lives in the event manager service; the engine only
// ever moves a state along the edges of the transition table.
type State string

// The full resolution lifecycle. SETTLED is terminal. EVIDENCE_GATHERING and
// MONITORING are holding states whose exits are driven by external
// subsystems, so no edges leave them here.
const (
	StateCreated           State = "CREATED"
	StateDetecting         State = "DETECTING"
	StateEvidenceGathering State = "EVIDENCE_GATHERING"
	StateProposing         State = "PROPOSING"
	StateLiveness          State = "LIVENESS"
	StateMonitoring        State = "MONITORING"
	StateDisputed          State = "DISPUTED"
	StateArbitration       State = "ARBITRATION"
	StateResolved          State = "RESOLVED"
	StateSettled           State = "SETTLED"
)

// Terminal reports whether no transition may ever leave this state.
func (s State) Terminal() bool {
	return s == StateSettled
}

// Known reports whether s is one of the lifecycle states.
func (s State) Known() bool {
	switch s {
	case StateCreated, StateDetecting, StateEvidenceGathering, StateProposing,
		StateLiveness, StateMonitoring, StateDisputed, StateArbitration,
		StateResolved, StateSettled:
		return true
	}
	return false
}

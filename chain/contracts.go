package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Logical contract names used for selection throughout the engine.
const (
	OracleRegistry  = "oracleRegistry"
	ProposalManager = "proposalManager"
	StakingManager  = "stakingManager"
)

// Inline ABIs restricted to the functions and events the engine touches.
// These must stay bit-exact with the deployed contract suite.
const oracleRegistryJSON = `[
	{"type":"function","name":"settleEvent","stateMutability":"nonpayable","inputs":[{"name":"eventId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getEvent","stateMutability":"view","inputs":[{"name":"eventId","type":"bytes32"}],"outputs":[{"name":"description","type":"string"},{"name":"resolutionTime","type":"uint256"},{"name":"status","type":"uint8"},{"name":"outcomeHash","type":"bytes32"},{"name":"proposer","type":"address"},{"name":"rewardPool","type":"uint256"},{"name":"settled","type":"bool"}]},
	{"type":"event","name":"EventCreated","anonymous":false,"inputs":[{"name":"eventId","type":"bytes32","indexed":true},{"name":"description","type":"string","indexed":false},{"name":"resolutionTime","type":"uint256","indexed":false}]}
]`

const proposalManagerJSON = `[
	{"type":"function","name":"submitProposal","stateMutability":"payable","inputs":[{"name":"eventId","type":"bytes32"},{"name":"proposalId","type":"bytes32"},{"name":"outcomeHash","type":"bytes32"},{"name":"outcome","type":"bytes"},{"name":"evidenceURI","type":"string"}],"outputs":[]},
	{"type":"function","name":"finalizeProposal","stateMutability":"nonpayable","inputs":[{"name":"proposalId","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"ProposalSubmitted","anonymous":false,"inputs":[{"name":"eventId","type":"bytes32","indexed":true},{"name":"proposalId","type":"bytes32","indexed":true},{"name":"livenessExpiry","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalFinalized","anonymous":false,"inputs":[{"name":"proposalId","type":"bytes32","indexed":true},{"name":"outcomeHash","type":"bytes32","indexed":false}]}
]`

const stakingManagerJSON = `[
	{"type":"function","name":"stakeOf","stateMutability":"view","inputs":[{"name":"staker","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Parsed ABIs, shared with the indexer for log decoding.
var (
	OracleRegistryABI  = mustParseABI(oracleRegistryJSON)
	ProposalManagerABI = mustParseABI(proposalManagerJSON)
	StakingManagerABI  = mustParseABI(stakingManagerJSON)
)

// Event signature topics for log filtering.
var (
	EventCreatedSig      = crypto.Keccak256Hash([]byte("EventCreated(bytes32,string,uint256)"))
	ProposalSubmittedSig = crypto.Keccak256Hash([]byte("ProposalSubmitted(bytes32,bytes32,uint256)"))
	ProposalFinalizedSig = crypto.Keccak256Hash([]byte("ProposalFinalized(bytes32,bytes32)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EventIDHash content-addresses an opaque event id to the bytes32 key the
// contracts use.
func EventIDHash(eventID string) common.Hash {
	return crypto.Keccak256Hash([]byte(eventID))
}

// Package chain is the engine's thin blockchain interaction layer: proposal
// submission, finalization and settlement transactions against the deployed
// oracle contract suite, plus the read surface the indexer polls.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/obscura-network/resolution-engine/config/params"
)

var log = logrus.WithField("prefix", "chain")

const (
	receiptPollInterval = time.Second
	// receiptWaitTimeout bounds the receipt poll so a transaction dropped
	// from the mempool cannot pin a job worker until shutdown.
	receiptWaitTimeout = 5 * time.Minute
)

// Backend is the subset of an ethclient the engine depends on. Tests supply
// fakes; production wires *ethclient.Client.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethTypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethTypes.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethTypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethTypes.Log, error)
}

type boundContract struct {
	addr common.Address
	abi  abi.ABI
}

// ProposalData is the outcome payload submitted on-chain with a bond.
type ProposalData struct {
	Outcome     []byte
	EvidenceURI string
	Bond        *big.Int
}

// SubmitResult is returned once a proposal transaction has one confirmation.
type SubmitResult struct {
	ProposalID     common.Hash
	TxHash         common.Hash
	LivenessExpiry time.Time
}

// EventRecord is the on-chain view of an event from the oracle registry.
type EventRecord struct {
	Description    string
	ResolutionTime time.Time
	Status         uint8
	OutcomeHash    common.Hash
	Proposer       common.Address
	RewardPool     *big.Int
	Settled        bool
}

// Client signs and submits the engine's transactions. The wallet nonce
// stream is owned here: the sign-and-send path is serialized so concurrent
// submit/finalize/settle calls never collide on a nonce.
type Client struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	signer         gethTypes.Signer
	livenessWindow time.Duration

	receiptTimeout time.Duration

	nonceMu     sync.Mutex
	nonce       uint64
	nonceSeeded bool

	contracts map[string]boundContract
}

// Dial performs the one-shot initialization: connect the provider,
// authenticate the wallet and bind the three contracts. Any failure here is
// fatal to the caller.
func Dial(ctx context.Context, cfg *params.Config) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial RPC endpoint %s", cfg.RPCURL)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "could not load wallet key")
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read chain id")
	}
	c := NewClient(ec, key, chainID, cfg.OracleRegistryAddr, cfg.ProposalManagerAddr, cfg.StakingManagerAddr)
	c.livenessWindow = cfg.LivenessWindow
	if stake, err := c.StakeOf(ctx, c.from); err != nil {
		log.WithError(err).Warn("Could not read engine wallet stake")
	} else {
		log.WithFields(logrus.Fields{"wallet": c.from.Hex(), "stake": stake.String()}).Info("Chain client initialized")
	}
	return c, nil
}

// NewClient wires a client over any Backend. Used by Dial and by tests.
func NewClient(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, registry, proposals, staking common.Address) *Client {
	return &Client{
		backend:        backend,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		signer:         gethTypes.LatestSignerForChainID(chainID),
		livenessWindow: 2 * time.Hour,
		receiptTimeout: receiptWaitTimeout,
		contracts: map[string]boundContract{
			OracleRegistry:  {addr: registry, abi: OracleRegistryABI},
			ProposalManager: {addr: proposals, abi: ProposalManagerABI},
			StakingManager:  {addr: staking, abi: StakingManagerABI},
		},
	}
}

// Backend exposes the shared connection for the indexer.
func (c *Client) Backend() Backend {
	return c.backend
}

// From is the engine wallet address.
func (c *Client) From() common.Address {
	return c.from
}

// SubmitProposal submits a candidate outcome with the bond attached and
// waits for one confirmation. The liveness expiry is taken from the
// contract-emitted ProposalSubmitted log when present; the local clock is
// only the fallback.
func (c *Client) SubmitProposal(ctx context.Context, eventID string, data ProposalData) (*SubmitResult, error) {
	now := time.Now()
	eventKey := EventIDHash(eventID)
	ts := common.LeftPadBytes(big.NewInt(now.Unix()).Bytes(), 32)
	proposalID := crypto.Keccak256Hash([]byte(eventID), ts)
	outcomeHash := crypto.Keccak256Hash(data.Outcome)

	receipt, err := c.transact(ctx, ProposalManager, "submitProposal", data.Bond,
		eventKey, proposalID, outcomeHash, data.Outcome, data.EvidenceURI)
	if err != nil {
		return nil, err
	}

	expiry := now.Add(c.livenessWindow)
	if onchain, ok := c.livenessExpiryFromReceipt(receipt); ok {
		expiry = onchain
	}
	log.WithFields(logrus.Fields{
		"eventID":    eventID,
		"proposalID": proposalID.Hex(),
		"txHash":     receipt.TxHash.Hex(),
		"expiry":     expiry,
	}).Info("Proposal submitted")
	return &SubmitResult{ProposalID: proposalID, TxHash: receipt.TxHash, LivenessExpiry: expiry}, nil
}

func (c *Client) livenessExpiryFromReceipt(receipt *gethTypes.Receipt) (time.Time, bool) {
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 || l.Topics[0] != ProposalSubmittedSig {
			continue
		}
		vals, err := ProposalManagerABI.Unpack("ProposalSubmitted", l.Data)
		if err != nil || len(vals) != 1 {
			log.WithError(err).Debug("Could not unpack ProposalSubmitted log")
			continue
		}
		expiry, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		return time.Unix(expiry.Int64(), 0), true
	}
	return time.Time{}, false
}

// FinalizeProposal locks a proposal's outcome on-chain.
func (c *Client) FinalizeProposal(ctx context.Context, proposalID common.Hash) (common.Hash, error) {
	receipt, err := c.transact(ctx, ProposalManager, "finalizeProposal", nil, proposalID)
	if err != nil {
		return common.Hash{}, err
	}
	log.WithFields(logrus.Fields{"proposalID": proposalID.Hex(), "txHash": receipt.TxHash.Hex()}).Info("Proposal finalized")
	return receipt.TxHash, nil
}

// SettleEvent disburses an event's reward pool according to the finalized
// outcome.
func (c *Client) SettleEvent(ctx context.Context, eventID string) (common.Hash, error) {
	receipt, err := c.transact(ctx, OracleRegistry, "settleEvent", nil, EventIDHash(eventID))
	if err != nil {
		return common.Hash{}, err
	}
	log.WithFields(logrus.Fields{"eventID": eventID, "txHash": receipt.TxHash.Hex()}).Info("Event settled")
	return receipt.TxHash, nil
}

// GetEvent reads the on-chain view of an event.
func (c *Client) GetEvent(ctx context.Context, eventKey common.Hash) (*EventRecord, error) {
	contract := c.contracts[OracleRegistry]
	data, err := contract.abi.Pack("getEvent", eventKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack getEvent call")
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract.addr, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	vals, err := contract.abi.Unpack("getEvent", out)
	if err != nil || len(vals) != 7 {
		return nil, errors.Wrap(err, "could not unpack getEvent result")
	}
	outcomeHash := vals[3].([32]byte)
	rec := &EventRecord{
		Description: vals[0].(string),
		Status:      vals[2].(uint8),
		OutcomeHash: common.BytesToHash(outcomeHash[:]),
		Proposer:    vals[4].(common.Address),
		RewardPool:  vals[5].(*big.Int),
		Settled:     vals[6].(bool),
	}
	if rt, ok := vals[1].(*big.Int); ok && rt.Sign() > 0 {
		rec.ResolutionTime = time.Unix(rt.Int64(), 0)
	}
	return rec, nil
}

// StakeOf reads a staker's bond balance from the staking manager.
func (c *Client) StakeOf(ctx context.Context, staker common.Address) (*big.Int, error) {
	contract := c.contracts[StakingManager]
	data, err := contract.abi.Pack("stakeOf", staker)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack stakeOf call")
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract.addr, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	vals, err := contract.abi.Unpack("stakeOf", out)
	if err != nil || len(vals) != 1 {
		return nil, errors.Wrap(err, "could not unpack stakeOf result")
	}
	return vals[0].(*big.Int), nil
}

// transact signs, sends and waits for one confirmation of a state-changing
// call. The nonce lock is held through SendTransaction so the wallet's nonce
// stream stays sequential under concurrent callers.
func (c *Client) transact(ctx context.Context, contractName, method string, value *big.Int, args ...interface{}) (*gethTypes.Receipt, error) {
	contract, ok := c.contracts[contractName]
	if !ok {
		return nil, &PermanentError{Err: errors.Errorf("unknown contract %q", contractName)}
	}
	data, err := contract.abi.Pack(method, args...)
	if err != nil {
		return nil, &PermanentError{Err: errors.Wrapf(err, "could not pack %s.%s", contractName, method)}
	}
	if value == nil {
		value = new(big.Int)
	}

	started := time.Now()
	signed, err := c.signAndSend(ctx, contract.addr, value, data)
	if err != nil {
		return nil, err
	}
	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		// The transaction may or may not have consumed the nonce; re-read the
		// pending nonce before the next send.
		c.nonceMu.Lock()
		c.nonceSeeded = false
		c.nonceMu.Unlock()
		return nil, err
	}
	txLatency.WithLabelValues(method).Observe(float64(time.Since(started).Milliseconds()))
	if receipt.Status != gethTypes.ReceiptStatusSuccessful {
		return nil, &PermanentError{Err: errors.Errorf("%s.%s reverted in tx %s", contractName, method, receipt.TxHash.Hex())}
	}
	return receipt, nil
}

func (c *Client) signAndSend(ctx context.Context, to common.Address, value *big.Int, data []byte) (*gethTypes.Transaction, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if !c.nonceSeeded {
		nonce, err := c.backend.PendingNonceAt(ctx, c.from)
		if err != nil {
			return nil, classify(errors.Wrap(err, "could not fetch pending nonce"))
		}
		c.nonce = nonce
		c.nonceSeeded = true
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(errors.Wrap(err, "could not fetch gas price"))
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, classify(errors.Wrap(err, "could not estimate gas"))
	}
	tx := gethTypes.NewTransaction(c.nonce, to, value, gasLimit, gasPrice, data)
	signed, err := gethTypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, &PermanentError{Err: errors.Wrap(err, "could not sign transaction")}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		// Force a nonce re-read on the next call in case the stream drifted.
		c.nonceSeeded = false
		return nil, classify(errors.Wrap(err, "could not send transaction"))
	}
	c.nonce++
	return signed, nil
}

// waitMined polls for the receipt of the given transaction until it lands,
// the context is cancelled or the wait timeout elapses. A timed-out wait is
// transient: the nonce may or may not have been consumed, and the retry's
// pending-aware nonce fetch resolves either way.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*gethTypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.WithError(err).WithField("txHash", txHash.Hex()).Debug("Receipt lookup failed, retrying")
		}
		select {
		case <-ctx.Done():
			return nil, &TransientError{Err: errors.Wrapf(ctx.Err(), "waiting for tx %s", txHash.Hex())}
		case <-ticker.C:
		}
	}
}

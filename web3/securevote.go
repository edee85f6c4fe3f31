package web3

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/types"
)

//go:embed securevote_abi.json
var secureVoteABIJSON []byte

const (
	// receiptPollInterval is how often WaitTx asks for a receipt.
	receiptPollInterval = time.Second
	// publishedResultsCacheSize bounds the cache of finalized results.
	publishedResultsCacheSize = 256
)

// ErrTxFailed is returned by WaitTx when the transaction was mined but
// reverted.
var ErrTxFailed = errors.New("transaction reverted")

// SecureVoteABI returns the parsed ABI of the SecureVote contract.
func SecureVoteABI() (*abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(secureVoteABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SecureVote ABI: %w", err)
	}
	return &parsed, nil
}

// Backend is what the binding needs from the chain: the bind.ContractBackend
// methods plus receipts and the head block number. rpc.Client implements it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// SecureVote is the binding to a deployed SecureVote contract. Reads are
// eth_calls against the latest block, writes are signed transactions that
// return as soon as the node accepts them; WaitTx waits for inclusion.
type SecureVote struct {
	address common.Address
	abi     *abi.ABI
	backend Backend
	bound   *bind.BoundContract
	// results caches getPublishedResults once published, since published
	// results never change.
	results *lru.Cache[uint64, *types.PublishedResults]
}

// NewSecureVote binds the contract deployed at address.
func NewSecureVote(address common.Address, backend Backend) (*SecureVote, error) {
	if backend == nil {
		return nil, fmt.Errorf("nil backend")
	}
	parsed, err := SecureVoteABI()
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, *types.PublishedResults](publishedResultsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create results cache: %w", err)
	}
	return &SecureVote{
		address: address,
		abi:     parsed,
		backend: backend,
		bound:   bind.NewBoundContract(address, *parsed, backend, backend, backend),
		results: cache,
	}, nil
}

// Address returns the contract address.
func (s *SecureVote) Address() common.Address {
	return s.address
}

// ABI returns the contract ABI.
func (s *SecureVote) ABI() *abi.ABI {
	return s.abi
}

// call packs the method arguments, performs the eth_call and unpacks the
// outputs.
func (s *SecureVote) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &s.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		if code, cerr := s.backend.CodeAt(ctx, s.address, nil); cerr == nil && len(code) == 0 {
			return nil, fmt.Errorf("%s: no contract code at %s", method, s.address.Hex())
		}
	}
	values, err := s.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// PollCount returns the number of polls created so far. Poll ids are
// sequential starting at zero.
func (s *SecureVote) PollCount(ctx context.Context) (uint64, error) {
	out, err := s.call(ctx, "pollCount")
	if err != nil {
		return 0, err
	}
	count := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !count.IsUint64() {
		return 0, fmt.Errorf("poll count %s overflows uint64", count)
	}
	return count.Uint64(), nil
}

// PollInfo returns the metadata and lifecycle flags of a poll.
func (s *SecureVote) PollInfo(ctx context.Context, pollID uint64) (*types.PollInfo, error) {
	out, err := s.call(ctx, "getPollInfo", new(big.Int).SetUint64(pollID))
	if err != nil {
		return nil, err
	}
	if len(out) != 8 {
		return nil, fmt.Errorf("getPollInfo: unexpected %d outputs", len(out))
	}
	return &types.PollInfo{
		ID:                    pollID,
		Name:                  *abi.ConvertType(out[0], new(string)).(*string),
		Options:               *abi.ConvertType(out[1], new([]string)).(*[]string),
		StartTime:             *abi.ConvertType(out[2], new(uint64)).(*uint64),
		EndTime:               *abi.ConvertType(out[3], new(uint64)).(*uint64),
		Creator:               *abi.ConvertType(out[4], new(common.Address)).(*common.Address),
		Ended:                 *abi.ConvertType(out[5], new(bool)).(*bool),
		PublicDecryptionReady: *abi.ConvertType(out[6], new(bool)).(*bool),
		ResultsPublished:      *abi.ConvertType(out[7], new(bool)).(*bool),
	}, nil
}

// HasVoted reports whether voter already cast a vote in the poll.
func (s *SecureVote) HasVoted(ctx context.Context, pollID uint64, voter common.Address) (bool, error) {
	out, err := s.call(ctx, "hasVoted", new(big.Int).SetUint64(pollID), voter)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// EncryptedCounts returns the ciphertext handles of the poll tally.
func (s *SecureVote) EncryptedCounts(ctx context.Context, pollID uint64) (*types.EncryptedCounts, error) {
	out, err := s.call(ctx, "getEncryptedCounts", new(big.Int).SetUint64(pollID))
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([types.EncryptedCountsCapacity][32]byte)).(*[types.EncryptedCountsCapacity][32]byte)
	counts := &types.EncryptedCounts{
		OptionsCount: *abi.ConvertType(out[1], new(uint8)).(*uint8),
	}
	for i := range raw {
		counts.Handles[i] = common.Hash(raw[i])
	}
	return counts, nil
}

// PublishedResults returns the cleartext results stored on-chain. Once
// published they are served from a local cache.
func (s *SecureVote) PublishedResults(ctx context.Context, pollID uint64) (*types.PublishedResults, error) {
	if cached, ok := s.results.Get(pollID); ok {
		return cached, nil
	}
	out, err := s.call(ctx, "getPublishedResults", new(big.Int).SetUint64(pollID))
	if err != nil {
		return nil, err
	}
	res := &types.PublishedResults{
		Counts:    *abi.ConvertType(out[0], new([]uint32)).(*[]uint32),
		Published: *abi.ConvertType(out[1], new(bool)).(*bool),
	}
	if res.Published {
		s.results.Add(pollID, res)
	}
	return res, nil
}

// transact sends a transaction calling method and returns its hash.
func (s *SecureVote) transact(opts *bind.TransactOpts, method string, args ...any) (common.Hash, error) {
	if opts == nil {
		return common.Hash{}, fmt.Errorf("%s: missing transact options", method)
	}
	tx, err := s.bound.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	log.Debugw("transaction sent",
		"method", method,
		"tx", tx.Hash().Hex(),
		"from", opts.From.Hex(),
		"nonce", tx.Nonce())
	return tx.Hash(), nil
}

// CreatePoll sends createPoll. The new poll id is pollCount()-1 once the
// transaction is mined; it is not predicted here.
func (s *SecureVote) CreatePoll(opts *bind.TransactOpts, name string, options []string, startTime, endTime uint64) (common.Hash, error) {
	return s.transact(opts, "createPoll", name, options, startTime, endTime)
}

// Vote sends an encrypted choice to the poll.
func (s *SecureVote) Vote(opts *bind.TransactOpts, pollID uint64, handle common.Hash, inputProof []byte) (common.Hash, error) {
	return s.transact(opts, "vote", new(big.Int).SetUint64(pollID), [32]byte(handle), inputProof)
}

// EndPoll closes a poll whose end time has passed and makes its tally
// publicly decryptable.
func (s *SecureVote) EndPoll(opts *bind.TransactOpts, pollID uint64) (common.Hash, error) {
	return s.transact(opts, "endPoll", new(big.Int).SetUint64(pollID))
}

// PublishResults stores the decrypted tally on-chain together with the
// decryption proof the contract verifies.
func (s *SecureVote) PublishResults(opts *bind.TransactOpts, pollID uint64, cleartextValues, decryptionProof []byte) (common.Hash, error) {
	return s.transact(opts, "publishResults", new(big.Int).SetUint64(pollID), cleartextValues, decryptionProof)
}

// WaitTx blocks until the transaction is mined or ctx is done. It returns
// ErrTxFailed, annotated with the revert reason when the node can replay it,
// if the transaction was included but reverted.
func (s *SecureVote) WaitTx(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				log.Debugw("transaction mined", "tx", hash.Hex(), "block", receipt.BlockNumber)
				return nil
			}
			if reason := s.replayRevert(ctx, hash, receipt); reason != "" {
				return fmt.Errorf("%w: %s", ErrTxFailed, reason)
			}
			return fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex())
		case err != nil && !errors.Is(err, ethereum.NotFound):
			log.Debugw("receipt query failed, retrying", "tx", hash.Hex(), "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// replayRevert re-executes a failed transaction call at its block to recover
// the revert reason. It returns an empty string if the reason is not
// available.
func (s *SecureVote) replayRevert(ctx context.Context, hash common.Hash, receipt *gethtypes.Receipt) string {
	type txByHash interface {
		TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	}
	getter, ok := s.backend.(txByHash)
	if !ok {
		return ""
	}
	tx, _, err := getter.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return ""
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	_, err = s.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Data:  tx.Data(),
		Value: tx.Value(),
		Gas:   tx.Gas(),
	}, receipt.BlockNumber)
	if err == nil {
		return ""
	}
	return RevertReason(err)
}

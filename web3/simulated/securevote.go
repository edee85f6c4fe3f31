// Package simulated provides an in-memory SecureVote contract and a settable
// clock. It backs the demo mode of the client and the package tests.
package simulated

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/securevote/relayer"
	"github.com/vocdoni/securevote/types"
	"github.com/vocdoni/securevote/web3"
)

// Contract revert reasons.
const (
	RevertInvalidOptions   = "Invalid options count"
	RevertInvalidTimeRange = "Invalid time range"
	RevertUnknownPoll      = "Poll does not exist"
	RevertNotActive        = "Poll not active"
	RevertAlreadyVoted     = "Already voted"
	RevertInvalidInput     = "Invalid encrypted input"
	RevertStillActive      = "Poll still active"
	RevertAlreadyEnded     = "Poll already ended"
	RevertNotEnded         = "Poll not ended"
	RevertAlreadyPublished = "Results already published"
	RevertInvalidProof     = "Invalid decryption proof"
)

// SecureVote is an in-memory SecureVote contract running its homomorphic
// tally on a relayer.Mock. Writes are executed when sent and fail like a node does
// on gas estimation, with an "execution reverted: <reason>" error. Times are
// checked against the contract clock (the wall clock when nil), which is independent from the one of the
// client under test.
type SecureVote struct {
	mtx     sync.Mutex
	address common.Address
	fhe     *relayer.Mock
	clock   *Clock
	polls   []*pollState
	mined   map[common.Hash]error
	nonce   uint64
	calls   map[string]int
	events  chan *web3.PollEvent
	block   uint64
}

type pollState struct {
	info      types.PollInfo
	counts    [types.EncryptedCountsCapacity]common.Hash
	voters    map[common.Address]bool
	published types.PublishedResults
}

// NewSecureVote deploys a simulated contract at address.
func NewSecureVote(address common.Address, fhe *relayer.Mock, clock *Clock) *SecureVote {
	return &SecureVote{
		address: address,
		fhe:     fhe,
		clock:   clock,
		mined:   make(map[common.Hash]error),
		calls:   make(map[string]int),
		events:  make(chan *web3.PollEvent, 64),
	}
}

func reverted(reason string) error {
	return fmt.Errorf("execution reverted: %s", reason)
}

// Calls returns how many times method was invoked.
func (sv *SecureVote) Calls(method string) int {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	return sv.calls[method]
}

// TotalCalls returns the number of invocations of every method.
func (sv *SecureVote) TotalCalls() int {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	n := 0
	for _, c := range sv.calls {
		n += c
	}
	return n
}

// FailNextWait makes WaitTx return err for the next transaction sent.
func (sv *SecureVote) FailNextWait(err error) {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	sv.mined[common.Hash{}] = err
}

func (sv *SecureVote) count(method string) {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	sv.calls[method]++
}

// newTx returns the hash of a new transaction and emits ev, if any. Must be
// called with the mutex held.
func (sv *SecureVote) newTx(from common.Address, ev *web3.PollEvent) common.Hash {
	sv.nonce++
	sv.block++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], sv.nonce)
	hash := common.BytesToHash(ethcrypto.Keccak256(from.Bytes(), n[:]))
	if err, ok := sv.mined[common.Hash{}]; ok {
		delete(sv.mined, common.Hash{})
		sv.mined[hash] = err
	} else {
		sv.mined[hash] = nil
	}
	if ev != nil {
		ev.Block = sv.block
		ev.TxHash = hash
		select {
		case sv.events <- ev:
		default:
		}
	}
	return hash
}

func (sv *SecureVote) poll(pollID uint64) (*pollState, error) {
	if pollID >= uint64(len(sv.polls)) {
		return nil, reverted(RevertUnknownPoll)
	}
	return sv.polls[pollID], nil
}

// Address implements orchestrator.Contract.
func (sv *SecureVote) Address() common.Address {
	return sv.address
}

// PollCount implements orchestrator.Contract.
func (sv *SecureVote) PollCount(ctx context.Context) (uint64, error) {
	sv.count("pollCount")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	return uint64(len(sv.polls)), nil
}

// PollInfo implements orchestrator.Contract.
func (sv *SecureVote) PollInfo(ctx context.Context, pollID uint64) (*types.PollInfo, error) {
	sv.count("getPollInfo")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return nil, err
	}
	info := p.info
	info.Options = slices.Clone(p.info.Options)
	return &info, nil
}

// HasVoted implements orchestrator.Contract.
func (sv *SecureVote) HasVoted(ctx context.Context, pollID uint64, voter common.Address) (bool, error) {
	sv.count("hasUserVoted")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return false, err
	}
	return p.voters[voter], nil
}

// EncryptedCounts implements orchestrator.Contract.
func (sv *SecureVote) EncryptedCounts(ctx context.Context, pollID uint64) (*types.EncryptedCounts, error) {
	sv.count("getEncryptedCounts")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return nil, err
	}
	return &types.EncryptedCounts{Handles: p.counts, OptionsCount: uint8(len(p.info.Options))}, nil
}

// PublishedResults implements orchestrator.Contract.
func (sv *SecureVote) PublishedResults(ctx context.Context, pollID uint64) (*types.PublishedResults, error) {
	sv.count("getPublishedResults")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return nil, err
	}
	return &types.PublishedResults{Counts: slices.Clone(p.published.Counts), Published: p.published.Published}, nil
}

// CreatePoll implements orchestrator.Contract.
func (sv *SecureVote) CreatePoll(opts *bind.TransactOpts, name string, options []string, startTime, endTime uint64) (common.Hash, error) {
	sv.count("createPoll")
	if len(options) < types.MinPollOptions || len(options) > types.MaxPollOptions {
		return common.Hash{}, reverted(RevertInvalidOptions)
	}
	if endTime <= startTime {
		return common.Hash{}, reverted(RevertInvalidTimeRange)
	}
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p := &pollState{
		info: types.PollInfo{
			ID:        uint64(len(sv.polls)),
			Name:      name,
			Options:   slices.Clone(options),
			StartTime: startTime,
			EndTime:   endTime,
			Creator:   opts.From,
		},
		voters: make(map[common.Address]bool),
	}
	for i := range options {
		p.counts[i] = sv.fhe.Trivial(0)
	}
	sv.polls = append(sv.polls, p)
	return sv.newTx(opts.From, &web3.PollEvent{Name: web3.EventPollCreated, PollID: p.info.ID, Account: opts.From}), nil
}

// Vote implements orchestrator.Contract.
func (sv *SecureVote) Vote(opts *bind.TransactOpts, pollID uint64, handle common.Hash, inputProof []byte) (common.Hash, error) {
	sv.count("vote")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return common.Hash{}, err
	}
	now := uint64(sv.clock.Now().Unix())
	if p.info.Ended || now < p.info.StartTime || now > p.info.EndTime {
		return common.Hash{}, reverted(RevertNotActive)
	}
	if p.voters[opts.From] {
		return common.Hash{}, reverted(RevertAlreadyVoted)
	}
	if err := sv.fhe.VerifyInput(handle, inputProof, sv.address, opts.From); err != nil {
		return common.Hash{}, reverted(RevertInvalidInput)
	}
	for i := range p.info.Options {
		next, err := sv.fhe.IncrementIf(p.counts[i], handle, uint8(i))
		if err != nil {
			return common.Hash{}, reverted(RevertInvalidInput)
		}
		p.counts[i] = next
	}
	p.voters[opts.From] = true
	return sv.newTx(opts.From, &web3.PollEvent{Name: web3.EventVoteCast, PollID: pollID, Account: opts.From}), nil
}

// EndPoll implements orchestrator.Contract.
func (sv *SecureVote) EndPoll(opts *bind.TransactOpts, pollID uint64) (common.Hash, error) {
	sv.count("endPoll")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return common.Hash{}, err
	}
	if p.info.Ended {
		return common.Hash{}, reverted(RevertAlreadyEnded)
	}
	if uint64(sv.clock.Now().Unix()) <= p.info.EndTime {
		return common.Hash{}, reverted(RevertStillActive)
	}
	p.info.Ended = true
	p.info.PublicDecryptionReady = true
	sv.fhe.MakePubliclyDecryptable(p.counts[:len(p.info.Options)]...)
	return sv.newTx(opts.From, &web3.PollEvent{Name: web3.EventPollEnded, PollID: pollID}), nil
}

// PublishResults implements orchestrator.Contract.
func (sv *SecureVote) PublishResults(opts *bind.TransactOpts, pollID uint64, cleartextValues, decryptionProof []byte) (common.Hash, error) {
	sv.count("publishResults")
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	p, err := sv.poll(pollID)
	if err != nil {
		return common.Hash{}, err
	}
	if !p.info.PublicDecryptionReady {
		return common.Hash{}, reverted(RevertNotEnded)
	}
	if p.info.ResultsPublished {
		return common.Hash{}, reverted(RevertAlreadyPublished)
	}
	handles := p.counts[:len(p.info.Options)]
	if err := sv.fhe.VerifyDecryption(handles, cleartextValues, decryptionProof); err != nil {
		return common.Hash{}, reverted(RevertInvalidProof)
	}
	values, err := relayer.DecodeClearValues(cleartextValues)
	if err != nil {
		return common.Hash{}, reverted(RevertInvalidProof)
	}
	counts := make([]uint32, len(values))
	for i, v := range values {
		counts[i] = uint32(v.Uint64())
	}
	p.info.ResultsPublished = true
	p.published = types.PublishedResults{Counts: counts, Published: true}
	return sv.newTx(opts.From, &web3.PollEvent{Name: web3.EventResultsPublished, PollID: pollID}), nil
}

// WaitTx implements orchestrator.Contract. Transactions are mined as soon
// as they are sent.
func (sv *SecureVote) WaitTx(ctx context.Context, hash common.Hash) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("waiting for tx %s: %w", hash.Hex(), err)
	}
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	err, ok := sv.mined[hash]
	if !ok {
		return fmt.Errorf("unknown transaction %s", hash.Hex())
	}
	return err
}

// MonitorPollEvents streams the events of the transactions sent to the
// contract until ctx is done. Only one monitor can run at a time.
func (sv *SecureVote) MonitorPollEvents(ctx context.Context, _ time.Duration) (<-chan *web3.PollEvent, error) {
	ch := make(chan *web3.PollEvent)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sv.events:
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Clock is a settable clock.
type Clock struct {
	mtx sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current time of the clock. A nil clock follows the wall
// clock.
func (c *Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
	ethsigner "github.com/vocdoni/securevote/crypto/signatures/ethereum"
	"github.com/vocdoni/securevote/web3/rpc"
)

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// fakeBackend answers eth_calls with canned ABI encoded outputs and records
// sent transactions. Methods not overridden panic through the nil embedded
// interface.
type fakeBackend struct {
	Backend
	abi *abi.ABI

	mu       sync.Mutex
	outputs  map[string][]any
	calls    map[string]int
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	logs     []gethtypes.Log
	head     uint64
}

func newFakeBackend(c *qt.C) *fakeBackend {
	parsed, err := SecureVoteABI()
	c.Assert(err, qt.IsNil)
	return &fakeBackend{
		abi:      parsed,
		outputs:  make(map[string][]any),
		calls:    make(map[string]int),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method.Name]++
	out, ok := f.outputs[method.Name]
	if !ok {
		return nil, errors.New("execution reverted: Invalid poll")
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(int64(f.head)), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestSecureVoteReads(t *testing.T) {
	c := qt.New(t)
	backend := newFakeBackend(c)
	sv, err := NewSecureVote(testContract, backend)
	c.Assert(err, qt.IsNil)
	ctx := context.Background()
	creator := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	backend.outputs["pollCount"] = []any{big.NewInt(3)}
	backend.outputs["getPollInfo"] = []any{
		"Color", []string{"Red", "Blue"}, uint64(1000), uint64(2000), creator, true, true, false,
	}
	backend.outputs["hasVoted"] = []any{true}
	var handles [4][32]byte
	handles[0][31] = 1
	handles[1][31] = 2
	backend.outputs["getEncryptedCounts"] = []any{handles, uint8(2)}
	backend.outputs["getPublishedResults"] = []any{[]uint32{2, 1}, true}

	count, err := sv.PollCount(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, uint64(3))

	info, err := sv.PollInfo(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(info.ID, qt.Equals, uint64(1))
	c.Assert(info.Name, qt.Equals, "Color")
	c.Assert(info.Options, qt.DeepEquals, []string{"Red", "Blue"})
	c.Assert(info.StartTime, qt.Equals, uint64(1000))
	c.Assert(info.EndTime, qt.Equals, uint64(2000))
	c.Assert(info.Creator, qt.Equals, creator)
	c.Assert(info.Ended, qt.IsTrue)
	c.Assert(info.PublicDecryptionReady, qt.IsTrue)
	c.Assert(info.ResultsPublished, qt.IsFalse)

	voted, err := sv.HasVoted(ctx, 1, creator)
	c.Assert(err, qt.IsNil)
	c.Assert(voted, qt.IsTrue)

	enc, err := sv.EncryptedCounts(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(enc.OptionsCount, qt.Equals, uint8(2))
	c.Assert(enc.Active(), qt.DeepEquals, []common.Hash{common.Hash(handles[0]), common.Hash(handles[1])})

	res, err := sv.PublishedResults(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Published, qt.IsTrue)
	c.Assert(res.Counts, qt.DeepEquals, []uint32{2, 1})
	// published results are cached
	_, err = sv.PublishedResults(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(backend.calls["getPublishedResults"], qt.Equals, 1)

	delete(backend.outputs, "getPollInfo")
	_, err = sv.PollInfo(ctx, 9)
	c.Assert(err, qt.ErrorMatches, ".*Invalid poll.*")
}

func TestSecureVoteUnpublishedResultsNotCached(t *testing.T) {
	c := qt.New(t)
	backend := newFakeBackend(c)
	sv, err := NewSecureVote(testContract, backend)
	c.Assert(err, qt.IsNil)

	backend.outputs["getPublishedResults"] = []any{[]uint32{}, false}
	for range 2 {
		res, err := sv.PublishedResults(context.Background(), 0)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Published, qt.IsFalse)
	}
	c.Assert(backend.calls["getPublishedResults"], qt.Equals, 2)
}

func TestSecureVoteTransactions(t *testing.T) {
	c := qt.New(t)
	backend := newFakeBackend(c)
	sv, err := NewSecureVote(testContract, backend)
	c.Assert(err, qt.IsNil)

	signer, err := ethsigner.NewSigner()
	c.Assert(err, qt.IsNil)
	wallet := NewWallet(signer, 31337)
	opts, err := wallet.TransactOpts(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(opts.From, qt.Equals, signer.Address())

	handle := common.HexToHash("0xaa")
	hash, err := sv.Vote(opts, 3, handle, []byte{0x01, 0x02})
	c.Assert(err, qt.IsNil)
	c.Assert(backend.sent, qt.HasLen, 1)
	tx := backend.sent[0]
	c.Assert(tx.Hash(), qt.Equals, hash)
	c.Assert(*tx.To(), qt.Equals, testContract)
	c.Assert(tx.ChainId().Uint64(), qt.Equals, uint64(31337))

	method, err := sv.ABI().MethodById(tx.Data()[:4])
	c.Assert(err, qt.IsNil)
	c.Assert(method.Name, qt.Equals, "vote")
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	c.Assert(err, qt.IsNil)
	c.Assert(args[0].(*big.Int).Uint64(), qt.Equals, uint64(3))
	c.Assert(common.Hash(args[1].([32]byte)), qt.Equals, handle)
	c.Assert(args[2].([]byte), qt.DeepEquals, []byte{0x01, 0x02})

	opts, err = wallet.TransactOpts(context.Background())
	c.Assert(err, qt.IsNil)
	_, err = sv.CreatePoll(opts, "Color", []string{"Red", "Blue"}, 10, 20)
	c.Assert(err, qt.IsNil)
	method, err = sv.ABI().MethodById(backend.sent[1].Data()[:4])
	c.Assert(err, qt.IsNil)
	c.Assert(method.Name, qt.Equals, "createPoll")
	c.Assert(backend.sent[1].Nonce(), qt.Equals, uint64(1))

	_, err = sv.EndPoll(nil, 0)
	c.Assert(err, qt.ErrorMatches, "endPoll: missing transact options")

	_, err = NewWallet(nil, 1).TransactOpts(context.Background())
	c.Assert(errors.Is(err, ErrNoSigner), qt.IsTrue)
}

func TestWaitTx(t *testing.T) {
	c := qt.New(t)
	backend := newFakeBackend(c)
	sv, err := NewSecureVote(testContract, backend)
	c.Assert(err, qt.IsNil)

	okHash := common.HexToHash("0x01")
	failHash := common.HexToHash("0x02")
	backend.receipts[okHash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)}
	backend.receipts[failHash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(5)}

	c.Assert(sv.WaitTx(context.Background(), okHash), qt.IsNil)

	err = sv.WaitTx(context.Background(), failHash)
	c.Assert(errors.Is(err, ErrTxFailed), qt.IsTrue)
	c.Assert(IsRevert(err), qt.IsTrue)

	// a pending transaction waits until the context ends
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sv.WaitTx(ctx, common.HexToHash("0x03"))
	c.Assert(errors.Is(err, context.DeadlineExceeded), qt.IsTrue)
}

func TestPollEvents(t *testing.T) {
	c := qt.New(t)
	backend := newFakeBackend(c)
	sv, err := NewSecureVote(testContract, backend)
	c.Assert(err, qt.IsNil)

	voter := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	pollTopic := common.BigToHash(big.NewInt(4))
	backend.logs = []gethtypes.Log{
		{
			Address:     testContract,
			Topics:      []common.Hash{sv.ABI().Events[EventVoteCast].ID, pollTopic, common.BytesToHash(voter.Bytes())},
			BlockNumber: 10,
		},
		{
			Address:     testContract,
			Topics:      []common.Hash{sv.ABI().Events[EventPollEnded].ID, pollTopic},
			BlockNumber: 12,
		},
		{
			Address:     testContract,
			Topics:      []common.Hash{common.HexToHash("0xdead"), pollTopic},
			BlockNumber: 12,
		},
	}

	events, err := sv.PollEvents(context.Background(), 0, 20)
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 2)
	c.Assert(events[0].Name, qt.Equals, EventVoteCast)
	c.Assert(events[0].PollID, qt.Equals, uint64(4))
	c.Assert(events[0].Account, qt.Equals, voter)
	c.Assert(events[1].Name, qt.Equals, EventPollEnded)
	c.Assert(events[1].Account, qt.Equals, common.Address{})

	events, err = sv.PollEvents(context.Background(), 11, 20)
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 1)
}

func TestRevertReason(t *testing.T) {
	c := qt.New(t)
	c.Assert(RevertReason(nil), qt.Equals, "")
	c.Assert(RevertReason(errors.New("execution reverted: Poll still active")), qt.Equals, "Poll still active")
	c.Assert(RevertReason(errors.New("execution reverted: Already voted (code: 3, data: 0x)")), qt.Equals, "Already voted")
	c.Assert(RevertReason(errors.New("connection refused")), qt.Equals, "")
	c.Assert(IsRevert(errors.New("Execution reverted")), qt.IsTrue)
	c.Assert(IsRevert(errors.New("nonce too low")), qt.IsFalse)
}

func TestRevertReasonData(t *testing.T) {
	c := qt.New(t)
	stringType, err := abi.NewType("string", "", nil)
	c.Assert(err, qt.IsNil)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("Poll not active")
	c.Assert(err, qt.IsNil)
	data := append(ethcrypto.Keccak256([]byte("Error(string)"))[:4], packed...)

	// the reason is decoded from the data when the message carries none
	err = &rpc.RPCError{Code: 3, Message: "execution reverted", Data: data}
	c.Assert(RevertReason(err), qt.Equals, "Poll not active")
	c.Assert(RevertReason(fmt.Errorf("failed to estimate gas: %w", err)), qt.Equals, "Poll not active")

	// data with a selector outside Error(string) and Panic(uint256) falls
	// back to the message
	err = &rpc.RPCError{Code: 3, Message: "execution reverted", Data: []byte{0xde, 0xad, 0xbe, 0xef}}
	c.Assert(RevertReason(err), qt.Equals, "")
	err = &rpc.RPCError{Code: 3, Message: "execution reverted: Already voted", Data: []byte{0xde, 0xad, 0xbe, 0xef}}
	c.Assert(RevertReason(err), qt.Equals, "Already voted")
	c.Assert(IsRevert(err), qt.IsTrue)
}

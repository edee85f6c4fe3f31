package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/securevote/db"
	"github.com/vocdoni/securevote/db/metadb"
	"github.com/vocdoni/securevote/internal/testutil"
	"github.com/vocdoni/securevote/relayer"
	"github.com/vocdoni/securevote/storage"
	"github.com/vocdoni/securevote/types"
	"github.com/vocdoni/securevote/web3"
)

var now0 = time.Unix(1_700_000_000, 0)

type testEnv struct {
	*testutil.Env
	journal *storage.Storage
	relayer *countingRelayer
}

func newTestEnv(t *testing.T) *testEnv {
	database, err := metadb.New(db.TypeInMem, "")
	qt.Assert(t, err, qt.IsNil)
	stg := storage.New(database)
	t.Cleanup(stg.Close)
	env := testutil.NewEnv(t, now0)
	return &testEnv{
		Env:     env,
		journal: stg,
		relayer: &countingRelayer{Service: env.Relayer},
	}
}

// deps returns the collaborators of a client using wallet seed.
func (e *testEnv) deps(t *testing.T, seed uint64) *Deps {
	return &Deps{
		Contract: e.Contract,
		Wallet:   testutil.DeterministicWallet(t, seed),
		Relayer:  e.relayer,
		Recorder: e.journal,
		Clock:    e.Clock.Now,
	}
}

// createPoll creates a poll with the given options, live from one minute
// ago for an hour, and returns its id.
func (e *testEnv) createPoll(t *testing.T, options ...string) uint64 {
	creator := NewCreator(e.deps(t, 0), nil)
	start := now0.Add(-time.Minute).Unix()
	creator.SetForm(CreatorForm{
		Name:      "Colors",
		Options:   options,
		StartTime: strconv.FormatInt(start, 10),
		EndTime:   strconv.FormatInt(start+3600, 10),
	})
	qt.Assert(t, creator.Create(context.Background()), qt.IsNil)
	count, err := e.Contract.PollCount(context.Background())
	qt.Assert(t, err, qt.IsNil)
	return count - 1
}

func (e *testEnv) session(t *testing.T, pollID, seed uint64) *Session {
	s := NewSession(pollID, e.deps(t, seed))
	qt.Assert(t, s.Refresh(context.Background()), qt.IsNil)
	return s
}

// countingRelayer counts encryption requests and can hold them until
// released.
type countingRelayer struct {
	relayer.Service

	mtx      sync.Mutex
	encrypts int
	hold     chan struct{}
	entered  chan struct{}
}

func (r *countingRelayer) EncryptInput(ctx context.Context, contract, user common.Address, value uint8) (*types.EncryptedInput, error) {
	r.mtx.Lock()
	r.encrypts++
	hold, entered := r.hold, r.entered
	r.hold, r.entered = nil, nil
	r.mtx.Unlock()
	if hold != nil {
		close(entered)
		<-hold
	}
	return r.Service.EncryptInput(ctx, contract, user, value)
}

func (r *countingRelayer) Encrypts() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.encrypts
}

// holdNext makes the next EncryptInput block until release is closed. The
// returned channel is closed once the call is blocked.
func (r *countingRelayer) holdNext(release chan struct{}) <-chan struct{} {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.hold = release
	r.entered = make(chan struct{})
	return r.entered
}

// brokenWallet is connected but cannot sign.
type brokenWallet struct {
	*web3.Wallet
}

func (brokenWallet) TransactOpts(context.Context) (*bind.TransactOpts, error) {
	return nil, web3.ErrNoSigner
}

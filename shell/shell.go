// Package shell composes the poll sessions and the creation form of one
// client. It owns the active contract address and the connected wallet, and
// rebuilds every session when the contract address changes.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/orchestrator"
	"github.com/vocdoni/securevote/poll"
	"github.com/vocdoni/securevote/relayer"
	"github.com/vocdoni/securevote/types"
	"golang.org/x/sync/errgroup"
)

// DefaultRefreshLimit is the number of polls refreshed concurrently when no
// limit is configured.
const DefaultRefreshLimit = 8

var (
	// ErrNoContract is returned when an operation needs a contract and no
	// valid address is set.
	ErrNoContract = errors.New("no valid contract address set")
	// ErrPollNotFound is returned for poll ids at or beyond the poll count.
	ErrPollNotFound = errors.New("poll not found")
)

// ContractFactory binds the contract deployed at address.
type ContractFactory func(address common.Address) (orchestrator.Contract, error)

// Config holds the collaborators of a shell. Recorder and Clock are
// optional.
type Config struct {
	Wallet       orchestrator.Wallet
	Relayer      relayer.Service
	Recorder     orchestrator.Recorder
	NewContract  ContractFactory
	Clock        func() time.Time
	RefreshLimit int
}

// Shell is safe for concurrent use.
type Shell struct {
	cfg Config

	// changeMtx serializes contract changes along with their hooks
	changeMtx sync.Mutex
	hooks     []func(orchestrator.Contract)

	mtx          sync.RWMutex
	addressInput string
	deps         *orchestrator.Deps
	pollCount    uint64
	sessions     map[uint64]*orchestrator.Session
	creator      *orchestrator.Creator
}

// New returns a shell without contract address.
func New(cfg Config) (*Shell, error) {
	if cfg.NewContract == nil {
		return nil, fmt.Errorf("missing contract factory")
	}
	if cfg.RefreshLimit <= 0 {
		cfg.RefreshLimit = DefaultRefreshLimit
	}
	s := &Shell{
		cfg:      cfg,
		sessions: make(map[uint64]*orchestrator.Session),
	}
	s.deps = s.newDeps(nil)
	s.creator = orchestrator.NewCreator(s.deps, s.onPollCreated)
	return s, nil
}

func (s *Shell) newDeps(contract orchestrator.Contract) *orchestrator.Deps {
	return &orchestrator.Deps{
		Contract: contract,
		Wallet:   s.cfg.Wallet,
		Relayer:  s.cfg.Relayer,
		Recorder: s.cfg.Recorder,
		Clock:    s.cfg.Clock,
	}
}

func (s *Shell) onPollCreated(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		log.Warnw("failed to refresh polls after creation", "error", err.Error())
	}
}

// OnContractChange registers fn to be called after every SetContractAddress
// with the newly bound contract, or nil when the address is invalid. Hooks
// run in registration order and must not call SetContractAddress.
func (s *Shell) OnContractChange(fn func(orchestrator.Contract)) {
	s.changeMtx.Lock()
	defer s.changeMtx.Unlock()
	s.hooks = append(s.hooks, fn)
}

// SetContractAddress sets the address typed by the user. Every session is
// discarded, along with its local tally. An invalid address leaves the shell
// without contract and returns a ValidationError; the input is kept so it
// can be shown back.
func (s *Shell) SetContractAddress(input string) error {
	s.changeMtx.Lock()
	defer s.changeMtx.Unlock()

	var contract orchestrator.Contract
	addr, err := types.ParseAddress(input)
	if err == nil {
		if contract, err = s.cfg.NewContract(addr); err != nil {
			contract = nil
			log.Warnw("failed to bind contract", "contract", addr.Hex(), "error", err.Error())
		}
	}

	s.mtx.Lock()
	for _, session := range s.sessions {
		session.Discard()
	}
	s.addressInput = input
	s.sessions = make(map[uint64]*orchestrator.Session)
	s.pollCount = 0
	s.deps = s.newDeps(contract)
	s.creator.SetDeps(s.deps)
	s.mtx.Unlock()

	for _, hook := range s.hooks {
		hook(contract)
	}
	if err != nil {
		return &orchestrator.ValidationError{Message: "Set a valid contract address."}
	}
	log.Infow("contract address set", "contract", addr.Hex())
	return nil
}

// ContractAddress returns the address input and whether it is a valid,
// bound contract.
func (s *Shell) ContractAddress() (string, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.addressInput, s.deps.Contract != nil
}

// Contract returns the bound contract, or nil.
func (s *Shell) Contract() orchestrator.Contract {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.deps.Contract
}

// WalletAddress returns the connected account, or the zero address.
func (s *Shell) WalletAddress() common.Address {
	if s.cfg.Wallet == nil || !s.cfg.Wallet.Connected() {
		return common.Address{}
	}
	return s.cfg.Wallet.Address()
}

// RelayerReady reports whether the encryption service can take requests.
func (s *Shell) RelayerReady() bool {
	return s.cfg.Relayer != nil && s.cfg.Relayer.Ready()
}

// Creator returns the poll creation form.
func (s *Shell) Creator() *orchestrator.Creator {
	return s.creator
}

// Refresh reads the poll count and refreshes every poll concurrently. A
// poll that fails to load is logged and keeps its previous state.
func (s *Shell) Refresh(ctx context.Context) error {
	s.mtx.RLock()
	deps := s.deps
	s.mtx.RUnlock()
	if deps.Contract == nil {
		return ErrNoContract
	}
	count, err := deps.Contract.PollCount(ctx)
	if err != nil {
		return orchestrator.NewRemoteCallError("pollCount", "Failed to load polls.", err)
	}

	s.mtx.Lock()
	if s.deps != deps {
		// the contract changed while loading
		s.mtx.Unlock()
		return nil
	}
	s.pollCount = count
	sessions := make([]*orchestrator.Session, 0, count)
	for _, id := range poll.IDsNewestFirst(count) {
		session, ok := s.sessions[id]
		if !ok {
			session = orchestrator.NewSession(id, deps)
			s.sessions[id] = session
		}
		sessions = append(sessions, session)
	}
	s.mtx.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RefreshLimit)
	for _, session := range sessions {
		g.Go(func() error {
			if err := session.Refresh(gctx); err != nil {
				log.Warnw("failed to refresh poll", "pollId", session.PollID(), "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Debugw("polls refreshed", "contract", deps.Contract.Address().Hex(), "count", count)
	return nil
}

// RefreshPoll refreshes one poll. An id beyond the known count triggers a
// full refresh, since the poll may have just been created.
func (s *Shell) RefreshPoll(ctx context.Context, id uint64) error {
	s.mtx.RLock()
	session, ok := s.sessions[id]
	s.mtx.RUnlock()
	if !ok {
		return s.Refresh(ctx)
	}
	return session.Refresh(ctx)
}

// PollIDs returns the known poll ids, newest first.
func (s *Shell) PollIDs() []uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return poll.IDsNewestFirst(s.pollCount)
}

// Session returns the session of poll id.
func (s *Shell) Session(id uint64) (*orchestrator.Session, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.deps.Contract == nil {
		return nil, ErrNoContract
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPollNotFound, id)
	}
	return session, nil
}

// Polls returns the view of every known poll, newest first.
func (s *Shell) Polls() []*orchestrator.SessionView {
	s.mtx.RLock()
	ids := poll.IDsNewestFirst(s.pollCount)
	sessions := make([]*orchestrator.Session, 0, len(ids))
	for _, id := range ids {
		if session, ok := s.sessions[id]; ok {
			sessions = append(sessions, session)
		}
	}
	s.mtx.RUnlock()

	views := make([]*orchestrator.SessionView, len(sessions))
	for i, session := range sessions {
		views[i] = session.View()
	}
	return views
}

// Close discards every local tally.
func (s *Shell) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, session := range s.sessions {
		session.Discard()
	}
}

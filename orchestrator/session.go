package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/poll"
	"github.com/vocdoni/securevote/storage"
	"github.com/vocdoni/securevote/types"
)

// Session runs the operations of a single poll for one client. It holds the
// last values read from the contract, the current operation and the local
// decrypted tally, which lives only as long as the session. It is safe for
// concurrent use; the mutex is never held during network calls.
type Session struct {
	pollID uint64
	deps   *Deps

	mtx       sync.Mutex
	info      *types.PollInfo
	hasVoted  bool
	published *types.PublishedResults
	tally     *types.DecryptedTally
	state     types.OperationState
	feedback  Feedback
}

// SessionView is the state of a session as shown to the user.
type SessionView struct {
	*poll.View
	PollID   uint64               `json:"pollId"`
	State    types.OperationState `json:"state"`
	Feedback Feedback             `json:"feedback"`
}

// NewSession returns an idle session for pollID. Nothing is loaded until
// Refresh is called.
func NewSession(pollID uint64, deps *Deps) *Session {
	return &Session{pollID: pollID, deps: deps}
}

// PollID returns the id of the poll.
func (s *Session) PollID() uint64 {
	return s.pollID
}

// View computes the current view of the poll.
func (s *Session) View() *SessionView {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return &SessionView{
		View:     s.viewLocked(),
		PollID:   s.pollID,
		State:    s.state,
		Feedback: s.feedback,
	}
}

func (s *Session) viewLocked() *poll.View {
	return poll.NewView(s.deps.now(), poll.Inputs{
		Info:      s.info,
		HasVoted:  s.hasVoted,
		Published: s.published,
		Tally:     s.tally,
	})
}

// State returns the running operation.
func (s *Session) State() types.OperationState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Feedback returns the outcome of the last operation.
func (s *Session) Feedback() Feedback {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.feedback
}

// Tally returns a copy of the local decrypted tally, or nil.
func (s *Session) Tally() *types.DecryptedTally {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.tally == nil {
		return nil
	}
	t := *s.tally
	t.Counts = slices.Clone(s.tally.Counts)
	return &t
}

// Discard drops the local tally.
func (s *Session) Discard() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tally = nil
}

// Refresh reads the poll info, the voter flag of the connected wallet and
// the published results.
func (s *Session) Refresh(ctx context.Context) error {
	contract := s.deps.Contract
	if contract == nil {
		return invalid("Set a valid contract address.")
	}
	info, err := contract.PollInfo(ctx, s.pollID)
	if err != nil {
		return remoteError("refresh", "Failed to load poll.", err)
	}
	hasVoted := false
	if s.deps.walletConnected() {
		if hasVoted, err = contract.HasVoted(ctx, s.pollID, s.deps.Wallet.Address()); err != nil {
			return remoteError("refresh", "Failed to load poll.", err)
		}
	}
	published, err := contract.PublishedResults(ctx, s.pollID)
	if err != nil {
		return remoteError("refresh", "Failed to load poll.", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.info = info
	s.hasVoted = hasVoted
	s.published = published
	return nil
}

// refreshAfter refreshes after a successful write. A failed refresh does not
// fail the operation.
func (s *Session) refreshAfter(ctx context.Context, op string) {
	if err := s.Refresh(ctx); err != nil {
		log.Warnw("failed to refresh poll", "pollId", s.pollID, "op", op, "error", err.Error())
	}
}

// begin moves the session into op, failing with ErrBusy if another
// operation is running.
func (s *Session) begin(op types.OperationState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state.Busy() {
		return ErrBusy
	}
	s.state = op
	s.feedback = Feedback{}
	return nil
}

// end returns the session to idle and records the outcome.
func (s *Session) end(success string, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.state = types.OperationIdle
	s.feedback = feedbackFor(success, err)
}

func (s *Session) snapshot() (*types.PollInfo, *poll.View, *types.DecryptedTally) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.info, s.viewLocked(), s.tally
}

// SubmitVote encrypts optionIndex for the connected wallet and casts it.
func (s *Session) SubmitVote(ctx context.Context, optionIndex int) error {
	if err := s.begin(types.OperationVoting); err != nil {
		return err
	}
	err := s.submitVote(ctx, optionIndex)
	s.end("Vote submitted.", err)
	return err
}

func (s *Session) submitVote(ctx context.Context, optionIndex int) error {
	if !s.deps.walletConnected() {
		return invalid("Connect your wallet to vote.")
	}
	if !s.deps.relayerReady() {
		return invalid("Encryption service is still loading.")
	}
	info, view, _ := s.snapshot()
	if !info.ValidOption(optionIndex) {
		return invalid("Select an option before voting.")
	}
	contract := s.deps.Contract
	if contract == nil {
		return invalid("Set a valid contract address to vote.")
	}
	if !view.CanVote {
		if view.HasVoted {
			return invalid("You already voted in this poll.")
		}
		return invalid("Voting is not open for this poll.")
	}

	opts, err := s.deps.transactOpts(ctx)
	if err != nil {
		return err
	}
	const fallback = "Failed to submit vote."
	input, err := s.deps.Relayer.EncryptInput(ctx, contract.Address(), s.deps.Wallet.Address(), uint8(optionIndex))
	if err != nil {
		return remoteError(storage.TxOpVote, fallback, err)
	}
	if len(input.Handles) == 0 {
		return remoteError(storage.TxOpVote, fallback, fmt.Errorf("encryption service returned no handles"))
	}
	if err := s.deps.send(ctx, contract, opts, storage.TxOpVote, &s.pollID, func(opts *bind.TransactOpts) (common.Hash, error) {
		return contract.Vote(opts, s.pollID, input.Handles[0], input.InputProof)
	}); err != nil {
		return remoteError(storage.TxOpVote, fallback, err)
	}

	s.mtx.Lock()
	s.hasVoted = true
	s.mtx.Unlock()
	log.Infow("vote submitted", "pollId", s.pollID, "voter", s.deps.Wallet.Address().Hex())
	s.refreshAfter(ctx, storage.TxOpVote)
	return nil
}

// EndPoll closes the poll once its end time has passed, making the tally
// publicly decryptable.
func (s *Session) EndPoll(ctx context.Context) error {
	if err := s.begin(types.OperationEnding); err != nil {
		return err
	}
	err := s.endPoll(ctx)
	s.end("Poll ended. Public decryption is now available.", err)
	return err
}

func (s *Session) endPoll(ctx context.Context) error {
	contract := s.deps.Contract
	if contract == nil {
		return invalid("Set a valid contract address to end the poll.")
	}
	info, view, _ := s.snapshot()
	if !view.CanEnd {
		switch {
		case info == nil:
			return invalid("Poll is not loaded.")
		case info.PublicDecryptionReady:
			return invalid("Poll already ended.")
		default:
			return invalid("Poll still active.")
		}
	}
	opts, err := s.deps.transactOpts(ctx)
	if err != nil {
		return err
	}
	if err := s.deps.send(ctx, contract, opts, storage.TxOpEndPoll, &s.pollID, func(opts *bind.TransactOpts) (common.Hash, error) {
		return contract.EndPoll(opts, s.pollID)
	}); err != nil {
		return remoteError(storage.TxOpEndPoll, "Failed to end poll.", err)
	}
	log.Infow("poll ended", "pollId", s.pollID)
	s.refreshAfter(ctx, storage.TxOpEndPoll)
	return nil
}

// DecryptResults requests the public decryption of the poll tally and keeps
// the result locally until it is published. Only the first optionsCount
// handles of the encrypted counts are decrypted; a handle missing from the
// response counts as zero.
func (s *Session) DecryptResults(ctx context.Context) (*types.DecryptedTally, error) {
	if err := s.begin(types.OperationDecrypting); err != nil {
		return nil, err
	}
	err := s.decryptResults(ctx)
	s.end("Results decrypted locally. Ready to publish.", err)
	if err != nil {
		return nil, err
	}
	return s.Tally(), nil
}

func (s *Session) decryptResults(ctx context.Context) error {
	if !s.deps.relayerReady() {
		return invalid("Encryption service is still loading.")
	}
	contract := s.deps.Contract
	if contract == nil {
		return invalid("Set a valid contract address to decrypt results.")
	}
	if _, view, _ := s.snapshot(); !view.CanDecrypt {
		return invalid("Public decryption is not available yet.")
	}

	const fallback = "Failed to decrypt results."
	counts, err := contract.EncryptedCounts(ctx, s.pollID)
	if err != nil {
		return remoteError("decrypt", fallback, err)
	}
	if counts == nil || counts.OptionsCount == 0 {
		return remoteError("decrypt", "Unable to load encrypted counts.", fmt.Errorf("no encrypted counts for poll %d", s.pollID))
	}
	if int(counts.OptionsCount) > types.EncryptedCountsCapacity {
		return remoteError("decrypt", fallback, fmt.Errorf("poll %d reports %d options for %d count slots",
			s.pollID, counts.OptionsCount, types.EncryptedCountsCapacity))
	}
	handles := counts.Active()
	res, err := s.deps.Relayer.PublicDecrypt(ctx, handles)
	if err != nil {
		return remoteError("decrypt", fallback, err)
	}
	values := make([]uint64, len(handles))
	for i, h := range handles {
		v, ok := res.ClearValues[h]
		if !ok || v == nil {
			continue
		}
		if v.Sign() < 0 || !v.IsUint64() {
			return remoteError("decrypt", fallback, fmt.Errorf("clear value %s of option %d out of range", v, i))
		}
		values[i] = v.Uint64()
	}

	tally := &types.DecryptedTally{
		ID:            uuid.New(),
		PollID:        s.pollID,
		Counts:        values,
		EncodedValues: res.AbiEncodedClearValues,
		Proof:         res.DecryptionProof,
		DecryptedAt:   s.deps.now(),
	}
	s.mtx.Lock()
	s.tally = tally
	s.mtx.Unlock()
	log.Infow("results decrypted", "pollId", s.pollID, "counts", values)
	return nil
}

// PublishResults submits the local tally and its proof to the contract. The
// tally is dropped once published.
func (s *Session) PublishResults(ctx context.Context) error {
	if err := s.begin(types.OperationPublishing); err != nil {
		return err
	}
	err := s.publishResults(ctx)
	s.end("Results published on-chain.", err)
	return err
}

func (s *Session) publishResults(ctx context.Context) error {
	_, view, tally := s.snapshot()
	if tally == nil {
		return invalid("Decrypt results first.")
	}
	contract := s.deps.Contract
	if contract == nil {
		return invalid("Set a valid contract address to publish results.")
	}
	if view.Published {
		return invalid("Results already published.")
	}
	opts, err := s.deps.transactOpts(ctx)
	if err != nil {
		return err
	}
	if err := s.deps.send(ctx, contract, opts, storage.TxOpPublishResults, &s.pollID, func(opts *bind.TransactOpts) (common.Hash, error) {
		return contract.PublishResults(opts, s.pollID, tally.EncodedValues, tally.Proof)
	}); err != nil {
		return remoteError(storage.TxOpPublishResults, "Failed to publish results.", err)
	}

	s.mtx.Lock()
	if s.tally != nil && s.tally.ID == tally.ID {
		s.tally = nil
	}
	s.mtx.Unlock()
	log.Infow("results published", "pollId", s.pollID, "counts", tally.Counts)
	s.refreshAfter(ctx, storage.TxOpPublishResults)
	return nil
}

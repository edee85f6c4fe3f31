package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/securevote/internal/testutil"
	"github.com/vocdoni/securevote/storage"
	"github.com/vocdoni/securevote/types"
	"github.com/vocdoni/securevote/web3"
	"github.com/vocdoni/securevote/web3/simulated"
)

func TestSessionLifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue")

	alice := env.session(t, pollID, 1)
	view := alice.View()
	c.Assert(view.Status, qt.Equals, types.PollStatusLive)
	c.Assert(view.CanVote, qt.IsTrue)
	c.Assert(view.CanEnd, qt.IsFalse)
	c.Assert(view.Creator, qt.Equals, types.ShortAddress(testutil.DeterministicWallet(t, 0).Address()))

	c.Assert(alice.SubmitVote(ctx, 1), qt.IsNil)
	c.Assert(alice.Feedback(), qt.DeepEquals, Feedback{Success: "Vote submitted."})
	view = alice.View()
	c.Assert(view.HasVoted, qt.IsTrue)
	c.Assert(view.CanVote, qt.IsFalse)

	err := alice.SubmitVote(ctx, 0)
	c.Assert(IsValidation(err), qt.IsTrue)
	c.Assert(UserMessage(err), qt.Equals, "You already voted in this poll.")
	c.Assert(env.Contract.Calls("vote"), qt.Equals, 1)

	bob := env.session(t, pollID, 2)
	c.Assert(bob.SubmitVote(ctx, 1), qt.IsNil)
	carol := env.session(t, pollID, 3)
	c.Assert(carol.SubmitVote(ctx, 0), qt.IsNil)

	// still live
	err = alice.EndPoll(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Poll still active.")
	c.Assert(env.Contract.Calls("endPoll"), qt.Equals, 0)

	env.Clock.Advance(2 * time.Hour)
	view = alice.View()
	c.Assert(view.Status, qt.Equals, types.PollStatusEnded)
	c.Assert(view.CanEnd, qt.IsTrue)
	c.Assert(view.CanDecrypt, qt.IsFalse)

	_, err = alice.DecryptResults(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Public decryption is not available yet.")

	c.Assert(alice.EndPoll(ctx), qt.IsNil)
	c.Assert(alice.Feedback().Success, qt.Equals, "Poll ended. Public decryption is now available.")
	view = alice.View()
	c.Assert(view.CanEnd, qt.IsFalse)
	c.Assert(view.CanDecrypt, qt.IsTrue)
	c.Assert(view.Poll.PublicDecryptionReady, qt.IsTrue)

	err = alice.EndPoll(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Poll already ended.")

	tally, err := alice.DecryptResults(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tally.PollID, qt.Equals, pollID)
	c.Assert(tally.Counts, qt.DeepEquals, []uint64{1, 2})
	c.Assert(alice.Feedback().Success, qt.Equals, "Results decrypted locally. Ready to publish.")

	again, err := alice.DecryptResults(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(again.Counts, qt.DeepEquals, tally.Counts)
	c.Assert(again.EncodedValues, qt.DeepEquals, tally.EncodedValues)
	c.Assert(again.Proof, qt.DeepEquals, tally.Proof)

	view = alice.View()
	c.Assert(view.CanPublish, qt.IsTrue)
	c.Assert(view.Decrypted, qt.HasLen, 2)
	c.Assert(view.Decrypted[1].Option, qt.Equals, "Blue")
	c.Assert(view.Decrypted[1].Count, qt.Equals, uint64(2))

	c.Assert(alice.PublishResults(ctx), qt.IsNil)
	c.Assert(alice.Feedback().Success, qt.Equals, "Results published on-chain.")
	c.Assert(alice.Tally(), qt.IsNil)
	view = alice.View()
	c.Assert(view.Published, qt.IsTrue)
	c.Assert(view.CanPublish, qt.IsFalse)
	c.Assert(view.Results, qt.HasLen, 2)
	c.Assert(view.Results[0].Count, qt.Equals, uint64(1))
	c.Assert(view.Results[1].Count, qt.Equals, uint64(2))

	err = alice.PublishResults(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Decrypt results first.")

	// a second client that decrypts after publication cannot publish again
	c.Assert(bob.Refresh(ctx), qt.IsNil)
	_, err = bob.DecryptResults(ctx)
	c.Assert(err, qt.IsNil)
	err = bob.PublishResults(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Results already published.")
	c.Assert(env.Contract.Calls("publishResults"), qt.Equals, 1)

	recs, err := env.journal.ListTxs(storage.TxFilter{PollID: &pollID})
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 5)
	for _, rec := range recs {
		c.Assert(rec.Status, qt.Equals, storage.TxStatusConfirmed)
	}
	c.Assert(recs[0].Op, qt.Equals, storage.TxOpPublishResults)
	c.Assert(recs[1].Op, qt.Equals, storage.TxOpEndPoll)
}

func TestSubmitVotePreconditions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue")

	c.Run("option out of range", func(c *qt.C) {
		s := env.session(t, pollID, 1)
		for _, option := range []int{-1, 2, 4} {
			err := s.SubmitVote(ctx, option)
			c.Assert(UserMessage(err), qt.Equals, "Select an option before voting.")
		}
		c.Assert(env.relayer.Encrypts(), qt.Equals, 0)
		c.Assert(env.Contract.Calls("vote"), qt.Equals, 0)
	})

	c.Run("wallet is checked first", func(c *qt.C) {
		deps := env.deps(t, 1)
		deps.Wallet = web3.NewWallet(nil, testutil.SepoliaChainID())
		deps.Relayer = nil
		s := NewSession(pollID, deps)
		err := s.SubmitVote(ctx, 0)
		c.Assert(UserMessage(err), qt.Equals, "Connect your wallet to vote.")
	})

	c.Run("relayer not ready", func(c *qt.C) {
		env.Relayer.SetReady(false)
		defer env.Relayer.SetReady(true)
		s := env.session(t, pollID, 1)
		err := s.SubmitVote(ctx, 0)
		c.Assert(UserMessage(err), qt.Equals, "Encryption service is still loading.")
		c.Assert(s.State(), qt.Equals, types.OperationIdle)
	})

	c.Run("no contract", func(c *qt.C) {
		s := env.session(t, pollID, 1)
		s.deps = env.deps(t, 1)
		s.deps.Contract = nil
		err := s.SubmitVote(ctx, 0)
		c.Assert(UserMessage(err), qt.Equals, "Set a valid contract address to vote.")
	})

	c.Run("upcoming poll", func(c *qt.C) {
		creator := NewCreator(env.deps(t, 0), nil)
		creator.SetForm(CreatorForm{
			Name:      "Later",
			Options:   []string{"A", "B"},
			StartTime: fmt.Sprint(now0.Add(time.Hour).Unix()),
			EndTime:   fmt.Sprint(now0.Add(2 * time.Hour).Unix()),
		})
		c.Assert(creator.Create(ctx), qt.IsNil)
		s := env.session(t, pollID+1, 1)
		c.Assert(s.View().Status, qt.Equals, types.PollStatusUpcoming)
		err := s.SubmitVote(ctx, 0)
		c.Assert(UserMessage(err), qt.Equals, "Voting is not open for this poll.")
	})

	c.Run("signer unavailable", func(c *qt.C) {
		deps := env.deps(t, 1)
		deps.Wallet = brokenWallet{testutil.DeterministicWallet(t, 1)}
		s := NewSession(pollID, deps)
		c.Assert(s.Refresh(ctx), qt.IsNil)
		err := s.SubmitVote(ctx, 0)
		c.Assert(err, qt.ErrorIs, ErrSignerUnavailable)
		c.Assert(s.Feedback().Error, qt.Equals, "Wallet signer not available.")
	})

	c.Assert(env.Contract.Calls("vote"), qt.Equals, 0)
}

func TestEndPollRevertedByContract(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue")

	// the client clock runs ahead of the chain
	deps := env.deps(t, 1)
	deps.Clock = func() time.Time { return env.Clock.Now().Add(2 * time.Hour) }
	s := NewSession(pollID, deps)
	c.Assert(s.Refresh(ctx), qt.IsNil)
	c.Assert(s.View().CanEnd, qt.IsTrue)

	err := s.EndPoll(ctx)
	c.Assert(IsRemote(err), qt.IsTrue)
	c.Assert(UserMessage(err), qt.Equals, simulated.RevertStillActive)
	c.Assert(s.Feedback().Error, qt.Equals, simulated.RevertStillActive)
	c.Assert(env.Contract.Calls("endPoll"), qt.Equals, 1)

	var rerr *RemoteCallError
	c.Assert(errors.As(err, &rerr), qt.IsTrue)
	c.Assert(rerr.Op, qt.Equals, storage.TxOpEndPoll)

	recs, err := env.journal.ListTxs(storage.TxFilter{PollID: &pollID})
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 0)
}

func TestMinedTransactionFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue")

	s := env.session(t, pollID, 1)
	env.Contract.FailNextWait(fmt.Errorf("%w: out of gas", web3.ErrTxFailed))
	err := s.SubmitVote(ctx, 0)
	c.Assert(IsRemote(err), qt.IsTrue)
	c.Assert(err, qt.ErrorIs, web3.ErrTxFailed)
	c.Assert(s.View().HasVoted, qt.IsFalse)

	recs, err := env.journal.ListTxs(storage.TxFilter{PollID: &pollID})
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 1)
	c.Assert(recs[0].Status, qt.Equals, storage.TxStatusFailed)
	c.Assert(recs[0].Error, qt.Equals, "transaction reverted: out of gas")
}

func TestPublishWithoutDecrypt(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue")
	env.Clock.Advance(2 * time.Hour)

	s := env.session(t, pollID, 1)
	c.Assert(s.EndPoll(ctx), qt.IsNil)

	err := s.PublishResults(ctx)
	c.Assert(IsValidation(err), qt.IsTrue)
	c.Assert(UserMessage(err), qt.Equals, "Decrypt results first.")
	c.Assert(env.Contract.Calls("publishResults"), qt.Equals, 0)

	// nobody voted, every count decrypts to zero
	tally, err := s.DecryptResults(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Counts, qt.DeepEquals, []uint64{0, 0})

	s.Discard()
	c.Assert(s.Tally(), qt.IsNil)
	c.Assert(s.View().CanPublish, qt.IsFalse)
}

func TestDecryptRelayerErrors(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue", "Green")
	env.Clock.Advance(2 * time.Hour)

	s := env.session(t, pollID, 1)
	c.Assert(s.EndPoll(ctx), qt.IsNil)

	env.Relayer.SetReady(false)
	_, err := s.DecryptResults(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Encryption service is still loading.")
	env.Relayer.SetReady(true)

	tally, err := s.DecryptResults(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Counts, qt.HasLen, 3)

	s.deps = env.deps(t, 1)
	s.deps.Contract = nil
	_, err = s.DecryptResults(ctx)
	c.Assert(UserMessage(err), qt.Equals, "Set a valid contract address to decrypt results.")
}

func TestSessionBusy(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	pollID := env.createPoll(t, "Red", "Blue")
	s := env.session(t, pollID, 1)

	release := make(chan struct{})
	entered := env.relayer.holdNext(release)
	done := make(chan error, 1)
	go func() { done <- s.SubmitVote(ctx, 0) }()
	<-entered

	c.Assert(s.State(), qt.Equals, types.OperationVoting)
	c.Assert(s.View().State, qt.Equals, types.OperationVoting)
	c.Assert(s.SubmitVote(ctx, 1), qt.ErrorIs, ErrBusy)
	c.Assert(s.EndPoll(ctx), qt.ErrorIs, ErrBusy)
	_, err := s.DecryptResults(ctx)
	c.Assert(err, qt.ErrorIs, ErrBusy)
	c.Assert(s.PublishResults(ctx), qt.ErrorIs, ErrBusy)

	close(release)
	c.Assert(<-done, qt.IsNil)
	c.Assert(s.State(), qt.Equals, types.OperationIdle)
	c.Assert(env.Contract.Calls("vote"), qt.Equals, 1)
}

func TestRefreshUnknownPoll(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	s := NewSession(7, env.deps(t, 1))
	err := s.Refresh(context.Background())
	c.Assert(IsRemote(err), qt.IsTrue)
	c.Assert(UserMessage(err), qt.Equals, simulated.RevertUnknownPoll)
	c.Assert(s.View().Status, qt.Equals, types.PollStatusUnknown)

	deps := env.deps(t, 1)
	deps.Contract = nil
	err = NewSession(0, deps).Refresh(context.Background())
	c.Assert(UserMessage(err), qt.Equals, "Set a valid contract address.")
}

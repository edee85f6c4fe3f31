package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/securevote/internal/testutil"
	"github.com/vocdoni/securevote/storage"
	"github.com/vocdoni/securevote/types"
	"github.com/vocdoni/securevote/web3"
)

func validForm() CreatorForm {
	return CreatorForm{
		Name:      "Best Snack",
		Options:   []string{"Tacos", "Pizza"},
		StartTime: fmt.Sprint(now0.Unix()),
		EndTime:   fmt.Sprint(now0.Add(time.Hour).Unix()),
	}
}

func TestCreatorValidation(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	tests := []struct {
		name string
		edit func(*CreatorForm, *Deps)
		want string
	}{
		{"no contract", func(_ *CreatorForm, d *Deps) { d.Contract = nil },
			"Set a valid contract address before creating a poll."},
		{"no wallet", func(_ *CreatorForm, d *Deps) { d.Wallet = web3.NewWallet(nil, testutil.SepoliaChainID()) },
			"Connect your wallet to create a poll."},
		{"contract checked before wallet", func(_ *CreatorForm, d *Deps) { d.Contract = nil; d.Wallet = nil },
			"Set a valid contract address before creating a poll."},
		{"blank name", func(f *CreatorForm, _ *Deps) { f.Name = "   " },
			"Poll name is required."},
		{"one option", func(f *CreatorForm, _ *Deps) { f.Options = []string{"Tacos"} },
			"Provide between 2 and 4 options."},
		{"five options", func(f *CreatorForm, _ *Deps) { f.Options = []string{"a", "b", "c", "d", "e"} },
			"Provide between 2 and 4 options."},
		{"blank label", func(f *CreatorForm, _ *Deps) { f.Options = []string{"Tacos", " "} },
			"Every option needs a label."},
		{"missing start", func(f *CreatorForm, _ *Deps) { f.StartTime = "" },
			"Start and end time are required."},
		{"garbage end", func(f *CreatorForm, _ *Deps) { f.EndTime = "tomorrow" },
			"Start and end time are required."},
		{"end equals start", func(f *CreatorForm, _ *Deps) { f.EndTime = f.StartTime },
			"End time must be after the start time."},
		{"end before start", func(f *CreatorForm, _ *Deps) { f.StartTime, f.EndTime = f.EndTime, f.StartTime },
			"End time must be after the start time."},
	}
	for _, tt := range tests {
		c.Run(tt.name, func(c *qt.C) {
			deps := env.deps(t, 0)
			form := validForm()
			tt.edit(&form, deps)
			creator := NewCreator(deps, func(context.Context) { c.Fatal("unexpected creation") })
			creator.SetForm(form)

			err := creator.Create(context.Background())
			c.Assert(IsValidation(err), qt.IsTrue)
			c.Assert(UserMessage(err), qt.Equals, tt.want)
			c.Assert(creator.Feedback(), qt.DeepEquals, Feedback{Error: tt.want})
			c.Assert(creator.State(), qt.Equals, types.OperationIdle)
			// the rejected form is kept for editing
			c.Assert(creator.Form(), qt.DeepEquals, form)
		})
	}
	c.Assert(env.Contract.TotalCalls(), qt.Equals, 0)
}

func TestCreatorCreate(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	created := 0
	creator := NewCreator(env.deps(t, 0), func(context.Context) { created++ })
	form := validForm()
	form.Name = "  Best Snack "
	form.Options = []string{" Tacos", "Pizza ", "Sushi"}
	creator.SetForm(form)

	c.Assert(creator.Create(ctx), qt.IsNil)
	c.Assert(created, qt.Equals, 1)
	c.Assert(creator.Feedback(), qt.DeepEquals, Feedback{Success: "Poll created successfully."})

	reset := creator.Form()
	c.Assert(reset.Name, qt.Equals, "")
	c.Assert(reset.Options, qt.DeepEquals, []string{"", ""})
	c.Assert(reset.StartTime, qt.Equals, now0.Format(DateTimeLocalLayout))
	c.Assert(reset.EndTime, qt.Equals, now0.Add(time.Hour).Format(DateTimeLocalLayout))

	info, err := env.Contract.PollInfo(ctx, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Name, qt.Equals, "Best Snack")
	c.Assert(info.Options, qt.DeepEquals, []string{"Tacos", "Pizza", "Sushi"})
	c.Assert(info.StartTime, qt.Equals, uint64(now0.Unix()))
	c.Assert(info.EndTime, qt.Equals, uint64(now0.Add(time.Hour).Unix()))
	c.Assert(info.Creator, qt.Equals, testutil.DeterministicWallet(t, 0).Address())

	recs, err := env.journal.ListTxs(storage.TxFilter{})
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 1)
	c.Assert(recs[0].Op, qt.Equals, storage.TxOpCreatePoll)
	c.Assert(recs[0].PollID, qt.IsNil)
	c.Assert(recs[0].Status, qt.Equals, storage.TxStatusConfirmed)
}

func TestCreatorOptions(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	creator := NewCreator(env.deps(t, 0), nil)

	c.Assert(creator.RemoveOption(0), qt.IsFalse)
	c.Assert(creator.AddOption(), qt.IsTrue)
	c.Assert(creator.AddOption(), qt.IsTrue)
	c.Assert(creator.AddOption(), qt.IsFalse)
	c.Assert(creator.Form().Options, qt.HasLen, 4)

	for i, label := range []string{"a", "b", "c", "d"} {
		c.Assert(creator.SetOption(i, label), qt.IsNil)
	}
	c.Assert(creator.SetOption(4, "e"), qt.ErrorMatches, "option 4 out of range")

	c.Assert(creator.RemoveOption(9), qt.IsFalse)
	c.Assert(creator.RemoveOption(1), qt.IsTrue)
	c.Assert(creator.Form().Options, qt.DeepEquals, []string{"a", "c", "d"})

	creator.SetName("Letters")
	creator.SetTimes("1", "2")
	f := creator.Form()
	c.Assert(f.Name, qt.Equals, "Letters")
	c.Assert(f.StartTime, qt.Equals, "1")

	// Form returns a copy
	f.Options[0] = "z"
	c.Assert(creator.Form().Options[0], qt.Equals, "a")

	creator.Reset()
	c.Assert(creator.Form().Options, qt.DeepEquals, []string{"", ""})
}

func TestCreatorBusy(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	creator := NewCreator(env.deps(t, 0), nil)
	creator.state = types.OperationCreating
	c.Assert(creator.Create(context.Background()), qt.ErrorIs, ErrBusy)
	c.Assert(env.Contract.TotalCalls(), qt.Equals, 0)
}

// holdingContract blocks the first CreatePoll until release is closed.
type holdingContract struct {
	Contract

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newHoldingContract(inner Contract) *holdingContract {
	return &holdingContract{Contract: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *holdingContract) CreatePoll(opts *bind.TransactOpts, name string, options []string, start, end uint64) (common.Hash, error) {
	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.entered)
		<-h.release
	}
	return h.Contract.CreatePoll(opts, name, options, start, end)
}

func TestCreatorCreateFormInterleaved(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	held := newHoldingContract(env.Contract)
	deps := env.deps(t, 0)
	deps.Contract = held
	creator := NewCreator(deps, nil)

	formA := validForm()
	formA.Name = "Poll A"
	formB := validForm()
	formB.Name = "Poll B"
	formB.Options = []string{"Tea", "Coffee"}

	var feedbackA Feedback
	done := make(chan error, 1)
	go func() {
		var err error
		feedbackA, err = creator.CreateForm(ctx, formA)
		done <- err
	}()
	<-held.entered

	// a second submission while the first is in flight neither replaces
	// the form being created nor reaches the contract
	feedback, err := creator.CreateForm(ctx, formB)
	c.Assert(err, qt.ErrorIs, ErrBusy)
	c.Assert(feedback, qt.DeepEquals, Feedback{})
	c.Assert(creator.Form().Name, qt.Equals, "Poll A")
	c.Assert(creator.State(), qt.Equals, types.OperationCreating)
	c.Assert(env.Contract.Calls("createPoll"), qt.Equals, 0)

	close(held.release)
	c.Assert(<-done, qt.IsNil)
	c.Assert(feedbackA, qt.DeepEquals, Feedback{Success: "Poll created successfully."})

	feedback, err = creator.CreateForm(ctx, formB)
	c.Assert(err, qt.IsNil)
	c.Assert(feedback, qt.DeepEquals, Feedback{Success: "Poll created successfully."})
	c.Assert(env.Contract.Calls("createPoll"), qt.Equals, 2)

	info, err := env.Contract.PollInfo(ctx, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Name, qt.Equals, "Poll A")
	c.Assert(info.Options, qt.DeepEquals, []string{"Tacos", "Pizza"})
	info, err = env.Contract.PollInfo(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Name, qt.Equals, "Poll B")
	c.Assert(info.Options, qt.DeepEquals, []string{"Tea", "Coffee"})
}

func TestCreatorCreateFormValidation(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	creator := NewCreator(env.deps(t, 0), nil)

	form := validForm()
	form.Name = ""
	feedback, err := creator.CreateForm(context.Background(), form)
	c.Assert(IsValidation(err), qt.IsTrue)
	c.Assert(feedback, qt.DeepEquals, Feedback{Error: "Poll name is required."})
	c.Assert(creator.Feedback(), qt.DeepEquals, feedback)
	c.Assert(creator.Form(), qt.DeepEquals, form)
}

func TestParseTime(t *testing.T) {
	c := qt.New(t)
	loc := time.FixedZone("UTC+2", 2*3600)

	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1710000000", 1710000000, false},
		{" 1710000000 ", 1710000000, false},
		{"2024-03-09T16:00:00Z", 1710000000, false},
		{"2024-03-09T18:00", 1710000000, false},
		{"", 0, true},
		{"2024-03-09", 0, true},
		{"1969-12-31T23:00:00Z", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, loc)
		if tt.wantErr {
			c.Assert(err, qt.IsNotNil, qt.Commentf("input %q", tt.in))
			continue
		}
		c.Assert(err, qt.IsNil, qt.Commentf("input %q", tt.in))
		c.Assert(got, qt.Equals, tt.want)
	}
}

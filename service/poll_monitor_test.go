package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/securevote/internal/testutil"
	"github.com/vocdoni/securevote/orchestrator"
	"github.com/vocdoni/securevote/shell"
	"github.com/vocdoni/securevote/web3"
	"github.com/vocdoni/securevote/web3/simulated"
)

var now0 = time.Unix(1_700_000_000, 0)

func waitFor(c *qt.C, cond func() bool) {
	c.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPollMonitor(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env := testutil.NewEnv(t, now0)
	sh, err := shell.New(shell.Config{
		Wallet:  testutil.DeterministicWallet(t, 1),
		Relayer: env.Relayer,
		NewContract: func(common.Address) (orchestrator.Contract, error) {
			return env.Contract, nil
		},
		Clock: env.Clock.Now,
	})
	c.Assert(err, qt.IsNil)
	defer sh.Close()
	c.Assert(sh.SetContractAddress(env.Contract.Address().Hex()), qt.IsNil)

	monitor := NewPollMonitor(env.Contract, sh, time.Second)
	c.Assert(monitor.Start(ctx), qt.IsNil)
	defer monitor.Stop()
	c.Assert(monitor.Start(ctx), qt.ErrorMatches, "service already running")

	// another account creates a poll and votes on it
	other := &orchestrator.Deps{
		Contract: env.Contract,
		Wallet:   testutil.DeterministicWallet(t, 2),
		Relayer:  env.Relayer,
		Clock:    env.Clock.Now,
	}
	creator := orchestrator.NewCreator(other, nil)
	creator.SetForm(orchestrator.CreatorForm{
		Name:      "Colors",
		Options:   []string{"Red", "Blue"},
		StartTime: fmt.Sprint(now0.Add(-time.Minute).Unix()),
		EndTime:   fmt.Sprint(now0.Add(time.Hour).Unix()),
	})
	c.Assert(creator.Create(ctx), qt.IsNil)
	waitFor(c, func() bool { return slices.Equal(sh.PollIDs(), []uint64{0}) })

	session, err := sh.Session(0)
	c.Assert(err, qt.IsNil)
	c.Assert(session.View().Poll.Name, qt.Equals, "Colors")

	// the poll ends on-chain without the shell taking part
	env.Clock.Advance(2 * time.Hour)
	otherSession := orchestrator.NewSession(0, other)
	c.Assert(otherSession.Refresh(ctx), qt.IsNil)
	c.Assert(otherSession.EndPoll(ctx), qt.IsNil)
	waitFor(c, func() bool { return session.View().CanDecrypt })
}

// chanSource streams the events sent on ch.
type chanSource struct {
	ch chan *web3.PollEvent
}

func (s *chanSource) MonitorPollEvents(context.Context, time.Duration) (<-chan *web3.PollEvent, error) {
	return s.ch, nil
}

type failingSource struct{}

func (failingSource) MonitorPollEvents(context.Context, time.Duration) (<-chan *web3.PollEvent, error) {
	return nil, fmt.Errorf("rpc unavailable")
}

type refreshRecorder struct {
	mu      sync.Mutex
	full    int
	pollIDs []uint64
}

func (r *refreshRecorder) Refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.full++
	return nil
}

func (r *refreshRecorder) RefreshPoll(_ context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollIDs = append(r.pollIDs, id)
	if id == 7 {
		return fmt.Errorf("poll %d unavailable", id)
	}
	return nil
}

func (r *refreshRecorder) counts() (int, []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full, slices.Clone(r.pollIDs)
}

func TestPollMonitorRouting(t *testing.T) {
	c := qt.New(t)
	source := &chanSource{ch: make(chan *web3.PollEvent)}
	rec := &refreshRecorder{}
	monitor := NewPollMonitor(source, rec, time.Second)
	c.Assert(monitor.Start(context.Background()), qt.IsNil)

	for _, ev := range []*web3.PollEvent{
		{Name: web3.EventPollCreated, PollID: 3},
		{Name: web3.EventVoteCast, PollID: 2},
		{Name: web3.EventPollEnded, PollID: 7},
		{Name: web3.EventResultsPublished, PollID: 1},
	} {
		source.ch <- ev
	}
	waitFor(c, func() bool {
		_, ids := rec.counts()
		return len(ids) == 3
	})
	full, ids := rec.counts()
	c.Assert(full, qt.Equals, 1)
	c.Assert(ids, qt.DeepEquals, []uint64{2, 7, 1})

	monitor.Stop()
	// stopping twice is a no-op
	monitor.Stop()
	// restart after stop
	c.Assert(monitor.Start(context.Background()), qt.IsNil)
	close(source.ch)
	monitor.Stop()
}

func TestPollMonitorStartError(t *testing.T) {
	c := qt.New(t)
	monitor := NewPollMonitor(failingSource{}, &refreshRecorder{}, time.Second)
	c.Assert(monitor.Start(context.Background()), qt.ErrorMatches, "failed to start monitor of poll events: rpc unavailable")
	// a failed start leaves the service stopped
	monitor.Stop()
}

// assertNotConsumed fails if ev is read from ch within a short while.
func assertNotConsumed(c *qt.C, ch chan *web3.PollEvent, ev *web3.PollEvent) {
	c.Helper()
	select {
	case ch <- ev:
		c.Fatalf("event %s of poll %d consumed", ev.Name, ev.PollID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollMonitorSetSource(t *testing.T) {
	c := qt.New(t)
	first := &chanSource{ch: make(chan *web3.PollEvent)}
	second := &chanSource{ch: make(chan *web3.PollEvent)}
	rec := &refreshRecorder{}

	// a source set before Start is not followed until then
	monitor := NewPollMonitor(nil, rec, time.Second)
	c.Assert(monitor.SetSource(first), qt.IsNil)
	assertNotConsumed(c, first.ch, &web3.PollEvent{Name: web3.EventVoteCast, PollID: 9})

	c.Assert(monitor.Start(context.Background()), qt.IsNil)
	defer monitor.Stop()
	first.ch <- &web3.PollEvent{Name: web3.EventVoteCast, PollID: 1}
	waitFor(c, func() bool {
		_, ids := rec.counts()
		return len(ids) == 1
	})

	c.Assert(monitor.SetSource(second), qt.IsNil)
	assertNotConsumed(c, first.ch, &web3.PollEvent{Name: web3.EventVoteCast, PollID: 2})
	second.ch <- &web3.PollEvent{Name: web3.EventVoteCast, PollID: 3}
	waitFor(c, func() bool {
		_, ids := rec.counts()
		return len(ids) == 2
	})
	_, ids := rec.counts()
	c.Assert(ids, qt.DeepEquals, []uint64{1, 3})

	// without source the service keeps running idle
	c.Assert(monitor.SetSource(nil), qt.IsNil)
	assertNotConsumed(c, second.ch, &web3.PollEvent{Name: web3.EventVoteCast, PollID: 4})
	c.Assert(monitor.Start(context.Background()), qt.ErrorMatches, "service already running")

	c.Assert(monitor.SetSource(failingSource{}), qt.ErrorMatches, "failed to start monitor of poll events: rpc unavailable")
	c.Assert(monitor.SetSource(second), qt.IsNil)
	second.ch <- &web3.PollEvent{Name: web3.EventPollCreated, PollID: 5}
	waitFor(c, func() bool {
		full, _ := rec.counts()
		return full == 1
	})
}

func TestEventSourceOf(t *testing.T) {
	c := qt.New(t)
	env := testutil.NewEnv(t, now0)
	c.Assert(EventSourceOf(env.Contract), qt.Equals, PollEventSource(env.Contract))
	c.Assert(EventSourceOf(nil), qt.IsNil)
	var contract orchestrator.Contract
	c.Assert(EventSourceOf(contract), qt.IsNil)
	c.Assert(EventSourceOf(&refreshRecorder{}), qt.IsNil)
}

func TestPollMonitorFollowsContract(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env := testutil.NewEnv(t, now0)
	second := env.Deploy(testutil.DeterministicAddress(2))
	contracts := map[common.Address]*simulated.SecureVote{
		env.Contract.Address(): env.Contract,
		second.Address():       second,
	}
	sh, err := shell.New(shell.Config{
		Wallet:  testutil.DeterministicWallet(t, 1),
		Relayer: env.Relayer,
		NewContract: func(addr common.Address) (orchestrator.Contract, error) {
			if sv, ok := contracts[addr]; ok {
				return sv, nil
			}
			return nil, fmt.Errorf("no contract at %s", addr.Hex())
		},
		Clock: env.Clock.Now,
	})
	c.Assert(err, qt.IsNil)
	defer sh.Close()

	// the monitor starts before any contract is set
	monitor := NewPollMonitor(EventSourceOf(sh.Contract()), sh, time.Second)
	sh.OnContractChange(func(contract orchestrator.Contract) {
		c.Check(monitor.SetSource(EventSourceOf(contract)), qt.IsNil)
	})
	c.Assert(monitor.Start(ctx), qt.IsNil)
	defer monitor.Stop()

	create := func(contract orchestrator.Contract, name string) {
		creator := orchestrator.NewCreator(&orchestrator.Deps{
			Contract: contract,
			Wallet:   testutil.DeterministicWallet(t, 2),
			Relayer:  env.Relayer,
			Clock:    env.Clock.Now,
		}, nil)
		_, err := creator.CreateForm(ctx, orchestrator.CreatorForm{
			Name:      name,
			Options:   []string{"Red", "Blue"},
			StartTime: fmt.Sprint(now0.Add(-time.Minute).Unix()),
			EndTime:   fmt.Sprint(now0.Add(time.Hour).Unix()),
		})
		c.Assert(err, qt.IsNil)
	}
	pollName := func(id uint64) string {
		session, err := sh.Session(id)
		if err != nil {
			return ""
		}
		if view := session.View(); view.Poll != nil {
			return view.Poll.Name
		}
		return ""
	}

	c.Assert(sh.SetContractAddress(env.Contract.Address().Hex()), qt.IsNil)
	create(env.Contract, "First")
	waitFor(c, func() bool { return pollName(0) == "First" })

	c.Assert(sh.SetContractAddress(second.Address().Hex()), qt.IsNil)
	c.Assert(sh.PollIDs(), qt.HasLen, 0)
	create(second, "Second")
	waitFor(c, func() bool { return pollName(0) == "Second" })
	c.Assert(sh.PollIDs(), qt.DeepEquals, []uint64{0})

	// events of the previous contract no longer reach the shell
	calls := second.Calls("pollCount")
	create(env.Contract, "Stale")
	time.Sleep(100 * time.Millisecond)
	c.Assert(second.Calls("pollCount"), qt.Equals, calls)

	// an invalid address leaves the monitor idle
	c.Assert(sh.SetContractAddress("not-an-address"), qt.IsNotNil)
	create(second, "Unseen")
	time.Sleep(100 * time.Millisecond)
	c.Assert(second.Calls("pollCount"), qt.Equals, calls)
}

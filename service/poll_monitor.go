package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/web3"
)

// PollEventSource streams the poll events of a contract.
type PollEventSource interface {
	MonitorPollEvents(ctx context.Context, interval time.Duration) (<-chan *web3.PollEvent, error)
}

// PollRefresher reloads polls from the contract. It is implemented by
// shell.Shell.
type PollRefresher interface {
	Refresh(ctx context.Context) error
	RefreshPoll(ctx context.Context, pollID uint64) error
}

// PollMonitor is a service that watches the events of the contract and
// refreshes the affected polls, so views stay current without polling every
// poll. The source can be replaced while running, following the contract the
// client points at.
type PollMonitor struct {
	polls    PollRefresher
	interval time.Duration

	mu     sync.Mutex
	source PollEventSource
	parent context.Context // non-nil while running
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollMonitor creates a new PollMonitor service. source may be nil until
// a contract is set.
func NewPollMonitor(source PollEventSource, polls PollRefresher, interval time.Duration) *PollMonitor {
	return &PollMonitor{
		source:   source,
		polls:    polls,
		interval: interval,
	}
}

// EventSourceOf returns contract as a PollEventSource, or nil if it cannot
// stream events.
func EventSourceOf(contract any) PollEventSource {
	if source, ok := contract.(PollEventSource); ok {
		return source
	}
	return nil
}

// Start begins monitoring. It returns an error if the service is already
// running or if the event subscription fails. Without source the service
// runs idle until SetSource is called.
func (pm *PollMonitor) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.parent != nil {
		return fmt.Errorf("service already running")
	}
	pm.parent = ctx
	if err := pm.subscribe(); err != nil {
		pm.parent = nil
		return err
	}
	return nil
}

// SetSource stops following the current source and, if the service is
// running, subscribes to source. A nil source leaves the service idle.
func (pm *PollMonitor) SetSource(source PollEventSource) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.unsubscribe()
	pm.source = source
	if pm.parent == nil {
		return nil
	}
	return pm.subscribe()
}

// Stop halts the monitoring service and waits for the event loop to exit.
func (pm *PollMonitor) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.unsubscribe()
	pm.parent = nil
}

// subscribe starts the event loop of the current source. Must be called
// with the mutex held.
func (pm *PollMonitor) subscribe() error {
	if pm.source == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(pm.parent)
	events, err := pm.source.MonitorPollEvents(ctx, pm.interval)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start monitor of poll events: %w", err)
	}
	pm.cancel = cancel
	pm.done = make(chan struct{})
	go pm.monitorPolls(ctx, events, pm.done)
	return nil
}

// unsubscribe stops the event loop, if any, and waits for it. Must be
// called with the mutex held.
func (pm *PollMonitor) unsubscribe() {
	if pm.cancel == nil {
		return
	}
	pm.cancel()
	<-pm.done
	pm.cancel = nil
	pm.done = nil
}

func (pm *PollMonitor) monitorPolls(ctx context.Context, events <-chan *web3.PollEvent, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Debugw("poll events channel closed")
				return
			}
			log.Debugw("poll event", "event", ev.Name, "pollId", ev.PollID, "block", ev.Block)
			var err error
			if ev.Name == web3.EventPollCreated {
				err = pm.polls.Refresh(ctx)
			} else {
				err = pm.polls.RefreshPoll(ctx, ev.PollID)
			}
			if err != nil {
				log.Warnw("failed to refresh after poll event",
					"event", ev.Name,
					"pollId", ev.PollID,
					"err", err.Error())
			}
		}
	}
}

package rpc

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// endpointCooldownDuration is how long a failing endpoint stays out of the
// rotation before it is tried again.
const endpointCooldownDuration = 5 * time.Minute

// Web3Endpoint is a single RPC provider for a chain.
type Web3Endpoint struct {
	ChainID    uint64 `json:"chainId"`
	URI        string `json:"uri"`
	client     *ethclient.Client
	disabledAt time.Time
}

// Web3Iterator hands out the endpoints of a chain in round-robin order.
// Endpoints that fail are moved to a disabled list and come back after
// endpointCooldownDuration. It is safe for concurrent use.
type Web3Iterator struct {
	nextIndex int
	available []*Web3Endpoint
	disabled  []*Web3Endpoint
	mtx       sync.Mutex
}

// NewWeb3Iterator creates a new Web3Iterator with the given endpoints.
func NewWeb3Iterator(endpoints ...*Web3Endpoint) *Web3Iterator {
	return &Web3Iterator{
		available: append([]*Web3Endpoint{}, endpoints...),
		disabled:  []*Web3Endpoint{},
	}
}

// Available returns the number of endpoints in the rotation.
func (it *Web3Iterator) Available() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.available)
}

// Disabled returns the number of endpoints cooling down.
func (it *Web3Iterator) Disabled() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.disabled)
}

// Add appends endpoints to the rotation.
func (it *Web3Iterator) Add(endpoint ...*Web3Endpoint) {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	it.available = append(it.available, endpoint...)
}

// Next returns the next endpoint of the rotation, re-enabling first any
// disabled endpoint whose cooldown expired.
func (it *Web3Iterator) Next() (*Web3Endpoint, error) {
	if it == nil {
		return nil, fmt.Errorf("nil Web3Iterator")
	}
	it.mtx.Lock()
	defer it.mtx.Unlock()

	it.reviveExpired(time.Now())
	if len(it.available) == 0 {
		return nil, fmt.Errorf("no registered endpoints")
	}
	if it.nextIndex >= len(it.available) {
		it.nextIndex = 0
	}
	current := it.available[it.nextIndex]
	it.nextIndex = (it.nextIndex + 1) % len(it.available)
	return current, nil
}

// reviveExpired must be called with the mutex held.
func (it *Web3Iterator) reviveExpired(now time.Time) {
	if len(it.disabled) == 0 {
		return
	}
	stillDisabled := it.disabled[:0]
	for _, ep := range it.disabled {
		if now.Sub(ep.disabledAt) >= endpointCooldownDuration {
			ep.disabledAt = time.Time{}
			it.available = append(it.available, ep)
			continue
		}
		stillDisabled = append(stillDisabled, ep)
	}
	it.disabled = stillDisabled
}

// Disable moves the endpoint identified by uri out of the rotation. Disabling
// the last available endpoint puts every endpoint back in the rotation.
func (it *Web3Iterator) Disable(uri string) {
	it.mtx.Lock()
	defer it.mtx.Unlock()

	index := slices.IndexFunc(it.available, func(e *Web3Endpoint) bool { return e.URI == uri })
	if index == -1 {
		return
	}
	ep := it.available[index]
	ep.disabledAt = time.Now()
	it.available = slices.Delete(it.available, index, index+1)
	it.disabled = append(it.disabled, ep)

	if it.nextIndex > index {
		it.nextIndex--
	}
	if len(it.available) == 0 {
		for _, d := range it.disabled {
			d.disabledAt = time.Time{}
		}
		it.available = append(it.available, it.disabled...)
		it.disabled = []*Web3Endpoint{}
		it.nextIndex = 0
		return
	}
	if it.nextIndex >= len(it.available) {
		it.nextIndex = 0
	}
}

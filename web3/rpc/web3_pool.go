package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vocdoni/securevote/log"
)

const dialTimeout = 10 * time.Second

// Web3Pool groups RPC endpoints by chain ID.
type Web3Pool struct {
	endpoints map[uint64]*Web3Iterator
	mtx       sync.RWMutex
}

// NewWeb3Pool returns an empty pool.
func NewWeb3Pool() *Web3Pool {
	return &Web3Pool{endpoints: make(map[uint64]*Web3Iterator)}
}

// AddEndpoint dials uri, queries its chain ID and registers it in the pool.
// It returns the chain ID served by the endpoint.
func (p *Web3Pool) AddEndpoint(uri string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	cli, err := ethclient.DialContext(ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", uri, err)
	}
	bChainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return 0, fmt.Errorf("chain id of %s: %w", uri, err)
	}
	chainID := bChainID.Uint64()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	ep := &Web3Endpoint{ChainID: chainID, URI: uri, client: cli}
	if iter, ok := p.endpoints[chainID]; ok {
		iter.Add(ep)
	} else {
		p.endpoints[chainID] = NewWeb3Iterator(ep)
	}
	log.Debugw("web3 endpoint added", "chainID", chainID, "uri", uri)
	return chainID, nil
}

// Endpoint returns the next endpoint for the chain.
func (p *Web3Pool) Endpoint(chainID uint64) (*Web3Endpoint, error) {
	p.mtx.RLock()
	iter, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoints for chainID %d", chainID)
	}
	return iter.Next()
}

// DisableEndpoint takes uri out of the rotation of the chain.
func (p *Web3Pool) DisableEndpoint(chainID uint64, uri string) {
	p.mtx.RLock()
	iter, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if ok {
		iter.Disable(uri)
	}
}

// NumberOfEndpoints returns how many endpoints the chain has. With
// onlyAvailable set, endpoints in cooldown are not counted.
func (p *Web3Pool) NumberOfEndpoints(chainID uint64, onlyAvailable bool) int {
	p.mtx.RLock()
	iter, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return 0
	}
	if onlyAvailable {
		return iter.Available()
	}
	return iter.Available() + iter.Disabled()
}

// Client returns a load balanced client for the chain.
func (p *Web3Pool) Client(chainID uint64) (*Client, error) {
	if p.NumberOfEndpoints(chainID, false) == 0 {
		return nil, fmt.Errorf("no endpoints for chainID %d", chainID)
	}
	return &Client{w3p: p, chainID: chainID}, nil
}

package web3

import (
	"context"
	"fmt"
	"time"

	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/web3/rpc"
)

// web3QueryTimeout bounds the queries done while connecting.
const web3QueryTimeout = 10 * time.Second

// Network is a set of RPC endpoints serving the same chain.
type Network struct {
	ChainID uint64
	pool    *rpc.Web3Pool
	cli     *rpc.Client
}

// Connect registers every endpoint in web3rpcs and checks they all serve the
// same chain. Endpoints that cannot be reached are skipped.
func Connect(web3rpcs []string) (*Network, error) {
	pool := rpc.NewWeb3Pool()
	var chainID *uint64
	for _, uri := range web3rpcs {
		cID, err := pool.AddEndpoint(uri)
		if err != nil {
			log.Warnw("skipping web3 endpoint", "rpc", uri, "error", err.Error())
			continue
		}
		if chainID == nil {
			chainID = &cID
		}
		if *chainID != cID {
			return nil, fmt.Errorf("web3 endpoints have different chain IDs: %d and %d", *chainID, cID)
		}
	}
	if chainID == nil {
		return nil, fmt.Errorf("no web3 endpoints available")
	}
	cli, err := pool.Client(*chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), web3QueryTimeout)
	defer cancel()
	lastBlock, err := cli.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	log.Infow("web3 client initialized",
		"chainID", *chainID,
		"lastBlock", lastBlock,
		"numEndpoints", pool.NumberOfEndpoints(*chainID, false))
	return &Network{ChainID: *chainID, pool: pool, cli: cli}, nil
}

// Client returns the load balanced RPC client of the network.
func (n *Network) Client() *rpc.Client {
	return n.cli
}

// AddEndpoint adds another RPC endpoint for the same chain.
func (n *Network) AddEndpoint(uri string) error {
	cID, err := n.pool.AddEndpoint(uri)
	if err != nil {
		return err
	}
	if cID != n.ChainID {
		return fmt.Errorf("endpoint %s serves chain %d, expected %d", uri, cID, n.ChainID)
	}
	return nil
}

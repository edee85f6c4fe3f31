package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/vocdoni/securevote/log"
)

const (
	// defaultRetries is the number of attempts on the same endpoint before
	// switching to the next one.
	defaultRetries = 2
	// defaultRetrySleep is the pause between attempts on the same endpoint.
	defaultRetrySleep = 200 * time.Millisecond
)

var (
	defaultTimeout    = 5 * time.Second
	filterLogsTimeout = 10 * time.Second
)

// permanentErrorPatterns are errors that will fail the same way on every
// endpoint, so the call is not retried.
var permanentErrorPatterns = []string{
	"execution reverted",
	"insufficient funds",
}

// IsPermanentError checks if an error represents a permanent failure that
// should not be retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Client implements bind.ContractBackend (plus receipt and block number
// queries) on top of a Web3Pool, balancing calls between the endpoints of a
// single chain.
type Client struct {
	w3p     *Web3Pool
	chainID uint64
}

// ChainID returns the chain the client is bound to.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// call runs fn against the pool with per-attempt timeouts derived from ctx.
func call[T any](c *Client, ctx context.Context, timeout time.Duration,
	fn func(context.Context, *ethclient.Client) (T, error),
) (T, error) {
	var zero T
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		if endpoint.client == nil {
			return nil, fmt.Errorf("endpoint %s not connected", endpoint.URI)
		}
		internalCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(internalCtx, endpoint.client)
	})
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	return res.(T), nil
}

// CodeAt is required by bind.ContractCaller.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.CodeAt(ctx, account, blockNumber)
	})
}

// CallContract is required by bind.ContractCaller.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.CallContract(ctx, msg, blockNumber)
	})
}

// EstimateGas is required by bind.ContractTransactor.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.EstimateGas(ctx, msg)
	})
}

// FilterLogs is required by bind.ContractFilterer.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return call(c, ctx, filterLogsTimeout, func(ctx context.Context, cli *ethclient.Client) ([]gethtypes.Log, error) {
		return cli.FilterLogs(ctx, query)
	})
}

// SubscribeFilterLogs is required by bind.ContractFilterer. Subscriptions
// only work over websocket endpoints.
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	endpoint, err := c.w3p.Endpoint(c.chainID)
	if err != nil {
		return nil, fmt.Errorf("error getting endpoint for chainID %d: %w", c.chainID, err)
	}
	if endpoint.client == nil {
		return nil, fmt.Errorf("endpoint %s not connected", endpoint.URI)
	}
	return endpoint.client.SubscribeFilterLogs(ctx, query, ch)
}

// HeaderByNumber is required by bind.ContractTransactor.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*gethtypes.Header, error) {
		return cli.HeaderByNumber(ctx, number)
	})
}

// PendingCodeAt is required by bind.ContractTransactor.
func (c *Client) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.PendingCodeAt(ctx, account)
	})
}

// PendingNonceAt is required by bind.ContractTransactor.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.PendingNonceAt(ctx, account)
	})
}

// SuggestGasPrice is required by bind.ContractTransactor.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.SuggestGasPrice(ctx)
	})
}

// SuggestGasTipCap is required by bind.ContractTransactor.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.SuggestGasTipCap(ctx)
	})
}

// SendTransaction is required by bind.ContractTransactor. A signed
// transaction can be broadcast to several endpoints safely, the hash is the
// same on all of them.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (any, error) {
		return nil, cli.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns the receipt of a mined transaction, or
// ethereum.NotFound while it is pending. NotFound is not retried.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	endpoint, err := c.w3p.Endpoint(c.chainID)
	if err != nil {
		return nil, fmt.Errorf("error getting endpoint for chainID %d: %w", c.chainID, err)
	}
	if endpoint.client == nil {
		return nil, fmt.Errorf("endpoint %s not connected", endpoint.URI)
	}
	internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return endpoint.client.TransactionReceipt(internalCtx, hash)
}

// TransactionByHash returns a transaction and whether it is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	type txResult struct {
		tx      *gethtypes.Transaction
		pending bool
	}
	res, err := call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (txResult, error) {
		tx, pending, err := cli.TransactionByHash(ctx, hash)
		return txResult{tx: tx, pending: pending}, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.tx, res.pending, nil
}

// BalanceAt returns the balance of account, used to report the wallet status.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.BalanceAt(ctx, account, blockNumber)
	})
}

// BlockNumber returns the latest block number of the chain.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(c, ctx, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.BlockNumber(ctx)
	})
}

// retryAndCheckErr runs fn against the current endpoint up to defaultRetries
// times, then disables the endpoint and moves to the next one until every
// endpoint of the chain has been tried. Permanent errors return immediately.
func (c *Client) retryAndCheckErr(fn func(*Web3Endpoint) (any, error)) (any, error) {
	totalEndpoints := c.w3p.NumberOfEndpoints(c.chainID, false)
	if totalEndpoints == 0 {
		return nil, fmt.Errorf("no endpoints available for chainID %d", c.chainID)
	}

	tried := make(map[string]bool)
	var lastErr error
	attempts := 0
	for attempts < totalEndpoints {
		endpoint, err := c.w3p.Endpoint(c.chainID)
		if err != nil {
			return nil, fmt.Errorf("error getting endpoint for chainID %d: %w", c.chainID, err)
		}
		if tried[endpoint.URI] {
			return nil, fmt.Errorf("endpoint rotation failed for chainID %d: %w", c.chainID, lastErr)
		}
		tried[endpoint.URI] = true

		for retry := range defaultRetries {
			res, err := fn(endpoint)
			if err == nil {
				if attempts > 0 {
					log.Infow("RPC call succeeded after endpoint switch",
						"chainID", c.chainID,
						"uri", endpoint.URI,
						"endpointAttempts", attempts+1)
				}
				return res, nil
			}
			lastErr = err
			if rpcErr := ParseError(err); rpcErr != nil && len(rpcErr.Data) > 0 {
				lastErr = fmt.Errorf("%w (code: %d, data: %s)", err, rpcErr.Code, rpcErr.Data)
			}
			if IsPermanentError(err) {
				log.Debugw("RPC returned permanent error, not retrying",
					"chainID", c.chainID,
					"uri", endpoint.URI,
					"error", lastErr.Error())
				return nil, lastErr
			}
			if retry < defaultRetries-1 {
				time.Sleep(defaultRetrySleep)
			}
		}

		log.Warnw("endpoint failed after retries, switching to next",
			"chainID", c.chainID,
			"uri", endpoint.URI,
			"error", lastErr.Error())
		c.w3p.DisableEndpoint(c.chainID, endpoint.URI)
		attempts++
	}
	return nil, fmt.Errorf("all endpoints exhausted for chainID %d after %d attempts: %w",
		c.chainID, attempts, lastErr)
}

// RPCError is the error returned by the RPC server
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code: %d, data: %s)", e.Message, e.Code, e.Data.String())
}

func (e *RPCError) ErrorCode() int {
	return e.Code
}

func (e *RPCError) ErrorData() any {
	return e.Data
}

// ParseError extracts the JSON-RPC code and revert data carried by err, if
// any. It returns nil for a nil error.
func ParseError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var direct *RPCError
	if errors.As(err, &direct) {
		return direct
	}

	out := &RPCError{Message: err.Error()}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		out.Code = rpcErr.ErrorCode()
		out.Message = rpcErr.Error()
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		switch v := dataErr.ErrorData().(type) {
		case []byte:
			out.Data = hexutil.Bytes(v)
		case hexutil.Bytes:
			out.Data = v
		case string:
			if b, derr := hexutil.Decode(v); derr == nil {
				out.Data = hexutil.Bytes(b)
			}
		}
	}
	return out
}

package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	bind "github.com/ethereum/go-ethereum/accounts/abi/bind/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/securevote/crypto/signatures/ethereum"
)

// ErrNoSigner is returned when a transaction is requested from a wallet
// without a private key.
var ErrNoSigner = errors.New("no private key set")

// Wallet is the local account used to sign transactions.
type Wallet struct {
	signer  *ethereum.Signer
	chainID *big.Int
}

// NewWallet returns a wallet for the given signer and chain. A nil signer
// gives a disconnected wallet.
func NewWallet(signer *ethereum.Signer, chainID uint64) *Wallet {
	return &Wallet{signer: signer, chainID: new(big.Int).SetUint64(chainID)}
}

// NewWalletFromHex builds a wallet from a hex encoded private key. An empty
// key gives a disconnected wallet.
func NewWalletFromHex(hexKey string, chainID uint64) (*Wallet, error) {
	if hexKey == "" {
		return NewWallet(nil, chainID), nil
	}
	signer, err := ethereum.NewSignerFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	return NewWallet(signer, chainID), nil
}

// Connected reports whether the wallet holds a key.
func (w *Wallet) Connected() bool {
	return w != nil && w.signer != nil
}

// Address returns the wallet account address, or the zero address if the
// wallet is not connected.
func (w *Wallet) Address() common.Address {
	if !w.Connected() {
		return common.Address{}
	}
	return w.signer.Address()
}

// ChainID returns the chain the wallet signs for.
func (w *Wallet) ChainID() uint64 {
	return w.chainID.Uint64()
}

// Signer returns the underlying signer, nil if not connected.
func (w *Wallet) Signer() *ethereum.Signer {
	if w == nil {
		return nil
	}
	return w.signer
}

// TransactOpts returns fresh transact options bound to ctx. Nonce, gas and
// fees are left for the binding to fill from the node.
func (w *Wallet) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if !w.Connected() {
		return nil, ErrNoSigner
	}
	opts := bind.NewKeyedTransactor(w.signer.PrivateKey(), w.chainID)
	opts.Context = ctx
	return opts, nil
}

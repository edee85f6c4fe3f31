// Package testutil provides fixtures shared by the package tests:
// deterministic accounts and a simulated contract environment.
package testutil

import (
	"encoding/binary"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/securevote/crypto/signatures/ethereum"
	"github.com/vocdoni/securevote/relayer"
	"github.com/vocdoni/securevote/web3"
	"github.com/vocdoni/securevote/web3/simulated"
)

// SepoliaChainID returns 11155111 (i.e. Sepolia)
func SepoliaChainID() uint64 {
	return 11155111
}

// DeterministicAddress returns the same address for the same n.
func DeterministicAddress(n uint64) common.Address {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)

	prefix := []byte("deterministic-address:")
	h := crypto.Keccak256(append(prefix, b[:]...))
	return common.BytesToAddress(h[12:])
}

func RandomAddress() common.Address {
	return DeterministicAddress(rand.Uint64())
}

// DeterministicWallet returns a connected wallet whose key is derived from
// seed.
func DeterministicWallet(tb testing.TB, seed uint64) *web3.Wallet {
	tb.Helper()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seed)
	signer, err := ethereum.NewSignerFromSeed(append([]byte("deterministic-wallet:"), b[:]...))
	if err != nil {
		tb.Fatalf("failed to create signer: %v", err)
	}
	return web3.NewWallet(signer, SepoliaChainID())
}

// Env bundles a simulated contract, its co-processor and the shared clock.
type Env struct {
	Clock    *simulated.Clock
	Relayer  *relayer.Mock
	Contract *simulated.SecureVote
}

// NewEnv deploys a simulated contract at DeterministicAddress(1) with the clock
// stopped at now.
func NewEnv(tb testing.TB, now time.Time) *Env {
	tb.Helper()
	mock, err := relayer.NewMock(nil)
	if err != nil {
		tb.Fatalf("failed to create relayer mock: %v", err)
	}
	clock := simulated.NewClock(now)
	return &Env{
		Clock:    clock,
		Relayer:  mock,
		Contract: simulated.NewSecureVote(DeterministicAddress(1), mock, clock),
	}
}

// Deploy adds a second simulated contract at address to the environment,
// sharing its co-processor and clock.
func (e *Env) Deploy(address common.Address) *simulated.SecureVote {
	return simulated.NewSecureVote(address, e.Relayer, e.Clock)
}

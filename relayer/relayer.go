// Package relayer defines the encryption service used to encrypt vote
// choices and to publicly decrypt poll tallies, together with an HTTP client
// for a relayer gateway and an in-process co-processor used for local
// development and tests.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/securevote/types"
)

// ErrNotReady is returned by the services when they are asked to work before
// being initialized.
var ErrNotReady = errors.New("encryption service is not ready")

// Service encrypts inputs for a contract and publicly decrypts handles that
// the contract made decryptable.
type Service interface {
	// Ready reports whether the service can take requests.
	Ready() bool
	// EncryptInput encrypts an 8 bit value bound to the contract and the user
	// that will submit it. The result holds one handle and its input proof.
	EncryptInput(ctx context.Context, contract, user common.Address, value uint8) (*types.EncryptedInput, error)
	// PublicDecrypt reveals the clear values of the given handles together
	// with the ABI encoded values and the proof the contract verifies.
	PublicDecrypt(ctx context.Context, handles []common.Hash) (*types.PublicDecryption, error)
}

var uint256Type, _ = abi.NewType("uint256", "", nil)

// clearValuesArguments returns the ABI arguments of n consecutive uint256.
func clearValuesArguments(n int) abi.Arguments {
	args := make(abi.Arguments, n)
	for i := range args {
		args[i] = abi.Argument{Type: uint256Type}
	}
	return args
}

// EncodeClearValues ABI encodes the values as consecutive uint256 words, the
// layout publishResults expects.
func EncodeClearValues(values []*big.Int) ([]byte, error) {
	in := make([]any, len(values))
	for i, v := range values {
		if v == nil || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid clear value at index %d", i)
		}
		in[i] = v
	}
	return clearValuesArguments(len(values)).Pack(in...)
}

// DecodeClearValues reverses EncodeClearValues.
func DecodeClearValues(data []byte) ([]*big.Int, error) {
	if len(data)%32 != 0 {
		return nil, fmt.Errorf("encoded clear values length %d is not a multiple of 32", len(data))
	}
	out, err := clearValuesArguments(len(data) / 32).Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode clear values: %w", err)
	}
	values := make([]*big.Int, len(out))
	for i := range out {
		values[i] = *abi.ConvertType(out[i], new(*big.Int)).(**big.Int)
	}
	return values, nil
}

// ConcatHandles returns the handles as one byte slice, in order.
func ConcatHandles(handles []common.Hash) []byte {
	out := make([]byte, 0, len(handles)*common.HashLength)
	for _, h := range handles {
		out = append(out, h.Bytes()...)
	}
	return out
}

// Package ethereum wraps secp256k1 keys and Ethereum personal-message
// signatures for the wallet and the local decryption oracle.
package ethereum

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is the size of a recoverable signature: R, S and the
	// recovery id.
	SignatureLength = ethcrypto.SignatureLength
	// SigningPrefix is prepended to every message before hashing it.
	SigningPrefix = "\u0019Ethereum Signed Message:\n"
)

// ECDSASignature is a recoverable secp256k1 signature over a prefixed
// message hash.
type ECDSASignature struct {
	R        *big.Int
	S        *big.Int
	recovery byte
}

// BytesToSignature decodes a 65 byte R || S || V payload. V may use either the
// raw (0-1) or the legacy (27-28) encoding.
func BytesToSignature(raw []byte) (*ECDSASignature, error) {
	if len(raw) != SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d, expected %d", len(raw), SignatureLength)
	}
	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("invalid recovery id %d", raw[64])
	}
	return &ECDSASignature{
		R:        new(big.Int).SetBytes(raw[:32]),
		S:        new(big.Int).SetBytes(raw[32:64]),
		recovery: v,
	}, nil
}

// Bytes encodes the signature as R || S || V with a raw recovery id, the
// layout go-ethereum expects for public key recovery.
func (sig *ECDSASignature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:64])
	out[64] = sig.recovery
	return out
}

// Signer recovers the address that signed msg.
func (sig *ECDSASignature) Signer(msg []byte) (common.Address, error) {
	if sig == nil || sig.R == nil || sig.S == nil {
		return common.Address{}, fmt.Errorf("incomplete signature")
	}
	pubKey, err := ethcrypto.SigToPub(HashMessage(msg), sig.Bytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("could not recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// Verify reports whether msg was signed by expected.
func (sig *ECDSASignature) Verify(msg []byte, expected common.Address) bool {
	addr, err := sig.Signer(msg)
	return err == nil && addr == expected
}

// HashMessage hashes data with keccak256 after adding the Ethereum message
// prefix and the data length.
func HashMessage(data []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%d%s", SigningPrefix, len(data), data)
	return ethcrypto.Keccak256(buf.Bytes())
}

// digest is the hash the relayer signs over a sequence of byte fields.
func digest(parts ...[]byte) []byte {
	return ethcrypto.Keccak256(bytes.Join(parts, nil))
}

// VerifyDigest checks a signature produced by Signer.SignDigest against the
// expected signer address.
func VerifyDigest(signature []byte, expected common.Address, parts ...[]byte) bool {
	sig, err := BytesToSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest(parts...), expected)
}

package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	gecdsa "github.com/consensys/gnark-crypto/ecc/secp256k1/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer is a secp256k1 private key. The wallet signs transactions with it and
// the mock decryption oracle signs its proofs with it.
type Signer ecdsa.PrivateKey

// NewSigner generates a random key.
func NewSigner() (*Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return (*Signer)(key), nil
}

// NewSignerFromHex loads a hex-encoded key, with or without 0x prefix.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return (*Signer)(key), nil
}

// NewSignerFromSeed derives a key from the keccak256 hash of seed, so any
// seed length works. Tests use it for reproducible accounts.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	key, err := ethcrypto.ToECDSA(ethcrypto.Keccak256(seed))
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return (*Signer)(key), nil
}

// Address returns the account address of the key.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey)
}

// PrivateKey exposes the key for transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return (*ecdsa.PrivateKey)(s)
}

// Sign signs msg as an Ethereum personal message.
func (s *Signer) Sign(msg []byte) (*ECDSASignature, error) {
	raw, err := ethcrypto.Sign(HashMessage(msg), s.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("could not sign message: %w", err)
	}
	// split R and S through the curve package so malformed scalars are
	// rejected before they reach a verifier
	var sig gecdsa.Signature
	if _, err := sig.SetBytes(raw[:64]); err != nil {
		return nil, fmt.Errorf("invalid signature scalars: %w", err)
	}
	return BytesToSignature(append(append(sig.R[:], sig.S[:]...), raw[64]))
}

// SignDigest signs the concatenation of parts and returns the 65 byte
// signature.
func (s *Signer) SignDigest(parts ...[]byte) ([]byte, error) {
	sig, err := s.Sign(digest(parts...))
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

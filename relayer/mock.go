package relayer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/vocdoni/securevote/crypto/signatures/ethereum"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/types"
)

// Mock is an in-process co-processor. Ciphertexts are opaque handles mapped
// to their plaintext in memory, input proofs and decryption proofs are
// signatures of a local KMS key. The contract side of the protocol (handle
// arithmetic and proof verification) is exposed so that a contract double
// can run on top of it. It is safe for concurrent use.
type Mock struct {
	mtx    sync.RWMutex
	kms    *ethereum.Signer
	values map[common.Hash]*uint256.Int
	public map[common.Hash]bool
	nonce  uint64
	ready  bool
}

// NewMock creates a ready Mock. If kms is nil a random key is generated.
func NewMock(kms *ethereum.Signer) (*Mock, error) {
	if kms == nil {
		var err error
		if kms, err = ethereum.NewSigner(); err != nil {
			return nil, fmt.Errorf("could not create KMS key: %w", err)
		}
	}
	return &Mock{
		kms:    kms,
		values: make(map[common.Hash]*uint256.Int),
		public: make(map[common.Hash]bool),
		ready:  true,
	}, nil
}

// KMSAddress returns the address whose signatures the proofs carry.
func (m *Mock) KMSAddress() common.Address {
	return m.kms.Address()
}

// SetReady toggles the readiness reported to callers.
func (m *Mock) SetReady(ready bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.ready = ready
}

// Ready implements Service.
func (m *Mock) Ready() bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.ready
}

// newHandle stores value under a fresh handle. Must be called with the
// mutex held.
func (m *Mock) newHandle(kind string, value *uint256.Int) common.Hash {
	m.nonce++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], m.nonce)
	h := common.BytesToHash(ethcrypto.Keccak256([]byte(kind), n[:]))
	m.values[h] = value
	return h
}

// EncryptInput implements Service.
func (m *Mock) EncryptInput(ctx context.Context, contract, user common.Address, value uint8) (*types.EncryptedInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mtx.Lock()
	if !m.ready {
		m.mtx.Unlock()
		return nil, ErrNotReady
	}
	handle := m.newHandle("input", uint256.NewInt(uint64(value)))
	m.mtx.Unlock()

	proof, err := m.kms.SignDigest(handle.Bytes(), contract.Bytes(), user.Bytes())
	if err != nil {
		return nil, fmt.Errorf("could not sign input proof: %w", err)
	}
	return &types.EncryptedInput{
		Handles:    []common.Hash{handle},
		InputProof: proof,
	}, nil
}

// VerifyInput checks that proof binds handle to the contract and user.
func (m *Mock) VerifyInput(handle common.Hash, proof []byte, contract, user common.Address) error {
	if !ethereum.VerifyDigest(proof, m.kms.Address(), handle.Bytes(), contract.Bytes(), user.Bytes()) {
		return fmt.Errorf("invalid input proof")
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if _, ok := m.values[handle]; !ok {
		return fmt.Errorf("unknown handle %s", handle.Hex())
	}
	return nil
}

// Trivial encrypts a public value, the equivalent of an on-chain asEuint32.
func (m *Mock) Trivial(value uint64) common.Hash {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.newHandle("trivial", uint256.NewInt(value))
}

// IncrementIf returns a new handle holding counter+1 if choice equals option,
// and counter otherwise. The result is always a fresh handle so an observer
// cannot tell which counter changed.
func (m *Mock) IncrementIf(counter, choice common.Hash, option uint8) (common.Hash, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	c, ok := m.values[counter]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown handle %s", counter.Hex())
	}
	ch, ok := m.values[choice]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown handle %s", choice.Hex())
	}
	next := new(uint256.Int).Set(c)
	if ch.Eq(uint256.NewInt(uint64(option))) {
		next.AddUint64(next, 1)
	}
	return m.newHandle("compute", next), nil
}

// MakePubliclyDecryptable allows PublicDecrypt to reveal the handles.
func (m *Mock) MakePubliclyDecryptable(handles ...common.Hash) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, h := range handles {
		m.public[h] = true
	}
}

// PublicDecrypt implements Service. Decrypting the same handles twice yields
// the same values, encoding and proof.
func (m *Mock) PublicDecrypt(ctx context.Context, handles []common.Hash) (*types.PublicDecryption, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("no handles to decrypt")
	}
	m.mtx.RLock()
	if !m.ready {
		m.mtx.RUnlock()
		return nil, ErrNotReady
	}
	clearValues := make(map[common.Hash]*big.Int, len(handles))
	ordered := make([]*big.Int, len(handles))
	for i, h := range handles {
		v, ok := m.values[h]
		if !ok || !m.public[h] {
			m.mtx.RUnlock()
			return nil, fmt.Errorf("handle %s is not publicly decryptable", h.Hex())
		}
		ordered[i] = v.ToBig()
		clearValues[h] = v.ToBig()
	}
	m.mtx.RUnlock()

	encoded, err := EncodeClearValues(ordered)
	if err != nil {
		return nil, err
	}
	proof, err := m.kms.SignDigest(ConcatHandles(handles), encoded)
	if err != nil {
		return nil, fmt.Errorf("could not sign decryption proof: %w", err)
	}
	log.Debugw("public decryption", "handles", len(handles))
	return &types.PublicDecryption{
		ClearValues:           clearValues,
		AbiEncodedClearValues: encoded,
		DecryptionProof:       proof,
	}, nil
}

// VerifyDecryption checks that encoded holds the clear values of handles and
// that proof was issued by the KMS key for them.
func (m *Mock) VerifyDecryption(handles []common.Hash, encoded, proof []byte) error {
	if !ethereum.VerifyDigest(proof, m.kms.Address(), ConcatHandles(handles), encoded) {
		return fmt.Errorf("invalid decryption proof")
	}
	values, err := DecodeClearValues(encoded)
	if err != nil {
		return err
	}
	if len(values) != len(handles) {
		return fmt.Errorf("decryption has %d values for %d handles", len(values), len(handles))
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for i, h := range handles {
		v, ok := m.values[h]
		if !ok || v.ToBig().Cmp(values[i]) != 0 {
			return fmt.Errorf("clear value mismatch for handle %s", h.Hex())
		}
	}
	return nil
}

package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EncryptedCounts holds the ciphertext handles of a poll tally. The contract
// always returns EncryptedCountsCapacity handles, only the first OptionsCount
// are meaningful.
type EncryptedCounts struct {
	Handles      [EncryptedCountsCapacity]common.Hash `json:"handles"`
	OptionsCount uint8                                `json:"optionsCount"`
}

// Active returns the handles that correspond to poll options.
func (e *EncryptedCounts) Active() []common.Hash {
	n := min(int(e.OptionsCount), EncryptedCountsCapacity)
	out := make([]common.Hash, n)
	copy(out, e.Handles[:n])
	return out
}

// EncryptedInput is the result of encrypting a vote choice for a given
// contract and user. InputProof binds the handles to both.
type EncryptedInput struct {
	Handles    []common.Hash `json:"handles"`
	InputProof HexBytes      `json:"inputProof"`
}

// PublicDecryption is the response of the encryption service to a public
// decryption request. AbiEncodedClearValues and DecryptionProof are passed
// verbatim to publishResults.
type PublicDecryption struct {
	ClearValues           map[common.Hash]*big.Int `json:"clearValues"`
	AbiEncodedClearValues HexBytes                 `json:"abiEncodedClearValues"`
	DecryptionProof       HexBytes                 `json:"decryptionProof"`
}

// DecryptedTally is the locally decrypted result of a poll, kept in memory
// only until it is published or discarded.
type DecryptedTally struct {
	ID            uuid.UUID `json:"id"`
	PollID        uint64    `json:"pollId"`
	Counts        []uint64  `json:"counts"`
	EncodedValues HexBytes  `json:"-"`
	Proof         HexBytes  `json:"-"`
	DecryptedAt   time.Time `json:"decryptedAt"`
}

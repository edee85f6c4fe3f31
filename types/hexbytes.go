package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HexBytes holds the opaque proofs and encoded values exchanged with the
// encryption service. It encodes as a 0x-prefixed hex string; decoding
// tolerates a missing prefix since the gateway omits it on some routes.
type HexBytes []byte

// ParseHexBytes decodes s with or without 0x prefix.
func ParseHexBytes(s string) (HexBytes, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
	}
	return b, nil
}

// String returns the 0x-prefixed hex form.
func (b HexBytes) String() string {
	return hexutil.Encode(b)
}

// Equal reports whether both hold the same bytes.
func (b HexBytes) Equal(other HexBytes) bool {
	return bytes.Equal(b, other)
}

// MarshalText implements encoding.TextMarshaler.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *HexBytes) UnmarshalText(text []byte) error {
	decoded, err := ParseHexBytes(string(text))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// records are stored as deterministic CBOR, so equal records encode to equal
// bytes
var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error
	if recordEncMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("invalid CBOR encoding options: %v", err))
	}
	// reject duplicated map keys in stored records
	if recordDecMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(fmt.Sprintf("invalid CBOR decoding options: %v", err))
	}
}

func encodeRecord(v any) ([]byte, error) {
	data, err := recordEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte, out any) error {
	if err := recordDecMode.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

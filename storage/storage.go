/*
Package storage keeps the local record of the transactions this client sent.

# Storage Organization

The storage uses a key-value database with prefixed namespaces:

  - tx/ : record id → TxRecord (one per submitted contract write)

Record ids are UUIDv7, so the key order is the submission order.

Decrypted tallies, private keys and any other secret are never stored.
*/
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vocdoni/securevote/db"
	"github.com/vocdoni/securevote/db/prefixeddb"
	"github.com/vocdoni/securevote/log"
)

var (
	ErrNotFound = errors.New("not found")

	// Prefixes
	txPrefix = []byte("tx/")
)

// Storage is the local transaction journal. It is safe for concurrent use.
type Storage struct {
	db         db.Database
	writeMu sync.Mutex
}

// New creates a new Storage instance.
func New(database db.Database) *Storage {
	return &Storage{db: database}
}

// Close closes the storage.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err.Error())
	}
}

// getRecord decodes the record stored under prefix and key into out.
func (s *Storage) getRecord(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := decodeRecord(data, out); err != nil {
		return fmt.Errorf("record %x: %w", key, err)
	}
	return nil
}

// setRecord encodes and stores rec under prefix and key.
func (s *Storage) setRecord(prefix, key []byte, rec any) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// deleteRecord removes the record stored under prefix and key.
func (s *Storage) deleteRecord(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// iterateRecords calls fn with copies of the key and raw value of every
// record under prefix, in key order, until fn returns false.
func (s *Storage) iterateRecords(prefix []byte, fn func(key, value []byte) bool) error {
	return prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, func(k, v []byte) bool {
		return fn(append([]byte(nil), k...), append([]byte(nil), v...))
	})
}

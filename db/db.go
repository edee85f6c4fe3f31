// Package db defines the key-value database interfaces used by the local
// storage, and the backends implementing them live in its subpackages.
package db

import (
	"errors"
	"io"
)

// Database backend types.
const (
	TypePebble = "pebble"
	TypeInMem  = "inmem"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a key read or written by the
	// transaction was modified concurrently.
	ErrConflict = errors.New("transaction conflict")
)

// Options configures a backend. Path is ignored by in-memory backends.
type Options struct {
	Path string
}

// Reader reads keys and ranges. The returned slices must not be modified and
// are only valid until the callback returns, unless documented otherwise.
type Reader interface {
	// Get returns the value of key or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for every key starting with prefix, in
	// ascending key order, until callback returns false.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx accumulates writes that are applied atomically on Commit. Reads see
// the transaction's own pending writes.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies every key of other into the transaction.
	Apply(other WriteTx) error
	Commit() error
	// Discard drops the transaction. It is safe to call after Commit.
	Discard()
}

// Database is a key-value store.
type Database interface {
	io.Closer
	Reader
	WriteTx() WriteTx
	Compact() error
}

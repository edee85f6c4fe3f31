// Package inmemory provides a map backed db.Database for tests and for
// running without a data directory.
package inmemory

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/vocdoni/securevote/db"
)

// InMemoryDB keeps every key in a map guarded by a mutex. Each write bumps the
// version of its key, and a transaction fails to commit if any key it touched
// changed version in the meantime.
type InMemoryDB struct {
	mu       sync.RWMutex
	values   map[string][]byte
	versions map[string]uint64
	clock    uint64
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns an empty database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		values:   make(map[string][]byte),
		versions: make(map[string]uint64),
	}, nil
}

func (d *InMemoryDB) Close() error   { return nil }
func (d *InMemoryDB) Compact() error { return nil }

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	snapshot, _ := d.scan(string(prefix))
	walk(snapshot, callback)
	return nil
}

// scan copies the keys under prefix together with their versions.
func (d *InMemoryDB) scan(prefix string) (map[string][]byte, map[string]uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	values := make(map[string][]byte)
	versions := make(map[string]uint64)
	for k, v := range d.values {
		if strings.HasPrefix(k, prefix) {
			values[k] = bytes.Clone(v)
			versions[k] = d.versions[k]
		}
	}
	return values, versions
}

func (d *InMemoryDB) version(key string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.versions[key]
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:      d,
		pending: make(map[string]*[]byte),
		seen:    make(map[string]uint64),
	}
}

// WriteTx buffers writes until Commit. A nil pending entry is a delete.
type WriteTx struct {
	db      *InMemoryDB
	pending map[string]*[]byte
	seen    map[string]uint64
	done    bool
}

var _ db.WriteTx = (*WriteTx)(nil)

// touch records the version of key the first time the transaction uses it.
func (tx *WriteTx) touch(key string, version uint64) {
	if _, ok := tx.seen[key]; !ok {
		tx.seen[key] = version
	}
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if p, ok := tx.pending[k]; ok {
		if p == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*p), nil
	}
	tx.touch(k, tx.db.version(k))
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	values, versions := tx.db.scan(string(prefix))
	for k, ver := range versions {
		tx.touch(k, ver)
	}
	for k, p := range tx.pending {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if p == nil {
			delete(values, k)
		} else {
			values[k] = bytes.Clone(*p)
		}
	}
	walk(values, callback)
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	k := string(key)
	tx.touch(k, tx.db.version(k))
	v := bytes.Clone(value)
	tx.pending[k] = &v
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	k := string(key)
	tx.touch(k, tx.db.version(k))
	tx.pending[k] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) (err error) {
	iterErr := other.Iterate(nil, func(k, v []byte) bool {
		err = tx.Set(k, v)
		return err == nil
	})
	if err != nil {
		return err
	}
	return iterErr
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("inmemory tx already committed or discarded")
	}
	d := tx.db
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, ver := range tx.seen {
		if d.versions[k] != ver {
			return db.ErrConflict
		}
	}
	for k, p := range tx.pending {
		d.clock++
		d.versions[k] = d.clock
		if p == nil {
			delete(d.values, k)
		} else {
			d.values[k] = *p
		}
	}
	tx.done = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.pending = nil
	tx.seen = nil
	tx.done = true
}

// walk calls callback in ascending key order.
func walk(entries map[string][]byte, callback func(key, value []byte) bool) {
	for _, k := range slices.Sorted(maps.Keys(entries)) {
		if !callback([]byte(k), entries[k]) {
			return
		}
	}
}

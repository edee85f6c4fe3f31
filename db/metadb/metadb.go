// Package metadb opens a db.Database by backend type.
package metadb

import (
	"fmt"
	"os"
	"testing"

	"github.com/vocdoni/securevote/db"
	"github.com/vocdoni/securevote/db/inmemory"
	"github.com/vocdoni/securevote/db/pebbledb"
)

// New opens a database of the given type. For pebble, dir is created if it
// does not exist.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case db.TypePebble:
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
		}
		return pebbledb.New(db.Options{Path: dir})
	case db.TypeInMem:
		return inmemory.New(db.Options{})
	default:
		return nil, fmt.Errorf("invalid database type %q", typ)
	}
}

// NewTest returns a pebble database in a temporary directory that is closed
// when the test finishes.
func NewTest(tb testing.TB) db.Database {
	database, err := New(db.TypePebble, tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := database.Close(); err != nil {
			tb.Error(err)
		}
	})
	return database
}

package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// WriteOptions used for every index write. Durability comes from the
// periodic flush, not per-write syncs.
var WriteOptions = pebble.NoSync

// DB is one index's storage database. Forward map, reverse map and
// indexing stamps live in disjoint key spaces of the same database, so
// a write batch can touch all of them atomically.
type DB struct {
	pb  *pebble.DB
	dir string
}

func OpenDB(dir string) (*DB, error) {
	pb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", dir)
	}
	return &DB{pb: pb, dir: dir}, nil
}

func (d *DB) Pebble() *pebble.DB { return d.pb }

func (d *DB) Dir() string { return d.dir }

func (d *DB) Flush() error {
	return d.pb.Flush()
}

func (d *DB) Close() error {
	return d.pb.Close()
}

// DeletePrefix drops every record in one key space.
func (d *DB) DeletePrefix(prefix byte) error {
	return d.pb.DeleteRange([]byte{prefix}, []byte{prefix + 1}, WriteOptions)
}

package indexes

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/vfs"
)

// Indexing stamp sentinels. A real stamp is the creation stamp of the
// index the file was indexed against.
const (
	// StampUnindexed: the file holds no data in this index.
	StampUnindexed int64 = -1
	// StampOutdated: the file is known stale and scheduled for
	// reindexing.
	StampOutdated int64 = -2
)

// stampStore keeps per-input indexing stamps in the 'S' key space:
// i64 LE stamp followed by u64 LE content hash.
type stampStore struct {
	db *storage.DB
}

func stampKey(id vfs.InputId) []byte {
	return binary.BigEndian.AppendUint32([]byte{stampPrefix}, uint32(id))
}

func (s stampStore) Get(id vfs.InputId) (stamp int64, contentHash uint64, err error) {
	data, closer, err := s.db.Pebble().Get(stampKey(id))
	if err == pebble.ErrNotFound {
		return StampUnindexed, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "indexes: stamp get")
	}
	defer closer.Close()
	if len(data) != 16 {
		return 0, 0, errors.Wrap(storage.ErrBadRecord, "indexing stamp")
	}
	stamp = int64(binary.LittleEndian.Uint64(data[:8]))
	contentHash = binary.LittleEndian.Uint64(data[8:])
	return stamp, contentHash, nil
}

func (s stampStore) Set(id vfs.InputId, stamp int64, contentHash uint64) error {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(stamp))
	binary.LittleEndian.PutUint64(b[8:], contentHash)
	err := s.db.Pebble().Set(stampKey(id), b[:], storage.WriteOptions)
	return errors.Wrap(err, "indexes: stamp set")
}

func (s stampStore) Clear() error {
	return s.db.DeletePrefix(stampPrefix)
}

package storage

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

var ErrBadRecord = errors.New("storage: malformed record")

// KeyDescriptor serializes index keys and provides a hash of each key;
// the engine itself does not call HashKey. Key equality is the language ==, which
// is why K is constrained to comparable throughout.
type KeyDescriptor[K comparable] interface {
	HashKey(k K) uint64
	Save(k K) ([]byte, error)
	Read(data []byte) (K, error)
}

// Externalizer serializes index values.
type Externalizer[V any] interface {
	Save(v V) ([]byte, error)
	Read(data []byte) (V, error)
}

// StringKey is the descriptor for plain string keys.
type StringKey struct{}

func (StringKey) HashKey(k string) uint64 { return xxhash.Sum64String(k) }

func (StringKey) Save(k string) ([]byte, error) { return []byte(k), nil }

func (StringKey) Read(data []byte) (string, error) { return string(data), nil }

// Int32Value stores values as little-endian i32.
type Int32Value struct{}

func (Int32Value) Save(v int32) ([]byte, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:], nil
}

func (Int32Value) Read(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, errors.Wrap(ErrBadRecord, "i32 value")
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// UnitValue is the externalizer for indices that only record key
// presence.
type UnitValue struct{}

func (UnitValue) Save(struct{}) ([]byte, error) { return nil, nil }

func (UnitValue) Read([]byte) (struct{}, error) { return struct{}{}, nil }

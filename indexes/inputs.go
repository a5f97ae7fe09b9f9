package indexes

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/vfs"
)

// inputIdKey is the key descriptor of the reverse map.
type inputIdKey struct{}

func (inputIdKey) HashKey(id vfs.InputId) uint64 { return uint64(id) }

func (inputIdKey) Save(id vfs.InputId) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(id)), nil
}

func (inputIdKey) Read(data []byte) (vfs.InputId, error) {
	if len(data) != 4 {
		return 0, errors.Wrap(storage.ErrBadRecord, "input id key")
	}
	return vfs.InputId(binary.BigEndian.Uint32(data)), nil
}

// collectionCodec externalizes a key collection as a uvarint count
// followed by length-prefixed keys.
type collectionCodec[K comparable] struct {
	keys storage.KeyDescriptor[K]
}

func (cc collectionCodec[K]) Save(keys []K) ([]byte, error) {
	out := binary.AppendUvarint(nil, uint64(len(keys)))
	for _, k := range keys {
		kb, err := cc.keys.Save(k)
		if err != nil {
			return nil, err
		}
		out = binary.AppendUvarint(out, uint64(len(kb)))
		out = append(out, kb...)
	}
	return out, nil
}

func (cc collectionCodec[K]) Read(data []byte) ([]K, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errors.Wrap(storage.ErrBadRecord, "key collection size")
	}
	data = data[n:]
	keys := make([]K, 0, count)
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data[n:])) < size {
			return nil, errors.Wrap(storage.ErrBadRecord, "key collection entry")
		}
		k, err := cc.keys.Read(data[n : n+int(size)])
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		data = data[n+int(size):]
	}
	return keys, nil
}

// inputKeysMap is the reverse index: input id -> key collection stored
// by the last update. It mirrors the forward map's buffering mode by
// subscribing to the overlay; both share one monitor so the pair
// (buffering flag, change map) is observed consistently.
type inputKeysMap[K comparable] struct {
	base *storage.PersistentMap[vfs.InputId, []K]

	mon       *sync.Mutex
	buffering bool
	mem       map[vfs.InputId][]K
	memSet    map[vfs.InputId]bool // distinguishes buffered delete from absence
}

func newInputKeysMap[K comparable](base *storage.PersistentMap[vfs.InputId, []K], mon *sync.Mutex) *inputKeysMap[K] {
	return &inputKeysMap[K]{
		base:   base,
		mon:    mon,
		mem:    map[vfs.InputId][]K{},
		memSet: map[vfs.InputId]bool{},
	}
}

// BufferingChanged runs with the shared monitor held.
func (m *inputKeysMap[K]) BufferingChanged(on bool) {
	m.buffering = on
	if !on {
		m.reset()
	}
}

// MemoryCleared runs with the shared monitor held.
func (m *inputKeysMap[K]) MemoryCleared() {
	m.reset()
}

func (m *inputKeysMap[K]) reset() {
	m.mem = map[vfs.InputId][]K{}
	m.memSet = map[vfs.InputId]bool{}
}

func (m *inputKeysMap[K]) Get(id vfs.InputId) ([]K, error) {
	m.mon.Lock()
	if m.buffering && m.memSet[id] {
		keys := m.mem[id]
		m.mon.Unlock()
		return keys, nil
	}
	m.mon.Unlock()
	keys, _, err := m.base.Get(id)
	return keys, err
}

func (m *inputKeysMap[K]) Put(id vfs.InputId, keys []K) error {
	m.mon.Lock()
	if m.buffering {
		m.mem[id] = keys
		m.memSet[id] = true
		m.mon.Unlock()
		return nil
	}
	m.mon.Unlock()
	if len(keys) == 0 {
		return m.base.Delete(id)
	}
	return m.base.Put(id, keys)
}

func (m *inputKeysMap[K]) Clear() error {
	m.mon.Lock()
	m.reset()
	m.mon.Unlock()
	return m.base.Clear()
}

package indexes

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

const (
	forwardPrefix = 'F'
	reversePrefix = 'R'
	stampPrefix   = 'S'
)

var ErrIllegalInputId = errors.New("indexes: file has no stable id")

// AnyIndex is the type-erased handle the registry keeps per extension.
// Typed access goes through the generic query functions, which assert
// the handle back to its concrete UpdatableIndex.
type AnyIndex interface {
	Name() string
	Version() int32
	DependsOnContent() bool
	Accepts(f vfs.File) bool
	SizeLimitExempt(f vfs.File) bool
	CreationStamp() int64

	Update(id vfs.InputId, in *Input) error
	Stamp(id vfs.InputId) (stamp int64, contentHash uint64, err error)
	MarkOutdated(id vfs.InputId) error
	KeyStrings(id vfs.InputId) ([]string, error)

	SetBuffering(on bool)
	Buffering() bool

	Clear() error
	Flush() error
	Dispose() error

	Database() *storage.DB
}

// UpdatableIndex composes the forward map (through its memory
// overlay), the reverse map and the stamp store of one index, under a
// per-index readers-writer lock.
type UpdatableIndex[K comparable, V any] struct {
	ext    *Extension[K, V]
	db     *storage.DB
	lock   sync.RWMutex
	data   *MemoryOverlay[K, V]
	inputs *inputKeysMap[K]
	stamps stampStore

	creationStamp int64
	modCount      *atomic.Int64
	log           utils.Logger
}

// OpenIndex opens the extension's database under dir and wires the
// forward overlay and the reverse map to one shared monitor.
func (e *Extension[K, V]) OpenIndex(
	dir string, creationStamp int64, modCount *atomic.Int64, log utils.Logger,
) (AnyIndex, error) {
	db, err := storage.OpenDB(dir)
	if err != nil {
		return nil, err
	}
	forward := storage.NewPersistentMap[K, *ValueContainer[V]](db, forwardPrefix, e.Keys, containerCodec[V]{e.Values}, e.CacheSize)
	reverse := storage.NewPersistentMap[vfs.InputId, []K](db, reversePrefix, inputIdKey{}, collectionCodec[K]{e.Keys}, e.CacheSize)
	mon := &sync.Mutex{}
	data := NewMemoryOverlay(forward, e.Values, mon)
	inputs := newInputKeysMap(reverse, mon)
	data.AddListener(inputs)
	return &UpdatableIndex[K, V]{
		ext:           e,
		db:            db,
		data:          data,
		inputs:        inputs,
		stamps:        stampStore{db: db},
		creationStamp: creationStamp,
		modCount:      modCount,
		log:           log,
	}, nil
}

func (ix *UpdatableIndex[K, V]) Name() string { return ix.ext.Name }
func (ix *UpdatableIndex[K, V]) Version() int32 { return ix.ext.Version }
func (ix *UpdatableIndex[K, V]) DependsOnContent() bool { return ix.ext.DependsOnFileContent }
func (ix *UpdatableIndex[K, V]) CreationStamp() int64 { return ix.creationStamp }
func (ix *UpdatableIndex[K, V]) Database() *storage.DB { return ix.db }

func (ix *UpdatableIndex[K, V]) Accepts(f vfs.File) bool { return ix.ext.AcceptsFile(f) }

func (ix *UpdatableIndex[K, V]) SizeLimitExempt(f vfs.File) bool { return ix.ext.sizeLimitExempt(f) }

// Update recomputes the key set of one input and applies the diff to
// the forward and reverse maps inside one write-lock section. A nil
// input clears the file out of the index. Either both maps absorb the
// change or the error escalates to the registry, which schedules a
// rebuild.
func (ix *UpdatableIndex[K, V]) Update(id vfs.InputId, in *Input) error {
	if id == 0 {
		return ErrIllegalInputId
	}
	var newData map[K]V
	if in != nil {
		newData = ix.ext.Indexer(*in)
	}

	ix.lock.Lock()
	defer ix.lock.Unlock()

	oldKeys, err := ix.inputs.Get(id)
	if err != nil {
		return err
	}
	for _, k := range oldKeys {
		if _, keep := newData[k]; keep {
			continue
		}
		c, ok, err := ix.data.GetMutable(k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c.RemoveId(id)
		if c.IsEmpty() {
			err = ix.data.Delete(k)
		} else {
			err = ix.data.Put(k, c)
		}
		if err != nil {
			return err
		}
	}
	newKeys := make([]K, 0, len(newData))
	for k, v := range newData {
		c, ok, err := ix.data.GetMutable(k)
		if err != nil {
			return err
		}
		if !ok {
			c = NewValueContainer[V](ix.ext.Values)
		}
		c.RemoveId(id) // the value for this input may have changed
		if err := c.AddValue(id, v); err != nil {
			return err
		}
		if err := ix.data.Put(k, c); err != nil {
			return err
		}
		newKeys = append(newKeys, k)
	}
	if err := ix.inputs.Put(id, newKeys); err != nil {
		return err
	}
	if !ix.data.Buffering() {
		stamp, hash := StampUnindexed, uint64(0)
		if in != nil {
			stamp = ix.creationStamp
			if in.Content != nil {
				hash = xxhash.Sum64(in.Content)
			}
		}
		if err := ix.stamps.Set(id, stamp, hash); err != nil {
			return err
		}
	}
	ix.modCount.Add(1)
	return nil
}

func (ix *UpdatableIndex[K, V]) Stamp(id vfs.InputId) (int64, uint64, error) {
	return ix.stamps.Get(id)
}

// MarkOutdated stamps the input as scheduled for reindexing.
func (ix *UpdatableIndex[K, V]) MarkOutdated(id vfs.InputId) error {
	return ix.stamps.Set(id, StampOutdated, 0)
}

// KeyStrings is the debugging view of the reverse map.
func (ix *UpdatableIndex[K, V]) KeyStrings(id vfs.InputId) ([]string, error) {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	keys, err := ix.inputs.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprint(k))
	}
	return out, nil
}

func (ix *UpdatableIndex[K, V]) SetBuffering(on bool) { ix.data.SetBuffering(on) }

func (ix *UpdatableIndex[K, V]) Buffering() bool { return ix.data.Buffering() }

// GetData returns a snapshot of the container for key, empty when the
// key is absent.
func (ix *UpdatableIndex[K, V]) GetData(k K) (*ValueContainer[V], error) {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	c, ok, err := ix.data.Get(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewValueContainer[V](ix.ext.Values), nil
	}
	return c.Copy(), nil
}

// ProcessValues visits the (value, ids) pairs of one key under the
// read lock.
func (ix *UpdatableIndex[K, V]) ProcessValues(k K, fn func(v V, ids []vfs.InputId) bool) (bool, error) {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	c, ok, err := ix.data.Get(k)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return c.ProcessValues(fn), nil
}

// ContainingIds returns the sorted ids of inputs holding key k.
func (ix *UpdatableIndex[K, V]) ContainingIds(k K) ([]vfs.InputId, error) {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	c, ok, err := ix.data.Get(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.ContainingIds(), nil
}

// ProcessAllKeys visits every key under the read lock until fn
// returns false.
func (ix *UpdatableIndex[K, V]) ProcessAllKeys(fn func(K) bool) (bool, error) {
	ix.lock.RLock()
	defer ix.lock.RUnlock()
	return ix.data.ProcessKeys(fn)
}

// Clear wipes the forward map, the reverse map and the stamps.
func (ix *UpdatableIndex[K, V]) Clear() error {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	if err := ix.data.Clear(); err != nil {
		return err
	}
	if err := ix.inputs.Clear(); err != nil {
		return err
	}
	if err := ix.stamps.Clear(); err != nil {
		return err
	}
	ix.modCount.Add(1)
	return nil
}

func (ix *UpdatableIndex[K, V]) Flush() error {
	return ix.db.Flush()
}

func (ix *UpdatableIndex[K, V]) Dispose() error {
	if err := ix.db.Close(); err != nil {
		ix.log.Error("index dispose failed", "index", ix.ext.Name, "error", err)
		return err
	}
	return nil
}

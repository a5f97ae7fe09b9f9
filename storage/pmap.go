package storage

import (
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const minCacheSize = 16

// PersistentMap is a durable key-value map in one key space of an
// index database, with a read-through LRU cache in front of it.
type PersistentMap[K comparable, V any] struct {
	db     *DB
	prefix byte
	keys   KeyDescriptor[K]
	vals   Externalizer[V]
	cache  *lru.Cache[string, V]
}

func NewPersistentMap[K comparable, V any](
	db *DB, prefix byte, kd KeyDescriptor[K], vx Externalizer[V], cacheSize int,
) *PersistentMap[K, V] {
	if cacheSize < minCacheSize {
		cacheSize = minCacheSize
	}
	cache, _ := lru.New[string, V](cacheSize)
	return &PersistentMap[K, V]{db: db, prefix: prefix, keys: kd, vals: vx, cache: cache}
}

func (m *PersistentMap[K, V]) dbKey(k K) ([]byte, error) {
	kb, err := m.keys.Save(k)
	if err != nil {
		return nil, err
	}
	return append([]byte{m.prefix}, kb...), nil
}

func (m *PersistentMap[K, V]) Get(k K) (v V, ok bool, err error) {
	kb, err := m.dbKey(k)
	if err != nil {
		return v, false, err
	}
	if cached, hit := m.cache.Get(string(kb)); hit {
		return cached, true, nil
	}
	data, closer, err := m.db.pb.Get(kb)
	if err == pebble.ErrNotFound {
		return v, false, nil
	}
	if err != nil {
		return v, false, errors.Wrap(err, "storage: get")
	}
	defer closer.Close()
	v, err = m.vals.Read(data)
	if err != nil {
		return v, false, err
	}
	m.cache.Add(string(kb), v)
	return v, true, nil
}

func (m *PersistentMap[K, V]) Put(k K, v V) error {
	kb, err := m.dbKey(k)
	if err != nil {
		return err
	}
	vb, err := m.vals.Save(v)
	if err != nil {
		return err
	}
	if err := m.db.pb.Set(kb, vb, WriteOptions); err != nil {
		return errors.Wrap(err, "storage: set")
	}
	m.cache.Add(string(kb), v)
	return nil
}

func (m *PersistentMap[K, V]) Delete(k K) error {
	kb, err := m.dbKey(k)
	if err != nil {
		return err
	}
	m.cache.Remove(string(kb))
	if err := m.db.pb.Delete(kb, WriteOptions); err != nil {
		return errors.Wrap(err, "storage: delete")
	}
	return nil
}

// ProcessKeys feeds every stored key to fn until fn returns false.
// Reports whether the iteration ran to completion.
func (m *PersistentMap[K, V]) ProcessKeys(fn func(K) bool) (bool, error) {
	iter, err := m.db.pb.NewIter(&pebble.IterOptions{
		LowerBound: []byte{m.prefix},
		UpperBound: []byte{m.prefix + 1},
	})
	if err != nil {
		return false, errors.Wrap(err, "storage: iterate")
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		k, err := m.keys.Read(iter.Key()[1:])
		if err != nil {
			return false, err
		}
		if !fn(k) {
			return false, nil
		}
	}
	return true, errors.Wrap(iter.Error(), "storage: iterate")
}

// Clear drops the whole key space and the cache.
func (m *PersistentMap[K, V]) Clear() error {
	m.cache.Purge()
	return m.db.DeletePrefix(m.prefix)
}

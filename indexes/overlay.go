package indexes

import (
	"sync"

	"github.com/kartoteka/kartoteka/storage"
)

// OverlayListener observes buffering-state transitions of a
// MemoryOverlay. Callbacks run with the overlay monitor held.
type OverlayListener interface {
	BufferingChanged(on bool)
	MemoryCleared()
}

// MemoryOverlay wraps the forward PersistentMap with an in-memory
// change map. In passthrough mode every operation goes straight to the
// underlying map. In buffering mode writes and deletes stay in the
// change map (a delete records an empty container) and reads consult
// it first. The change map never reaches disk; toggling buffering off
// discards it.
type MemoryOverlay[K comparable, V any] struct {
	base *storage.PersistentMap[K, *ValueContainer[V]]
	vals storage.Externalizer[V]

	mon       *sync.Mutex // shared with the reverse-map overlay
	buffering bool
	mem       map[K]*ValueContainer[V]
	lstn      []OverlayListener
}

func NewMemoryOverlay[K comparable, V any](
	base *storage.PersistentMap[K, *ValueContainer[V]],
	vals storage.Externalizer[V],
	mon *sync.Mutex,
) *MemoryOverlay[K, V] {
	return &MemoryOverlay[K, V]{base: base, vals: vals, mon: mon, mem: map[K]*ValueContainer[V]{}}
}

func (o *MemoryOverlay[K, V]) AddListener(l OverlayListener) {
	o.mon.Lock()
	o.lstn = append(o.lstn, l)
	o.mon.Unlock()
}

func (o *MemoryOverlay[K, V]) Buffering() bool {
	o.mon.Lock()
	defer o.mon.Unlock()
	return o.buffering
}

// SetBuffering toggles buffering mode. Turning it off discards the
// change map without flushing: buffered state represents transient
// editor content.
func (o *MemoryOverlay[K, V]) SetBuffering(on bool) {
	o.mon.Lock()
	defer o.mon.Unlock()
	if o.buffering == on {
		return
	}
	o.buffering = on
	if !on {
		o.mem = map[K]*ValueContainer[V]{}
	}
	for _, l := range o.lstn {
		l.BufferingChanged(on)
	}
}

// ClearMemory drops the change map while staying in the current mode.
func (o *MemoryOverlay[K, V]) ClearMemory() {
	o.mon.Lock()
	defer o.mon.Unlock()
	o.mem = map[K]*ValueContainer[V]{}
	for _, l := range o.lstn {
		l.MemoryCleared()
	}
}

func (o *MemoryOverlay[K, V]) Get(k K) (*ValueContainer[V], bool, error) {
	o.mon.Lock()
	if o.buffering {
		if c, ok := o.mem[k]; ok {
			o.mon.Unlock()
			return c, true, nil
		}
	}
	o.mon.Unlock()
	return o.base.Get(k)
}

// GetMutable returns a container safe to mutate and Put back. In
// buffering mode a container read from disk is copied first, so the
// cached persistent state stays untouched.
func (o *MemoryOverlay[K, V]) GetMutable(k K) (*ValueContainer[V], bool, error) {
	o.mon.Lock()
	buffering := o.buffering
	if buffering {
		if c, ok := o.mem[k]; ok {
			o.mon.Unlock()
			return c, true, nil
		}
	}
	o.mon.Unlock()
	c, ok, err := o.base.Get(k)
	if err != nil || !ok {
		return nil, ok, err
	}
	if buffering {
		c = c.Copy()
	}
	return c, true, nil
}

func (o *MemoryOverlay[K, V]) Put(k K, c *ValueContainer[V]) error {
	o.mon.Lock()
	if o.buffering {
		o.mem[k] = c
		o.mon.Unlock()
		return nil
	}
	o.mon.Unlock()
	return o.base.Put(k, c)
}

func (o *MemoryOverlay[K, V]) Delete(k K) error {
	o.mon.Lock()
	if o.buffering {
		o.mem[k] = NewValueContainer[V](o.vals)
		o.mon.Unlock()
		return nil
	}
	o.mon.Unlock()
	return o.base.Delete(k)
}

// ProcessKeys visits every key with a non-empty container, buffered
// state shadowing disk. Reports whether iteration ran to completion.
func (o *MemoryOverlay[K, V]) ProcessKeys(fn func(K) bool) (bool, error) {
	o.mon.Lock()
	shadow := make(map[K]*ValueContainer[V], len(o.mem))
	if o.buffering {
		for k, c := range o.mem {
			shadow[k] = c
		}
	}
	o.mon.Unlock()
	for k, c := range shadow {
		if !c.IsEmpty() && !fn(k) {
			return false, nil
		}
	}
	return o.base.ProcessKeys(func(k K) bool {
		if _, ok := shadow[k]; ok {
			return true // already decided by the overlay
		}
		return fn(k)
	})
}

// Clear wipes the underlying map and the change map.
func (o *MemoryOverlay[K, V]) Clear() error {
	o.mon.Lock()
	o.mem = map[K]*ValueContainer[V]{}
	o.mon.Unlock()
	return o.base.Clear()
}

package indexes

import (
	"encoding/binary"
	"sort"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/vfs"
)

var ErrBadContainer = errors.New("indexes: malformed value container")

// ValueContainer is the forward-index payload for one key: every
// distinct value mapped to the set of input ids contributing it.
// Values are distinguished by their externalized bytes, so the
// externalizer defines value identity.
type ValueContainer[V any] struct {
	vals    storage.Externalizer[V]
	entries map[string]*valueEntry[V]
}

type valueEntry[V any] struct {
	value V
	data  []byte
	ids   map[vfs.InputId]struct{}
}

func NewValueContainer[V any](vx storage.Externalizer[V]) *ValueContainer[V] {
	return &ValueContainer[V]{vals: vx, entries: map[string]*valueEntry[V]{}}
}

// AddValue associates id with v, creating the value entry on first
// sight.
func (c *ValueContainer[V]) AddValue(id vfs.InputId, v V) error {
	data, err := c.vals.Save(v)
	if err != nil {
		return err
	}
	e := c.entries[string(data)]
	if e == nil {
		e = &valueEntry[V]{value: v, data: data, ids: map[vfs.InputId]struct{}{}}
		c.entries[string(data)] = e
	}
	e.ids[id] = struct{}{}
	return nil
}

// RemoveId drops id from every value entry, discarding entries that
// become empty.
func (c *ValueContainer[V]) RemoveId(id vfs.InputId) {
	for k, e := range c.entries {
		delete(e.ids, id)
		if len(e.ids) == 0 {
			delete(c.entries, k)
		}
	}
}

func (c *ValueContainer[V]) IsEmpty() bool { return len(c.entries) == 0 }

// Len is the number of distinct values.
func (c *ValueContainer[V]) Len() int { return len(c.entries) }

// ProcessValues visits every (value, ids) pair until fn returns false.
// Ids come sorted, iteration order over values is unspecified.
func (c *ValueContainer[V]) ProcessValues(fn func(v V, ids []vfs.InputId) bool) bool {
	for _, e := range c.entries {
		if !fn(e.value, sortedIds(e.ids)) {
			return false
		}
	}
	return true
}

// ValuesFor returns the values id contributes.
func (c *ValueContainer[V]) ValuesFor(id vfs.InputId) []V {
	var out []V
	for _, e := range c.entries {
		if _, ok := e.ids[id]; ok {
			out = append(out, e.value)
		}
	}
	return out
}

// ContainingIds returns the sorted distinct ids over all values.
func (c *ValueContainer[V]) ContainingIds() []vfs.InputId {
	seen := map[vfs.InputId]struct{}{}
	for _, e := range c.entries {
		for id := range e.ids {
			seen[id] = struct{}{}
		}
	}
	return sortedIds(seen)
}

// Copy returns a deep copy sharing only immutable value bytes.
func (c *ValueContainer[V]) Copy() *ValueContainer[V] {
	out := NewValueContainer[V](c.vals)
	for k, e := range c.entries {
		ids := make(map[vfs.InputId]struct{}, len(e.ids))
		for id := range e.ids {
			ids[id] = struct{}{}
		}
		out.entries[k] = &valueEntry[V]{value: e.value, data: e.data, ids: ids}
	}
	return out
}

func sortedIds(set map[vfs.InputId]struct{}) []vfs.InputId {
	ids := make([]vfs.InputId, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// containerCodec externalizes a ValueContainer as a sequence of 'E'
// records, each holding a 'V' record with the value bytes and an 'I'
// record with big-endian u32 input ids.
type containerCodec[V any] struct {
	vals storage.Externalizer[V]
}

func (cc containerCodec[V]) Save(c *ValueContainer[V]) ([]byte, error) {
	var out []byte
	for _, e := range c.entries {
		ids := sortedIds(e.ids)
		idbytes := make([]byte, 0, len(ids)*4)
		for _, id := range ids {
			idbytes = binary.BigEndian.AppendUint32(idbytes, uint32(id))
		}
		out = append(out, toytlv.Record('E',
			toytlv.Record('V', e.data),
			toytlv.Record('I', idbytes),
		)...)
	}
	return out, nil
}

func (cc containerCodec[V]) Read(data []byte) (*ValueContainer[V], error) {
	c := NewValueContainer[V](cc.vals)
	rest := data
	for len(rest) > 0 {
		entry, tail := toytlv.Take('E', rest)
		if entry == nil {
			return nil, errors.Wrap(ErrBadContainer, "entry record")
		}
		rest = tail
		vbody, ibody := toytlv.Take('V', entry)
		idbytes, _ := toytlv.Take('I', ibody)
		if vbody == nil || idbytes == nil || len(idbytes)%4 != 0 {
			return nil, errors.Wrap(ErrBadContainer, "entry body")
		}
		v, err := cc.vals.Read(vbody)
		if err != nil {
			return nil, err
		}
		e := &valueEntry[V]{value: v, data: vbody, ids: map[vfs.InputId]struct{}{}}
		for i := 0; i < len(idbytes); i += 4 {
			e.ids[vfs.InputId(binary.BigEndian.Uint32(idbytes[i:]))] = struct{}{}
		}
		c.entries[string(vbody)] = e
	}
	return c, nil
}

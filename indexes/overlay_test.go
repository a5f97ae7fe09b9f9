package indexes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartoteka/kartoteka/vfs"
)

func TestBufferingShadowsPersistentState(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1 b=2")

	ix.SetBuffering(true)
	update(t, ix, 1, "a=42")

	// the overlay answers queries
	assert.Equal(t, map[vfs.InputId]int32{1: 42}, valuesFor(t, ix, "a"))
	ids, err := ix.ContainingIds("b")
	require.NoError(t, err)
	assert.Empty(t, ids)
	keys, err := ix.KeyStrings(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	// dropping the buffer reverts to the persistent pair
	ix.SetBuffering(false)
	assert.Equal(t, map[vfs.InputId]int32{1: 1}, valuesFor(t, ix, "a"))
	assert.Equal(t, map[vfs.InputId]int32{1: 2}, valuesFor(t, ix, "b"))
	keys, err = ix.KeyStrings(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestBufferingToggleWithoutMutationIsIdentity(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1 b=2")

	snapshot := func() (map[vfs.InputId]int32, map[vfs.InputId]int32, []string) {
		a := valuesFor(t, ix, "a")
		b := valuesFor(t, ix, "b")
		keys, err := ix.KeyStrings(1)
		require.NoError(t, err)
		return a, b, keys
	}
	a1, b1, k1 := snapshot()

	ix.SetBuffering(true)
	ix.SetBuffering(false)

	a2, b2, k2 := snapshot()
	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.ElementsMatch(t, k1, k2)
}

func TestBufferedWritesNeverTouchStamps(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1")
	stamp, hash, err := ix.Stamp(1)
	require.NoError(t, err)

	ix.SetBuffering(true)
	update(t, ix, 1, "a=2")

	stamp2, hash2, err := ix.Stamp(1)
	require.NoError(t, err)
	assert.Equal(t, stamp, stamp2)
	assert.Equal(t, hash, hash2)
}

func TestBufferedNewKeyVisibleInProcessAllKeys(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1")

	ix.SetBuffering(true)
	update(t, ix, 1, "a=1 c=3")

	var keys []string
	_, err := ix.ProcessAllKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, keys)
}

func TestOverlayListenerLockstep(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1")

	// the reverse map mirrors buffered writes and discards them with
	// the forward overlay
	ix.SetBuffering(true)
	update(t, ix, 2, "z=9")
	keys, err := ix.KeyStrings(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, keys)

	ix.SetBuffering(false)
	keys, err = ix.KeyStrings(2)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestContainerCodecRoundtrip(t *testing.T) {
	codec := containerCodec[int32]{vals: pairsExtension().Values}
	c := NewValueContainer[int32](pairsExtension().Values)
	require.NoError(t, c.AddValue(1, 10))
	require.NoError(t, c.AddValue(2, 10))
	require.NoError(t, c.AddValue(3, 20))

	data, err := codec.Save(c)
	require.NoError(t, err)
	back, err := codec.Read(data)
	require.NoError(t, err)

	assert.Equal(t, c.ContainingIds(), back.ContainingIds())
	assert.Equal(t, c.Len(), back.Len())
	assert.ElementsMatch(t, c.ValuesFor(1), back.ValuesFor(1))
	assert.ElementsMatch(t, c.ValuesFor(3), back.ValuesFor(3))
}

func TestCollectionCodecRoundtrip(t *testing.T) {
	codec := collectionCodec[string]{keys: pairsExtension().Keys}
	data, err := codec.Save([]string{"alpha", "b", ""})
	require.NoError(t, err)
	back, err := codec.Read(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "b", ""}, back)
}

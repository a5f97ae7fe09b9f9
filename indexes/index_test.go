package indexes

import (
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

// pairsExtension indexes content of the form "a=1 b=2".
func pairsExtension() *Extension[string, int32] {
	return &Extension[string, int32]{
		Name:                 "pairs",
		Version:              1,
		DependsOnFileContent: true,
		CacheSize:            64,
		Keys:                 storage.StringKey{},
		Values:               storage.Int32Value{},
		Indexer: func(in Input) map[string]int32 {
			out := map[string]int32{}
			for _, field := range strings.Fields(string(in.Content)) {
				k, v, ok := strings.Cut(field, "=")
				if !ok {
					continue
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					continue
				}
				out[k] = int32(n)
			}
			return out
		},
	}
}

func testIndex(t *testing.T) *UpdatableIndex[string, int32] {
	t.Helper()
	var mods atomic.Int64
	h, err := pairsExtension().OpenIndex(t.TempDir(), 42, &mods, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Dispose() })
	return h.(*UpdatableIndex[string, int32])
}

func update(t *testing.T, ix *UpdatableIndex[string, int32], id vfs.InputId, content string) {
	t.Helper()
	require.NoError(t, ix.Update(id, &Input{Content: []byte(content)}))
}

func valuesFor(t *testing.T, ix *UpdatableIndex[string, int32], key string) map[vfs.InputId]int32 {
	t.Helper()
	out := map[vfs.InputId]int32{}
	_, err := ix.ProcessValues(key, func(v int32, ids []vfs.InputId) bool {
		for _, id := range ids {
			out[id] = v
		}
		return true
	})
	require.NoError(t, err)
	return out
}

// checkLockstep asserts that the forward containers referencing id
// match exactly the reverse key collection of id.
func checkLockstep(t *testing.T, ix *UpdatableIndex[string, int32], id vfs.InputId) {
	t.Helper()
	reverse, err := ix.KeyStrings(id)
	require.NoError(t, err)
	var forward []string
	_, err = ix.ProcessAllKeys(func(k string) bool {
		ids, err := ix.ContainingIds(k)
		require.NoError(t, err)
		for _, got := range ids {
			if got == id {
				forward = append(forward, k)
			}
		}
		return true
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, reverse, forward)
}

func TestUpdateThenQuery(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1 b=2")

	ids, err := ix.ContainingIds("a")
	require.NoError(t, err)
	assert.Equal(t, []vfs.InputId{1}, ids)

	assert.Equal(t, map[vfs.InputId]int32{1: 1}, valuesFor(t, ix, "a"))
	assert.Equal(t, map[vfs.InputId]int32{1: 2}, valuesFor(t, ix, "b"))

	keys, err := ix.KeyStrings(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
	checkLockstep(t, ix, 1)
}

func TestUpdateLosesKey(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1 b=2")
	update(t, ix, 1, "a=9")

	ids, err := ix.ContainingIds("b")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, map[vfs.InputId]int32{1: 9}, valuesFor(t, ix, "a"))

	keys, err := ix.KeyStrings(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
	checkLockstep(t, ix, 1)
}

func TestUpdateSharedKey(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1")
	update(t, ix, 2, "a=1")
	update(t, ix, 3, "a=5")

	ids, err := ix.ContainingIds("a")
	require.NoError(t, err)
	assert.Equal(t, []vfs.InputId{1, 2, 3}, ids)

	require.NoError(t, ix.Update(2, nil))
	ids, err = ix.ContainingIds("a")
	require.NoError(t, err)
	assert.Equal(t, []vfs.InputId{1, 3}, ids)
	checkLockstep(t, ix, 2)
}

func TestUpdateNilRemoves(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1 b=2")
	require.NoError(t, ix.Update(1, nil))

	ids, err := ix.ContainingIds("a")
	require.NoError(t, err)
	assert.Empty(t, ids)
	keys, err := ix.KeyStrings(1)
	require.NoError(t, err)
	assert.Empty(t, keys)

	stamp, _, err := ix.Stamp(1)
	require.NoError(t, err)
	assert.Equal(t, StampUnindexed, stamp)
}

func TestUpdateRejectsZeroId(t *testing.T) {
	ix := testIndex(t)
	err := ix.Update(0, &Input{Content: []byte("a=1")})
	assert.ErrorIs(t, err, ErrIllegalInputId)
}

func TestStampFollowsCreationStamp(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 7, "a=1")

	stamp, hash, err := ix.Stamp(7)
	require.NoError(t, err)
	assert.Equal(t, ix.CreationStamp(), stamp)
	assert.NotZero(t, hash)

	require.NoError(t, ix.MarkOutdated(7))
	stamp, _, err = ix.Stamp(7)
	require.NoError(t, err)
	assert.Equal(t, StampOutdated, stamp)
}

func TestClearWipesEverything(t *testing.T) {
	ix := testIndex(t)
	update(t, ix, 1, "a=1")
	update(t, ix, 2, "b=2")
	require.NoError(t, ix.Clear())

	var keys []string
	_, err := ix.ProcessAllKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	})
	require.NoError(t, err)
	assert.Empty(t, keys)

	stamp, _, err := ix.Stamp(1)
	require.NoError(t, err)
	assert.Equal(t, StampUnindexed, stamp)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	var mods atomic.Int64
	log := utils.NewDefaultLogger(slog.LevelError)

	h, err := pairsExtension().OpenIndex(dir, 42, &mods, log)
	require.NoError(t, err)
	ix := h.(*UpdatableIndex[string, int32])
	update(t, ix, 1, "a=1 b=2")
	require.NoError(t, ix.Flush())
	require.NoError(t, ix.Dispose())

	h, err = pairsExtension().OpenIndex(dir, 42, &mods, log)
	require.NoError(t, err)
	defer h.Dispose()
	ix = h.(*UpdatableIndex[string, int32])

	assert.Equal(t, map[vfs.InputId]int32{1: 1}, valuesFor(t, ix, "a"))
	keys, err := ix.KeyStrings(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestModCountAdvances(t *testing.T) {
	var mods atomic.Int64
	h, err := pairsExtension().OpenIndex(t.TempDir(), 1, &mods, utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	defer h.Dispose()

	before := mods.Load()
	require.NoError(t, h.Update(1, &Input{Content: []byte("a=1")}))
	assert.Greater(t, mods.Load(), before)
}

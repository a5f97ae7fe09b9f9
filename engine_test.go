package kartoteka

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartoteka/kartoteka/events"
	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/vfs"
)

const pairsName = "pairs"

// pairsExtension indexes content of the form "a=1 b=2".
func pairsExtension(version int32) *indexes.Extension[string, int32] {
	return &indexes.Extension[string, int32]{
		Name:                 pairsName,
		Version:              version,
		DependsOnFileContent: true,
		CacheSize:            64,
		Keys:                 storage.StringKey{},
		Values:               storage.Int32Value{},
		Indexer: func(in indexes.Input) map[string]int32 {
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

func testEngine(t *testing.T, root string, fs *vfs.MemFS, opts Options, exts ...indexes.AnyExtension) *Kartoteka {
	t.Helper()
	opts.DisableFlushDaemon = true
	if len(exts) == 0 {
		exts = []indexes.AnyExtension{pairsExtension(1), FileTypeIndex()}
	}
	ix, err := Open(root, fs, opts, exts...)
	require.NoError(t, err)
	fs.AddListener(ix.Collector())
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func newTestEngine(t *testing.T) (*Kartoteka, *vfs.MemFS) {
	t.Helper()
	fs := vfs.NewMemFS()
	return testEngine(t, t.TempDir(), fs, Options{}), fs
}

func ctxWaiting() context.Context {
	return WithWaitingAllowed(context.Background())
}

func paths(files []vfs.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path())
	}
	return out
}

func TestOpenFreshStartsClean(t *testing.T) {
	ix, _ := newTestEngine(t)
	for name, st := range ix.Statuses() {
		assert.Equal(t, StatusOK, st, name)
	}
}

func TestUpdateThenQuery(t *testing.T) {
	ix, fs := newTestEngine(t)
	f, err := fs.Create("/f.txt", []byte("a=1 b=2"))
	require.NoError(t, err)

	files, err := GetContainingFiles[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/f.txt"}, paths(files))

	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, vals)

	keys, err := ix.FileIndexedKeys(pairsName, f)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestContentChangeLosesKey(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/f.txt", []byte("a=1 b=2"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)

	require.NoError(t, fs.Write("/f.txt", []byte("a=9")))

	files, err := GetContainingFiles[string, int32](ctxWaiting(), ix, pairsName, "b", nil)
	require.NoError(t, err)
	assert.Empty(t, files)

	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, vals)
}

func TestDeleteRemovesEveryTrace(t *testing.T) {
	ix, fs := newTestEngine(t)
	f, err := fs.Create("/f.txt", []byte("a=1 b=2"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)

	require.NoError(t, fs.Delete("/f.txt"))

	for _, key := range []string{"a", "b"} {
		files, err := GetContainingFiles[string, int32](ctxWaiting(), ix, pairsName, key, nil)
		require.NoError(t, err)
		assert.Empty(t, files, key)
	}
	keys, err := ix.FileIndexedKeys(pairsName, f)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, ix.GetFilesToUpdate(nil))
}

func TestContentlessIndexIsSynchronous(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/pkg/x.go", []byte("package x"))
	require.NoError(t, err)

	// no drain needed: the listener updated the index already
	files, err := GetContainingFiles[string, struct{}](context.Background(), ix, FileTypeIndexName, ".go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/pkg/x.go"}, paths(files))

	require.NoError(t, fs.Delete("/pkg/x.go"))
	files, err = GetContainingFiles[string, struct{}](context.Background(), ix, FileTypeIndexName, ".go", nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIntersectionMatchesPairwise(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/1.txt", []byte("a=1 b=1"))
	require.NoError(t, err)
	_, err = fs.Create("/2.txt", []byte("a=2 c=2"))
	require.NoError(t, err)
	_, err = fs.Create("/3.txt", []byte("a=3 b=3 c=3"))
	require.NoError(t, err)

	var both []string
	_, err = ProcessFilesContainingAllKeys[string, int32](ctxWaiting(), ix, pairsName,
		[]string{"a", "b"}, nil, nil, func(f vfs.File) bool {
			both = append(both, f.Path())
			return true
		})
	require.NoError(t, err)

	fa, err := GetContainingFiles[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	fb, err := GetContainingFiles[string, int32](ctxWaiting(), ix, pairsName, "b", nil)
	require.NoError(t, err)
	expect := map[string]bool{}
	for _, f := range fa {
		expect[f.Path()] = true
	}
	var manual []string
	for _, f := range fb {
		if expect[f.Path()] {
			manual = append(manual, f.Path())
		}
	}
	assert.ElementsMatch(t, manual, both)
	assert.ElementsMatch(t, []string{"/1.txt", "/3.txt"}, both)
}

func TestAnyKeyUnion(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/1.txt", []byte("a=1"))
	require.NoError(t, err)
	_, err = fs.Create("/2.txt", []byte("b=2"))
	require.NoError(t, err)
	_, err = fs.Create("/3.txt", []byte("c=3"))
	require.NoError(t, err)

	var union []string
	_, err = ProcessFilesContainingAnyKey[string, int32](ctxWaiting(), ix, pairsName,
		[]string{"a", "b"}, nil, func(f vfs.File) bool {
			union = append(union, f.Path())
			return true
		})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/1.txt", "/2.txt"}, union)
}

func TestValueFilterNarrowsIntersection(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/1.txt", []byte("a=1 b=1"))
	require.NoError(t, err)
	_, err = fs.Create("/2.txt", []byte("a=2 b=2"))
	require.NoError(t, err)

	var got []string
	_, err = ProcessFilesContainingAllKeys[string, int32](ctxWaiting(), ix, pairsName,
		[]string{"a", "b"}, nil, func(v int32) bool { return v == 2 }, func(f vfs.File) bool {
			got = append(got, f.Path())
			return true
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"/2.txt"}, got)
}

func TestRequestRebuildRecovers(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/f.txt", []byte("a=1 b=2"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)

	require.NoError(t, ix.RequestRebuild(pairsName))
	assert.Equal(t, StatusOK, ix.Statuses()[pairsName])

	// the re-scan scheduled by the rebuild repopulates on the next query
	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, vals)
}

func TestVersionBumpWipesOnReopen(t *testing.T) {
	root := t.TempDir()
	fs := vfs.NewMemFS()
	ix := testEngine(t, root, fs, Options{}, pairsExtension(1))
	_, err := fs.Create("/f.txt", []byte("a=1"))
	require.NoError(t, err)
	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	require.Equal(t, []int32{1}, vals)
	require.NoError(t, ix.Close())

	ix2 := testEngine(t, root, fs, Options{}, pairsExtension(2))
	// queries are empty until a re-scan
	vals, err = GetValues[string, int32](ctxWaiting(), ix2, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Empty(t, vals)

	n, err := ix2.ScanAndSchedule(ctxWaiting(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	vals, err = GetValues[string, int32](ctxWaiting(), ix2, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, vals)
}

func TestCorruptionMarkerForcesRebuild(t *testing.T) {
	root := t.TempDir()
	fs := vfs.NewMemFS()
	ix := testEngine(t, root, fs, Options{}, pairsExtension(1))
	_, err := fs.Create("/f.txt", []byte("a=1"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	marker := filepath.Join(root, "corruption.marker")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	ix2 := testEngine(t, root, fs, Options{}, pairsExtension(1))
	vals, err := GetValues[string, int32](ctxWaiting(), ix2, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Empty(t, vals)
	assert.Equal(t, StatusOK, ix2.Statuses()[pairsName])

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "marker must be deleted once processed")
}

func TestUnsavedDocumentOverlay(t *testing.T) {
	ix, fs := newTestEngine(t)
	f, err := fs.Create("/f.txt", []byte("a=1 b=2"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)

	doc := NewDocument(f)
	ix.Documents().StartTransaction(doc)
	doc.SetText([]byte("a=42"))

	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{42}, vals)
	vals, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "b", nil)
	require.NoError(t, err)
	assert.Empty(t, vals)

	ix.Documents().DropChanges(doc)

	vals, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, vals)
	vals, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, vals)
}

func TestPersistentUpdateDuringOverlay(t *testing.T) {
	ix, fs := newTestEngine(t)
	f, err := fs.Create("/f.txt", []byte("a=1"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)

	doc := NewDocument(f)
	ix.Documents().StartTransaction(doc)
	doc.SetText([]byte("a=42"))
	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	require.Equal(t, []int32{42}, vals)

	// a disk write lands while the buffer is open; the buffered view
	// still wins until the buffer is dropped
	require.NoError(t, fs.Write("/f.txt", []byte("a=5")))
	vals, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{42}, vals)

	ix.Documents().DropChanges(doc)
	vals, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, vals)
}

type dumbHost struct {
	vfs.NopHost
	dumb bool
}

func (h *dumbHost) IsDumb() bool { return h.dumb }

func TestDumbModeRejectsImpatientCallers(t *testing.T) {
	root := t.TempDir()
	fs := vfs.NewMemFS()
	host := &dumbHost{dumb: true}
	ix := testEngine(t, root, fs, Options{Host: host})

	_, err := GetValues[string, int32](context.Background(), ix, pairsName, "a", nil)
	assert.ErrorIs(t, err, ErrNotReady)

	// a waiting-allowed caller proceeds once the host reports smart
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	assert.NoError(t, err)
}

func TestUnknownIndexAndTypeMismatch(t *testing.T) {
	ix, _ := newTestEngine(t)

	_, err := GetValues[string, int32](ctxWaiting(), ix, "nope", "a", nil)
	assert.ErrorIs(t, err, ErrUnknownIndex)

	_, err = GetValues[int32, int32](ctxWaiting(), ix, pairsName, 1, nil)
	assert.ErrorIs(t, err, ErrIndexTypeMismatch)
}

func TestRequestReindex(t *testing.T) {
	ix, fs := newTestEngine(t)
	f, err := fs.Create("/f.txt", []byte("a=1"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	require.Empty(t, ix.GetFilesToUpdate(nil))

	require.NoError(t, ix.RequestReindex(f))
	assert.Equal(t, []string{"/f.txt"}, paths(ix.GetFilesToUpdate(nil)))

	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, vals)
	assert.Empty(t, ix.GetFilesToUpdate(nil))
}

func TestScopedQueries(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/in/a.txt", []byte("k=1"))
	require.NoError(t, err)
	_, err = fs.Create("/out/b.txt", []byte("k=2"))
	require.NoError(t, err)

	inScope := func(f vfs.File) bool { return strings.HasPrefix(f.Path(), "/in/") }
	files, err := GetContainingFiles[string, int32](ctxWaiting(), ix, pairsName, "k", inScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"/in/a.txt"}, paths(files))

	vals, err := GetValues[string, int32](ctxWaiting(), ix, pairsName, "k", inScope)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, vals)
}

func TestGetAllKeys(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/f.txt", []byte("a=1 b=2 c=3"))
	require.NoError(t, err)

	keys, err := GetAllKeys[string, int32](ctxWaiting(), ix, pairsName)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}

func TestTransactionTopics(t *testing.T) {
	ix, fs := newTestEngine(t)
	f, err := fs.Create("/f.txt", []byte("a=1"))
	require.NoError(t, err)

	var started, completed int
	events.Subscribe(ix.Bus(), TransactionStarted, func(*Document) { started++ })
	events.Subscribe(ix.Bus(), TransactionCompleted, func(*Document) { completed++ })

	doc := NewDocument(f)
	ix.Documents().StartTransaction(doc)
	ix.Documents().CompleteTransaction(doc)
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
}

func TestFlushAllKeepsStatusOK(t *testing.T) {
	ix, fs := newTestEngine(t)
	_, err := fs.Create("/f.txt", []byte("a=1"))
	require.NoError(t, err)
	_, err = GetValues[string, int32](ctxWaiting(), ix, pairsName, "a", nil)
	require.NoError(t, err)

	ix.FlushAll()
	for name, st := range ix.Statuses() {
		assert.Equal(t, StatusOK, st, name)
	}
}

func TestFinderUpdatesContentlessOnTheSpot(t *testing.T) {
	root := t.TempDir()
	fs := vfs.NewMemFS()
	// files created before the engine attaches see no events
	_, err := fs.Create("/x.go", []byte("package x"))
	require.NoError(t, err)
	ix := testEngine(t, root, fs, Options{})

	n, err := ix.ScanAndSchedule(ctxWaiting(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	files, err := GetContainingFiles[string, struct{}](context.Background(), ix, FileTypeIndexName, ".go", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/x.go"}, paths(files))
}

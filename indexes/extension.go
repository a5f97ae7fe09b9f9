package indexes

import (
	"path/filepath"
	"sync/atomic"

	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

// Input is what an indexer sees for one file. Content is nil for
// content-independent indices, which compute keys from file metadata.
type Input struct {
	File    vfs.File
	Content []byte
}

// Extension declares one index: what it is called, how keys and values
// are computed from a file, and how they are serialized.
type Extension[K comparable, V any] struct {
	Name    string
	Version int32

	// Indexer computes the key-value map of one input.
	Indexer func(in Input) map[K]V

	Keys   storage.KeyDescriptor[K]
	Values storage.Externalizer[V]

	// InputFilter restricts which files feed this index. Nil accepts
	// every regular file.
	InputFilter func(f vfs.File) bool

	// DependsOnFileContent distinguishes content indices (deferred,
	// fed by the update queue) from content-less ones (updated
	// synchronously on VFS events).
	DependsOnFileContent bool

	// CacheSize bounds the forward-map read cache.
	CacheSize int

	// NoSizeLimitFor lists file-name suffixes (".go") exempt from the
	// engine's file size limit.
	NoSizeLimitFor map[string]struct{}
}

// AnyExtension is the runtime-typed handle the registry stores; the
// concrete key and value types stay private to the extension and its
// index.
type AnyExtension interface {
	IndexName() string
	IndexVersion() int32
	ContentDependent() bool
	AcceptsFile(f vfs.File) bool
	OpenIndex(dir string, creationStamp int64, modCount *atomic.Int64, log utils.Logger) (AnyIndex, error)
}

func (e *Extension[K, V]) IndexName() string { return e.Name }

func (e *Extension[K, V]) IndexVersion() int32 { return e.Version }

func (e *Extension[K, V]) ContentDependent() bool { return e.DependsOnFileContent }

func (e *Extension[K, V]) AcceptsFile(f vfs.File) bool {
	if f == nil || f.IsDirectory() {
		return false
	}
	return e.InputFilter == nil || e.InputFilter(f)
}

func (e *Extension[K, V]) sizeLimitExempt(f vfs.File) bool {
	_, ok := e.NoSizeLimitFor[filepath.Ext(f.Name())]
	return ok
}

package kartoteka

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/vfs"
)

// WordIndexName and FileTypeIndexName are the bundled example indices
// used by the CLI and the tests.
const (
	WordIndexName     = "words"
	FileTypeIndexName = "filetypes"
)

// WordIndex maps each word of a file's content to its occurrence
// count. Content-dependent, so updates flow through the deferred
// reindex queue.
func WordIndex() *indexes.Extension[string, int32] {
	return &indexes.Extension[string, int32]{
		Name:                 WordIndexName,
		Version:              1,
		DependsOnFileContent: true,
		CacheSize:            4096,
		Keys:                 storage.StringKey{},
		Values:               storage.Int32Value{},
		Indexer: func(in indexes.Input) map[string]int32 {
			out := map[string]int32{}
			words := strings.FieldsFunc(string(in.Content), func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			})
			for _, w := range words {
				out[strings.ToLower(w)]++
			}
			return out
		},
	}
}

// FileTypeIndex maps a file-name suffix to the files carrying it.
// Content-independent: it is updated synchronously in the VFS listener
// and never waits for the update queue.
func FileTypeIndex() *indexes.Extension[string, struct{}] {
	return &indexes.Extension[string, struct{}]{
		Name:                 FileTypeIndexName,
		Version:              1,
		DependsOnFileContent: false,
		CacheSize:            256,
		Keys:                 storage.StringKey{},
		Values:               storage.UnitValue{},
		Indexer: func(in indexes.Input) map[string]struct{} {
			ext := strings.ToLower(filepath.Ext(in.File.Name()))
			if ext == "" {
				return nil
			}
			return map[string]struct{}{ext: {}}
		},
	}
}

// EverythingScope accepts every file.
func EverythingScope(vfs.File) bool { return true }

// Package vfs is the virtual-file layer the index engine runs against.
// It assigns stable integer ids to files and turns filesystem
// mutations into ordered change events.
package vfs

import "context"

// InputId is the stable integer id of a file. Zero means the file has
// no id and cannot be indexed.
type InputId uint32

type File interface {
	Id() InputId
	Path() string
	Name() string
	IsDirectory() bool
	Size() int64
	// Valid reports whether the file still exists in the tree.
	Valid() bool
	// Content loads the current file content. Directories return nil.
	Content() ([]byte, error)
	// Children returns the previously observed children of a
	// directory, nil if the directory was never listed.
	Children() []File
}

// Resolver maps ids back to files and enumerates the tree.
type Resolver interface {
	FileById(id InputId) File
	AllFiles() []File
}

type EventKind byte

const (
	EventBeforeContentsChange EventKind = iota
	EventContentsChanged
	EventFileCreated
	EventFileCopied
	EventBeforeFileDeletion
	EventBeforePropertyChange
	EventPropertyChanged
)

// PropName is the only property the engine cares about: a name change
// may change the file type.
const PropName = "name"

type Event struct {
	Kind     EventKind
	File     File
	Property string
}

type Listener interface {
	OnFileEvent(ev Event)
}

// Host is what the embedding application provides: mode flags and the
// cancellation hook polled by long-running loops.
type Host interface {
	// IsDumb reports that indices may be incomplete and queries that
	// cannot wait must fail with a not-ready error.
	IsDumb() bool
	WaitUntilSmart(ctx context.Context) error
	// CheckCanceled returns a non-nil error when the host wants the
	// current operation abandoned.
	CheckCanceled() error
	// HeavyProcessRunning gates background flushing.
	HeavyProcessRunning() bool
	// ConfigRoot is an opaque path prefix whose files are never
	// indexable. Empty disables the check.
	ConfigRoot() string
}

// NopHost is the host used when the embedder does not supply one:
// always smart, never cancels.
type NopHost struct{}

func (NopHost) IsDumb() bool { return false }
func (NopHost) WaitUntilSmart(ctx context.Context) error { return ctx.Err() }
func (NopHost) CheckCanceled() error { return nil }
func (NopHost) HeavyProcessRunning() bool { return false }
func (NopHost) ConfigRoot() string { return "" }

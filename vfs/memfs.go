package vfs

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("vfs: no such file")
	ErrExists    = errors.New("vfs: file already exists")
	ErrDirectory = errors.New("vfs: is a directory")
)

// MemFS is an in-memory file tree with stable ids and synchronous
// event delivery. Paths are slash-separated and rooted at "/".
type MemFS struct {
	mu        sync.Mutex
	nextId    InputId
	byId      map[InputId]*MemFile
	byPath    map[string]*MemFile
	listeners []Listener
}

type MemFile struct {
	fs      *MemFS
	id      InputId
	dir     bool
	valid   bool
	name    string
	path    string
	content []byte
	kids    map[string]*MemFile
	listed  bool
}

func NewMemFS() *MemFS {
	fs := &MemFS{
		byId:   make(map[InputId]*MemFile),
		byPath: make(map[string]*MemFile),
	}
	root := &MemFile{fs: fs, dir: true, valid: true, name: "/", path: "/", kids: map[string]*MemFile{}}
	fs.register(root)
	return fs
}

func (fs *MemFS) register(f *MemFile) {
	fs.nextId++
	f.id = fs.nextId
	fs.byId[f.id] = f
	fs.byPath[f.path] = f
}

func (fs *MemFS) AddListener(l Listener) (remove func()) {
	fs.mu.Lock()
	fs.listeners = append(fs.listeners, l)
	n := len(fs.listeners) - 1
	fs.mu.Unlock()
	return func() {
		fs.mu.Lock()
		fs.listeners[n] = nil
		fs.mu.Unlock()
	}
}

// fire delivers ev to every listener. The tree lock is not held so
// listeners may call back into the fs.
func (fs *MemFS) fire(ev Event) {
	fs.mu.Lock()
	lstn := append([]Listener(nil), fs.listeners...)
	fs.mu.Unlock()
	for _, l := range lstn {
		if l != nil {
			l.OnFileEvent(ev)
		}
	}
}

func (fs *MemFS) FileById(id InputId) File {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.byId[id]
	if !ok {
		return nil
	}
	return f
}

func (fs *MemFS) Lookup(p string) File {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.byPath[path.Clean("/" + strings.TrimPrefix(p, "/"))]
	if !ok {
		return nil
	}
	return f
}

// AllFiles returns every regular file currently in the tree, in path
// order.
func (fs *MemFS) AllFiles() []File {
	fs.mu.Lock()
	paths := make([]string, 0, len(fs.byPath))
	for p, f := range fs.byPath {
		if f.valid && !f.dir {
			paths = append(paths, p)
		}
	}
	fs.mu.Unlock()
	sort.Strings(paths)
	out := make([]File, 0, len(paths))
	for _, p := range paths {
		if f := fs.Lookup(p); f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (fs *MemFS) mkdirs(p string) *MemFile {
	dir := fs.byPath["/"]
	if p == "/" || p == "" {
		return dir
	}
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		next := dir.kids[part]
		if next == nil {
			next = &MemFile{
				fs:    fs,
				dir:   true,
				valid: true,
				name:  part,
				path:  path.Join(dir.path, part),
				kids:  map[string]*MemFile{},
			}
			fs.register(next)
			dir.kids[part] = next
			dir.listed = true
		}
		dir = next
	}
	return dir
}

// Create adds a regular file, creating parent directories as needed,
// and fires a file-created event.
func (fs *MemFS) Create(p string, content []byte) (File, error) {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	fs.mu.Lock()
	if _, ok := fs.byPath[p]; ok {
		fs.mu.Unlock()
		return nil, errors.Wrap(ErrExists, p)
	}
	dir := fs.mkdirs(path.Dir(p))
	f := &MemFile{
		fs:      fs,
		valid:   true,
		name:    path.Base(p),
		path:    p,
		content: append([]byte(nil), content...),
	}
	fs.register(f)
	dir.kids[f.name] = f
	dir.listed = true
	fs.mu.Unlock()
	fs.fire(Event{Kind: EventFileCreated, File: f})
	return f, nil
}

// Write replaces the content of an existing file, firing the
// before/after content-change pair around the mutation.
func (fs *MemFS) Write(p string, content []byte) error {
	f, ok := fs.Lookup(p).(*MemFile)
	if !ok || f == nil {
		return errors.Wrap(ErrNotFound, p)
	}
	if f.dir {
		return errors.Wrap(ErrDirectory, p)
	}
	fs.fire(Event{Kind: EventBeforeContentsChange, File: f})
	fs.mu.Lock()
	f.content = append([]byte(nil), content...)
	fs.mu.Unlock()
	fs.fire(Event{Kind: EventContentsChanged, File: f})
	return nil
}

// Rename changes the last path component, firing the property-change
// pair for the name property.
func (fs *MemFS) Rename(p, newName string) error {
	f, ok := fs.Lookup(p).(*MemFile)
	if !ok || f == nil {
		return errors.Wrap(ErrNotFound, p)
	}
	fs.fire(Event{Kind: EventBeforePropertyChange, File: f, Property: PropName})
	fs.mu.Lock()
	parent := fs.byPath[path.Dir(f.path)]
	delete(fs.byPath, f.path)
	if parent != nil {
		delete(parent.kids, f.name)
	}
	f.name = newName
	f.path = path.Join(path.Dir(f.path), newName)
	fs.byPath[f.path] = f
	if parent != nil {
		parent.kids[newName] = f
	}
	fs.mu.Unlock()
	fs.fire(Event{Kind: EventPropertyChanged, File: f, Property: PropName})
	return nil
}

// Delete removes a file or a directory subtree. The deletion event
// fires while the file is still reachable, as the engine expects.
func (fs *MemFS) Delete(p string) error {
	f, ok := fs.Lookup(p).(*MemFile)
	if !ok || f == nil {
		return errors.Wrap(ErrNotFound, p)
	}
	fs.fire(Event{Kind: EventBeforeFileDeletion, File: f})
	fs.mu.Lock()
	fs.unlink(f)
	parent := fs.byPath[path.Dir(f.path)]
	if parent != nil {
		delete(parent.kids, f.name)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *MemFS) unlink(f *MemFile) {
	f.valid = false
	delete(fs.byPath, f.path)
	for _, kid := range f.kids {
		fs.unlink(kid)
	}
}

func (f *MemFile) Id() InputId { return f.id }
func (f *MemFile) Path() string { return f.path }
func (f *MemFile) Name() string { return f.name }
func (f *MemFile) IsDirectory() bool { return f.dir }

func (f *MemFile) Size() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(len(f.content))
}

func (f *MemFile) Valid() bool {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.valid
}

func (f *MemFile) Content() ([]byte, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.dir {
		return nil, errors.Wrap(ErrDirectory, f.path)
	}
	if !f.valid {
		return nil, errors.Wrap(ErrNotFound, f.path)
	}
	return append([]byte(nil), f.content...), nil
}

func (f *MemFile) Children() []File {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.dir || !f.listed {
		return nil
	}
	out := make([]File, 0, len(f.kids))
	for _, kid := range f.kids {
		out = append(out, kid)
	}
	return out
}

package kartoteka

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kartoteka/kartoteka/events"
	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/vfs"
)

// Document is an editor buffer over a file. Its text may run ahead of
// the on-disk content; queries observe the buffered text through the
// memory overlays while a transaction is open.
type Document struct {
	id   uuid.UUID
	file vfs.File

	mu       sync.Mutex
	text     []byte
	modStamp int64
}

func NewDocument(f vfs.File) *Document {
	return &Document{id: uuid.New(), file: f}
}

func (d *Document) File() vfs.File { return d.file }

func (d *Document) SetText(text []byte) {
	d.mu.Lock()
	d.text = append([]byte(nil), text...)
	d.modStamp++
	d.mu.Unlock()
}

func (d *Document) Text() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.text...)
}

func (d *Document) stamp() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modStamp
}

// UnsavedDocuments tracks open transactions over editor buffers and
// replays their text into the per-index memory overlays at query time.
// The transaction map has its own lock, separate from the index locks.
type UnsavedDocuments struct {
	k *Kartoteka

	mu      sync.Mutex
	docs    map[uuid.UUID]*Document
	applied map[string]map[uuid.UUID]int64
}

func newUnsavedDocuments(k *Kartoteka) *UnsavedDocuments {
	return &UnsavedDocuments{
		k:       k,
		docs:    map[uuid.UUID]*Document{},
		applied: map[string]map[uuid.UUID]int64{},
	}
}

// StartTransaction registers the document as carrying unsaved edits.
func (u *UnsavedDocuments) StartTransaction(d *Document) {
	u.mu.Lock()
	u.docs[d.id] = d
	u.mu.Unlock()
	events.Publish(u.k.bus, TransactionStarted, d)
}

// CompleteTransaction ends the transaction: the buffer either reached
// disk (and the VFS event reindexes it persistently) or was discarded.
// Either way the overlays revert to persistent state.
func (u *UnsavedDocuments) CompleteTransaction(d *Document) {
	u.mu.Lock()
	delete(u.docs, d.id)
	u.mu.Unlock()
	// drop the overlays wholesale; the next query re-applies whatever
	// documents are still open
	u.dropOverlays()
	events.Publish(u.k.bus, TransactionCompleted, d)
}

// DropChanges discards the buffer without saving.
func (u *UnsavedDocuments) DropChanges(d *Document) {
	u.CompleteTransaction(d)
}

func (u *UnsavedDocuments) dropOverlays() {
	u.k.eachSlot(func(name string, s *slot) {
		if s.index != nil {
			s.index.SetBuffering(false)
		}
	})
	u.mu.Lock()
	u.applied = map[string]map[uuid.UUID]int64{}
	u.mu.Unlock()
}

// suspendOverlay drops one index's buffered state so a persistent
// write can land, invalidating the applied stamps so the overlay is
// rebuilt on the next query.
func (u *UnsavedDocuments) suspendOverlay(name string, s *slot) {
	s.index.SetBuffering(false)
	u.mu.Lock()
	delete(u.applied, name)
	u.mu.Unlock()
}

// applyTo re-runs the indexer for every dirty document in scope
// against one index's memory overlay. Runs on the query path after the
// persistent state is up to date.
func (u *UnsavedDocuments) applyTo(name string, s *slot, scope Scope) error {
	if s.index == nil {
		return nil
	}
	u.mu.Lock()
	var dirty []*Document
	perIndex := u.applied[name]
	for id, d := range u.docs {
		if scope != nil && !scope(d.file) {
			continue
		}
		if perIndex == nil || perIndex[id] < d.stamp() {
			dirty = append(dirty, d)
		}
	}
	u.mu.Unlock()
	if len(dirty) == 0 {
		return nil
	}
	s.index.SetBuffering(true)
	for _, d := range dirty {
		if d.file.Id() == 0 {
			return ErrIllegalFileId
		}
		if !s.index.Accepts(d.file) {
			continue
		}
		in := &indexes.Input{File: d.file, Content: d.Text()}
		if err := s.index.Update(d.file.Id(), in); err != nil {
			u.k.scheduleRebuild(name, s, "unsaved_overlay_error")
			return err
		}
	}
	u.mu.Lock()
	if u.applied[name] == nil {
		u.applied[name] = map[uuid.UUID]int64{}
	}
	for _, d := range dirty {
		u.applied[name][d.id] = d.stamp()
	}
	u.mu.Unlock()
	return nil
}

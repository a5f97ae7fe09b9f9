package kartoteka

import (
	"context"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/kartoteka/kartoteka/events"
	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

// updateBatchWeight is the full weight of the force-update semaphore.
// Each in-flight batch holds weight 1; acquiring the full weight means
// no batch is running.
const updateBatchWeight = 1 << 20

const drainPollSlice = 500 * time.Millisecond

// invalidationTask is a deferred "drop this file from these indices"
// unit of work.
type invalidationTask struct {
	file    vfs.File
	indices []string
}

// indexWriter is the narrow view of the registry the collector needs;
// it keeps the ownership one-directional.
type indexWriter interface {
	updateSingleIndex(name string, f vfs.File, in *indexes.Input) error
	eachSlot(fn func(name string, s *slot))
}

// ChangedFilesCollector listens to VFS events and converts them into
// eager content-less updates, deferred per-file reindex work
// (filesToUpdate) and deferred removals (futureInvalidations).
type ChangedFilesCollector struct {
	k      *Kartoteka
	writer indexWriter

	filesToUpdate       *xsync.MapOf[vfs.InputId, vfs.File]
	futureInvalidations utils.TaskQueue[invalidationTask]

	updateSem *semaphore.Weighted
}

func newChangedFilesCollector(k *Kartoteka) *ChangedFilesCollector {
	return &ChangedFilesCollector{
		k:             k,
		writer:        k,
		filesToUpdate: xsync.NewMapOf[vfs.InputId, vfs.File](),
		updateSem:     semaphore.NewWeighted(updateBatchWeight),
	}
}

func (k *Kartoteka) eachSlot(fn func(name string, s *slot)) {
	for _, name := range k.order {
		fn(name, k.slots[name])
	}
}

// OnFileEvent implements vfs.Listener.
func (c *ChangedFilesCollector) OnFileEvent(ev vfs.Event) {
	if c.k.isClosed() {
		return
	}
	switch ev.Kind {
	case vfs.EventBeforeContentsChange:
		c.invalidateIndices(ev.File, true)
	case vfs.EventContentsChanged:
		events.Publish(c.k.bus, FileContentReloaded, ev.File)
		c.markDirty(ev.File)
	case vfs.EventFileCreated, vfs.EventFileCopied:
		c.markDirty(ev.File)
	case vfs.EventBeforeFileDeletion:
		c.invalidateIndices(ev.File, false)
	case vfs.EventBeforePropertyChange:
		// a rename may change the file type
		if ev.Property == vfs.PropName && !ev.File.IsDirectory() {
			c.invalidateIndices(ev.File, true)
		}
	case vfs.EventPropertyChanged:
		if ev.Property == vfs.PropName {
			c.markDirty(ev.File)
		}
	}
}

func (c *ChangedFilesCollector) underConfigRoot(f vfs.File) bool {
	root := c.k.host.ConfigRoot()
	return root != "" && strings.HasPrefix(f.Path(), root)
}

// markDirty applies content-less indices eagerly and schedules the
// file for deferred content-based reindexing.
func (c *ChangedFilesCollector) markDirty(f vfs.File) {
	if c.underConfigRoot(f) {
		return
	}
	if f.IsDirectory() {
		for _, kid := range f.Children() {
			c.markDirty(kid)
		}
		return
	}
	if f.Id() == 0 {
		return
	}
	schedule := false
	c.writer.eachSlot(func(name string, s *slot) {
		if s.index == nil || !s.index.Accepts(f) {
			return
		}
		if !s.ext.ContentDependent() {
			_ = c.writer.updateSingleIndex(name, f, &indexes.Input{File: f})
			return
		}
		if c.withinSizeLimit(f, s) {
			_ = s.index.MarkOutdated(f.Id())
			schedule = true
		} else {
			c.enqueueInvalidation(f, []string{name})
		}
	})
	if schedule {
		c.scheduleForUpdate(f)
	}
}

// invalidateIndices drops a file from every affected index. With
// markForReindex the file is stamped stale and queued for a content
// re-read; without it (deletion) the removal itself is deferred into
// the invalidation queue.
func (c *ChangedFilesCollector) invalidateIndices(f vfs.File, markForReindex bool) {
	if c.underConfigRoot(f) {
		return
	}
	if f.IsDirectory() {
		for _, kid := range f.Children() {
			c.invalidateIndices(kid, markForReindex)
		}
		return
	}
	if f.Id() == 0 {
		return
	}
	var affected, deferred []string
	c.writer.eachSlot(func(name string, s *slot) {
		if s.index == nil || !s.index.Accepts(f) {
			return
		}
		if !s.ext.ContentDependent() {
			_ = c.writer.updateSingleIndex(name, f, nil)
			return
		}
		if markForReindex && c.withinSizeLimit(f, s) {
			affected = append(affected, name)
		} else {
			deferred = append(deferred, name)
		}
	})
	if len(affected) > 0 {
		for _, name := range affected {
			if s, err := c.k.slotFor(name); err == nil && s.index != nil {
				_ = s.index.MarkOutdated(f.Id())
			}
		}
		c.scheduleForUpdate(f)
	}
	if len(deferred) > 0 {
		c.enqueueInvalidation(f, deferred)
	}
	if !markForReindex {
		// a deleted file has nothing left to reindex
		c.filesToUpdate.Delete(f.Id())
		FilesToUpdateCount.Set(float64(c.filesToUpdate.Size()))
	}
}

func (c *ChangedFilesCollector) withinSizeLimit(f vfs.File, s *slot) bool {
	return f.Size() <= c.k.opts.SizeLimit || s.index.SizeLimitExempt(f)
}

func (c *ChangedFilesCollector) enqueueInvalidation(f vfs.File, names []string) {
	c.futureInvalidations.Push(invalidationTask{file: f, indices: names})
	InvalidationQueueDepth.Set(float64(c.futureInvalidations.Len()))
}

func (c *ChangedFilesCollector) scheduleForUpdate(f vfs.File) {
	c.filesToUpdate.Store(f.Id(), f)
	FilesToUpdateCount.Set(float64(c.filesToUpdate.Size()))
}

// ScheduleForUpdate queues a file for reindexing on the next update
// cycle (the requestReindex entry point).
func (c *ChangedFilesCollector) ScheduleForUpdate(f vfs.File) {
	if f.Id() == 0 || f.IsDirectory() {
		return
	}
	c.writer.eachSlot(func(name string, s *slot) {
		if s.index != nil && s.ext.ContentDependent() && s.index.Accepts(f) {
			_ = s.index.MarkOutdated(f.Id())
		}
	})
	c.scheduleForUpdate(f)
}

// FilesToUpdate snapshots the currently scheduled files, optionally
// filtered by scope.
func (c *ChangedFilesCollector) FilesToUpdate(scope Scope) []vfs.File {
	var out []vfs.File
	c.filesToUpdate.Range(func(_ vfs.InputId, f vfs.File) bool {
		if scope == nil || scope(f) {
			out = append(out, f)
		}
		return true
	})
	return out
}

// EnsureAllInvalidateTasksCompleted drains the invalidation queue
// serially. Safe to call concurrently; an interrupted drain leaves the
// failing task queued.
func (c *ChangedFilesCollector) EnsureAllInvalidateTasksCompleted(ctx context.Context) error {
	err := c.futureInvalidations.Drain(func(task invalidationTask) error {
		if err := c.k.checkCanceled(ctx); err != nil {
			return err
		}
		for _, name := range task.indices {
			if err := c.writer.updateSingleIndex(name, task.file, nil); err != nil {
				return err
			}
		}
		return nil
	})
	InvalidationQueueDepth.Set(float64(c.futureInvalidations.Len()))
	return err
}

// ForceUpdate drains filesToUpdate for the requested scope. Every
// concurrent caller leaves only after the whole batch is done, so each
// observes a fully up-to-date state: callers hold one unit of the
// semaphore while draining and then wait for the full weight in
// bounded slices.
func (c *ChangedFilesCollector) ForceUpdate(ctx context.Context, scope Scope, restrictedTo vfs.File, removeOnly bool) error {
	if err := c.updateSem.Acquire(ctx, 1); err != nil {
		return ErrCancelled
	}
	events.Publish(c.k.bus, WriteActionStarted, struct{}{})
	drainErr := c.drainFiles(ctx, scope, restrictedTo, removeOnly)
	c.updateSem.Release(1)
	if drainErr != nil {
		return drainErr
	}
	return c.waitAllBatches(ctx)
}

func (c *ChangedFilesCollector) drainFiles(ctx context.Context, scope Scope, restrictedTo vfs.File, removeOnly bool) error {
	var targets []vfs.File
	c.filesToUpdate.Range(func(id vfs.InputId, f vfs.File) bool {
		if restrictedTo != nil && restrictedTo.Id() != id {
			return true
		}
		if scope != nil && !scope(f) {
			return true
		}
		targets = append(targets, f)
		return true
	})
	for _, f := range targets {
		if err := c.k.checkCanceled(ctx); err != nil {
			return err
		}
		if _, still := c.filesToUpdate.LoadAndDelete(f.Id()); !still {
			continue // another batch got it first
		}
		FilesToUpdateCount.Set(float64(c.filesToUpdate.Size()))
		c.processFileUpdate(f, removeOnly)
	}
	return nil
}

func (c *ChangedFilesCollector) processFileUpdate(f vfs.File, removeOnly bool) {
	var in *indexes.Input
	if !removeOnly && f.Valid() {
		content, err := f.Content()
		if err == nil {
			in = &indexes.Input{File: f, Content: content}
		}
	}
	var contentHash uint64
	if in != nil {
		contentHash = xxhash.Sum64(in.Content)
	}
	c.writer.eachSlot(func(name string, s *slot) {
		if s.index == nil || !s.ext.ContentDependent() || !s.index.Accepts(f) {
			return
		}
		if in != nil {
			stamp, hash, err := s.index.Stamp(f.Id())
			if err == nil && stamp == s.index.CreationStamp() && hash == contentHash {
				return // content unchanged since last indexing
			}
		}
		_ = c.writer.updateSingleIndex(name, f, in)
	})
}

// waitAllBatches blocks until no force-update batch is in flight,
// polling the cancellation hook between bounded slices.
func (c *ChangedFilesCollector) waitAllBatches(ctx context.Context) error {
	for {
		if c.updateSem.TryAcquire(updateBatchWeight) {
			c.updateSem.Release(updateBatchWeight)
			return nil
		}
		if err := c.k.checkCanceled(ctx); err != nil {
			return err
		}
		timer := time.NewTimer(drainPollSlice)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled
		}
	}
}

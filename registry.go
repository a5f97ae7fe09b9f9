package kartoteka

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kartoteka/kartoteka/events"
	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/vfs"
)

type RebuildStatus int32

const (
	StatusOK RebuildStatus = iota
	StatusRequiresRebuild
	StatusRebuildInProgress
)

// slot is one registered index with its rebuild-status atomic. Only
// CAS transitions move the status between states.
type slot struct {
	ext    indexes.AnyExtension
	index  indexes.AnyIndex
	status atomic.Int32
}

func (s *slot) Status() RebuildStatus {
	return RebuildStatus(s.status.Load())
}

func (k *Kartoteka) slotFor(name string) (*slot, error) {
	s, ok := k.slots[name]
	if !ok {
		return nil, ErrUnknownIndex
	}
	return s, nil
}

// Statuses returns a snapshot of every index's rebuild status.
func (k *Kartoteka) Statuses() map[string]RebuildStatus {
	out := make(map[string]RebuildStatus, len(k.slots))
	for name, s := range k.slots {
		out[name] = s.Status()
	}
	return out
}

// RequestRebuild transitions the index to REQUIRES_REBUILD and
// attempts the rebuild immediately.
func (k *Kartoteka) RequestRebuild(name string) error {
	s, err := k.slotFor(name)
	if err != nil {
		return err
	}
	k.scheduleRebuild(name, s, "requested")
	return nil
}

// scheduleRebuild is the failure sink for every storage error: log,
// flip the status and try to win the rebuild.
func (k *Kartoteka) scheduleRebuild(name string, s *slot, reason string) {
	cause := uuid.New()
	k.log.Warn("index rebuild scheduled", "index", name, "reason", reason, "cause", cause.String())
	RebuildCount.WithLabelValues(name, reason).Inc()
	s.status.CompareAndSwap(int32(StatusOK), int32(StatusRequiresRebuild))
	RebuildStates.WithLabelValues(name).Set(float64(s.status.Load()))
	events.Publish(k.bus, RebuildRequested, name)
	_ = k.checkRebuild(name, s)
}

// checkRebuild performs the single-winner CAS of the rebuild state
// machine. The winner clears the index and schedules a background
// re-scan; concurrent losers observe REBUILD_IN_PROGRESS and their
// queries fail with ErrCancelled.
func (k *Kartoteka) checkRebuild(name string, s *slot) error {
	if !s.status.CompareAndSwap(int32(StatusRequiresRebuild), int32(StatusRebuildInProgress)) {
		return nil
	}
	RebuildStates.WithLabelValues(name).Set(float64(s.status.Load()))
	err := k.doRebuild(name, s)
	if err != nil {
		k.log.Error("index rebuild failed, will retry", "index", name, "error", err)
		s.status.CompareAndSwap(int32(StatusRebuildInProgress), int32(StatusRequiresRebuild))
	} else {
		s.status.CompareAndSwap(int32(StatusRebuildInProgress), int32(StatusOK))
		k.scheduleRescan(s)
	}
	RebuildStates.WithLabelValues(name).Set(float64(s.status.Load()))
	return err
}

func (k *Kartoteka) doRebuild(name string, s *slot) error {
	if s.index != nil {
		if err := s.index.Clear(); err == nil {
			return nil
		}
		// fall through to the recreate-from-scratch path
		_ = s.index.Dispose()
		s.index = nil
	}
	stamp, err := k.store.Recreate(name, s.ext.IndexVersion())
	if err != nil {
		return err
	}
	index, err := s.ext.OpenIndex(k.store.StorageDir(name), stamp, &k.modCount, k.log)
	if err != nil {
		return err
	}
	s.index = index
	return nil
}

// scheduleRescan enqueues every accepted file for reindexing after a
// successful rebuild of a content-dependent index. A content-less index
// is not re-scanned here; it refills from later VFS events or a finder
// scan.
func (k *Kartoteka) scheduleRescan(s *slot) {
	if k.res == nil || !s.ext.ContentDependent() {
		return
	}
	for _, f := range k.res.AllFiles() {
		if s.index.Accepts(f) {
			_ = s.index.MarkOutdated(f.Id())
			k.collector.scheduleForUpdate(f)
		}
	}
}

// updateSingleIndex routes one file update into one index. Errors
// escalate to a rebuild and leave the file scheduled.
func (k *Kartoteka) updateSingleIndex(name string, f vfs.File, in *indexes.Input) error {
	s, err := k.slotFor(name)
	if err != nil {
		return err
	}
	if s.index == nil || s.Status() != StatusOK {
		return nil
	}
	id := f.Id()
	if id == 0 {
		return ErrIllegalFileId
	}
	if s.index.Buffering() {
		// persistent updates must reach disk; buffered documents are
		// re-applied on the next query
		k.unsaved.suspendOverlay(name, s)
	}
	if err := s.index.Update(id, in); err != nil {
		k.scheduleRebuild(name, s, "storage_error")
		k.collector.scheduleForUpdate(f)
		return err
	}
	UpdateCount.WithLabelValues(name).Inc()
	return nil
}

package kartoteka

import (
	"context"
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/vfs"
)

// CollectUnindexedFiles scans the tree and returns the files for which
// some content-dependent index lacks an up-to-date stamp. Content-less
// indices are brought up to date on the spot. Each file is visited at
// most once per scan.
func (k *Kartoteka) CollectUnindexedFiles(ctx context.Context, scope Scope) ([]vfs.File, error) {
	if k.res == nil {
		return nil, nil
	}
	files := k.res.AllFiles()
	processed := xsync.NewMapOf[vfs.InputId, bool]()

	var mu sync.Mutex
	var stale []vfs.File

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := k.checkCanceled(ctx); err != nil {
				return err
			}
			if f.Id() == 0 || (scope != nil && !scope(f)) {
				return nil
			}
			if _, seen := processed.LoadOrStore(f.Id(), true); seen {
				return nil
			}
			needsContent := false
			k.eachSlot(func(name string, s *slot) {
				if s.index == nil || !s.index.Accepts(f) {
					return
				}
				stamp, _, err := s.index.Stamp(f.Id())
				if err != nil {
					needsContent = needsContent || s.ext.ContentDependent()
					return
				}
				if stamp == s.index.CreationStamp() {
					return
				}
				if s.ext.ContentDependent() {
					needsContent = true
				} else {
					_ = k.updateSingleIndex(name, f, &indexes.Input{File: f})
				}
			})
			if needsContent {
				mu.Lock()
				stale = append(stale, f)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stale, nil
}

// ScanAndSchedule runs the finder and queues every stale file for
// reindexing; the next query cycle (or an explicit ForceUpdate) brings
// the indices current.
func (k *Kartoteka) ScanAndSchedule(ctx context.Context, scope Scope) (int, error) {
	stale, err := k.CollectUnindexedFiles(ctx, scope)
	if err != nil {
		return 0, err
	}
	for _, f := range stale {
		k.collector.ScheduleForUpdate(f)
	}
	return len(stale), nil
}

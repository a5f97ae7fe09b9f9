package kartoteka

import (
	"context"
	"sort"
	"time"

	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

// Scope filters query results by file; nil means everything.
type Scope func(f vfs.File) bool

type ctxKey int

const (
	ctxInEnsure ctxKey = iota
	ctxWaitingAllowed
	ctxChecksDisabled
)

// WithWaitingAllowed marks the context as allowed to block until the
// host leaves dumb mode instead of failing with ErrNotReady.
func WithWaitingAllowed(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxWaitingAllowed, true)
}

// WithoutUpToDateCheck disables the rebuild check and the update drain
// on the query path, for callers that manage freshness themselves.
func WithoutUpToDateCheck(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxChecksDisabled, true)
}

// ensureUpToDate brings one index up to date with every VFS event
// delivered before the call, within the requested scope.
func (k *Kartoteka) ensureUpToDate(ctx context.Context, name string, s *slot, scope Scope, restrictedTo vfs.File) error {
	if k.isClosed() {
		return ErrClosed
	}
	if s.index == nil {
		// the open failed at registration; the rebuild path recreates
		// the index from scratch
		if err := k.checkRebuild(name, s); err != nil || s.index == nil {
			return ErrCancelled
		}
	}
	// content-less indices are updated synchronously in the listener
	if !s.ext.ContentDependent() {
		return nil
	}
	if k.host.IsDumb() {
		if allowed, _ := ctx.Value(ctxWaitingAllowed).(bool); !allowed {
			return ErrNotReady
		}
		if err := k.host.WaitUntilSmart(ctx); err != nil {
			return ErrCancelled
		}
	}
	// reentrancy guard: an indexer calling back into a query must not
	// recurse into another drain
	if inside, _ := ctx.Value(ctxInEnsure).(bool); inside {
		return nil
	}
	ctx = context.WithValue(ctx, ctxInEnsure, true)

	if err := k.collector.EnsureAllInvalidateTasksCompleted(ctx); err != nil {
		return err
	}
	if disabled, _ := ctx.Value(ctxChecksDisabled).(bool); disabled {
		return nil
	}
	switch s.Status() {
	case StatusRequiresRebuild:
		if err := k.checkRebuild(name, s); err != nil {
			return ErrCancelled
		}
		if s.Status() != StatusOK {
			return ErrCancelled
		}
	case StatusRebuildInProgress:
		return ErrCancelled
	}
	if err := k.collector.ForceUpdate(ctx, scope, restrictedTo, false); err != nil {
		return err
	}
	return k.unsaved.applyTo(name, s, scope)
}

// typedIndex asserts a slot's handle back to its concrete
// UpdatableIndex; run only after ensureUpToDate, which recreates a
// failed-open index.
func typedIndex[K comparable, V any](s *slot) (*indexes.UpdatableIndex[K, V], error) {
	if s.index == nil {
		return nil, ErrCancelled
	}
	ix, ok := s.index.(*indexes.UpdatableIndex[K, V])
	if !ok {
		return nil, ErrIndexTypeMismatch
	}
	return ix, nil
}

// benign converts storage failures on the query path into an index
// rebuild and an empty result.
func benign[T any](k *Kartoteka, name string, err error, empty T) (T, error) {
	if err == nil || err == ErrCancelled || err == ErrNotReady || err == ErrUnknownIndex || err == ErrIndexTypeMismatch || err == ErrClosed {
		return empty, err
	}
	if s, serr := k.slotFor(name); serr == nil {
		k.scheduleRebuild(name, s, "query_error")
	}
	return empty, nil
}

func observeQuery(name, op string, start time.Time) {
	QueryDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
}

// GetAllKeys returns every key present in the index.
func GetAllKeys[K comparable, V any](ctx context.Context, k *Kartoteka, name string) ([]K, error) {
	defer observeQuery(name, "all_keys", time.Now())
	s, err := k.slotFor(name)
	if err != nil {
		return nil, err
	}
	if err = k.ensureUpToDate(ctx, name, s, nil, nil); err != nil {
		return nil, err
	}
	ix, err := typedIndex[K, V](s)
	if err != nil {
		return nil, err
	}
	var keys []K
	_, err = ix.ProcessAllKeys(func(key K) bool {
		keys = append(keys, key)
		return true
	})
	return benign(k, name, err, keys)
}

// GetValues returns the values recorded for key within scope.
func GetValues[K comparable, V any](ctx context.Context, k *Kartoteka, name string, key K, scope Scope) ([]V, error) {
	defer observeQuery(name, "values", time.Now())
	s, err := k.slotFor(name)
	if err != nil {
		return nil, err
	}
	if err = k.ensureUpToDate(ctx, name, s, scope, nil); err != nil {
		return nil, err
	}
	ix, err := typedIndex[K, V](s)
	if err != nil {
		return nil, err
	}
	var out []V
	_, err = ix.ProcessValues(key, func(v V, ids []vfs.InputId) bool {
		for _, id := range ids {
			if f := k.fileInScope(id, scope); f != nil {
				out = append(out, v)
				break
			}
		}
		return true
	})
	return benign(k, name, err, out)
}

// GetContainingFiles returns the files contributing key within scope.
func GetContainingFiles[K comparable, V any](ctx context.Context, k *Kartoteka, name string, key K, scope Scope) ([]vfs.File, error) {
	defer observeQuery(name, "containing_files", time.Now())
	s, err := k.slotFor(name)
	if err != nil {
		return nil, err
	}
	if err = k.ensureUpToDate(ctx, name, s, scope, nil); err != nil {
		return nil, err
	}
	ix, err := typedIndex[K, V](s)
	if err != nil {
		return nil, err
	}
	ids, err := ix.ContainingIds(key)
	if err != nil {
		return benign(k, name, err, []vfs.File(nil))
	}
	return k.filesInScope(ids, scope), nil
}

// GetFilesWithKey is GetContainingFiles under its collaborator-facing
// name.
func GetFilesWithKey[K comparable, V any](ctx context.Context, k *Kartoteka, name string, key K, scope Scope) ([]vfs.File, error) {
	return GetContainingFiles[K, V](ctx, k, name, key, scope)
}

// ProcessValues visits (file, value) pairs for key, optionally
// restricted to one file, until the visitor returns false. Reports
// whether the iteration ran to completion.
func ProcessValues[K comparable, V any](
	ctx context.Context, k *Kartoteka, name string, key K,
	restrictedTo vfs.File, scope Scope, visit func(f vfs.File, v V) bool,
) (bool, error) {
	defer observeQuery(name, "process_values", time.Now())
	s, err := k.slotFor(name)
	if err != nil {
		return false, err
	}
	if err = k.ensureUpToDate(ctx, name, s, scope, restrictedTo); err != nil {
		return false, err
	}
	ix, err := typedIndex[K, V](s)
	if err != nil {
		return false, err
	}
	completed, err := ix.ProcessValues(key, func(v V, ids []vfs.InputId) bool {
		for _, id := range ids {
			if restrictedTo != nil && restrictedTo.Id() != id {
				continue
			}
			f := k.fileInScope(id, scope)
			if f == nil {
				continue
			}
			if !visit(f, v) {
				return false
			}
		}
		return true
	})
	return benign(k, name, err, completed)
}

// ProcessFilesContainingAllKeys visits the files holding every one of
// keys, intersecting per-key id sets smallest-first. An optional
// valueFilter drops files whose value for any key fails the check.
func ProcessFilesContainingAllKeys[K comparable, V any](
	ctx context.Context, k *Kartoteka, name string, keys []K,
	scope Scope, valueFilter func(v V) bool, visit func(f vfs.File) bool,
) (bool, error) {
	defer observeQuery(name, "files_all_keys", time.Now())
	s, err := k.slotFor(name)
	if err != nil {
		return false, err
	}
	if err = k.ensureUpToDate(ctx, name, s, scope, nil); err != nil {
		return false, err
	}
	ix, err := typedIndex[K, V](s)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return true, nil
	}
	sets := make([][]vfs.InputId, 0, len(keys))
	for _, key := range keys {
		ids, err := idsForKey(ix, key, valueFilter)
		if err != nil {
			return benign(k, name, err, false)
		}
		if len(ids) == 0 {
			return true, nil
		}
		sets = append(sets, ids)
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
	result := sets[0]
	for _, next := range sets[1:] {
		result = intersectIds(result, next)
		if len(result) == 0 {
			return true, nil
		}
	}
	for _, id := range result {
		if f := k.fileInScope(id, scope); f != nil && !visit(f) {
			return false, nil
		}
	}
	return true, nil
}

// ProcessFilesContainingAnyKey visits the union of the keys' files,
// merging the sorted per-key id sets through a heap.
func ProcessFilesContainingAnyKey[K comparable, V any](
	ctx context.Context, k *Kartoteka, name string, keys []K,
	scope Scope, visit func(f vfs.File) bool,
) (bool, error) {
	defer observeQuery(name, "files_any_key", time.Now())
	s, err := k.slotFor(name)
	if err != nil {
		return false, err
	}
	if err = k.ensureUpToDate(ctx, name, s, scope, nil); err != nil {
		return false, err
	}
	ix, err := typedIndex[K, V](s)
	if err != nil {
		return false, err
	}
	var merge utils.Heap[vfs.InputId]
	for _, key := range keys {
		ids, err := ix.ContainingIds(key)
		if err != nil {
			return benign(k, name, err, false)
		}
		for _, id := range ids {
			merge.Push(id)
		}
	}
	var last vfs.InputId
	for merge.Len() > 0 {
		id := merge.Pop()
		if id == last {
			continue
		}
		last = id
		if f := k.fileInScope(id, scope); f != nil && !visit(f) {
			return false, nil
		}
	}
	return true, nil
}

// FileIndexedKeys is the debugging view: the keys currently recorded
// for one file in one index, stringified.
func (k *Kartoteka) FileIndexedKeys(name string, f vfs.File) ([]string, error) {
	s, err := k.slotFor(name)
	if err != nil {
		return nil, err
	}
	if s.index == nil {
		return nil, ErrCancelled
	}
	if f.Id() == 0 {
		return nil, ErrIllegalFileId
	}
	return s.index.KeyStrings(f.Id())
}

// RequestReindex schedules one file for reindexing in every
// content-dependent index accepting it.
func (k *Kartoteka) RequestReindex(f vfs.File) error {
	if f.Id() == 0 {
		return ErrIllegalFileId
	}
	k.collector.ScheduleForUpdate(f)
	return nil
}

// GetFilesToUpdate returns the files currently scheduled for
// reindexing within scope.
func (k *Kartoteka) GetFilesToUpdate(scope Scope) []vfs.File {
	return k.collector.FilesToUpdate(scope)
}

func idsForKey[K comparable, V any](
	ix *indexes.UpdatableIndex[K, V], key K, valueFilter func(v V) bool,
) ([]vfs.InputId, error) {
	if valueFilter == nil {
		return ix.ContainingIds(key)
	}
	set := map[vfs.InputId]struct{}{}
	_, err := ix.ProcessValues(key, func(v V, ids []vfs.InputId) bool {
		if !valueFilter(v) {
			return true
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]vfs.InputId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// intersectIds intersects two sorted id slices.
func intersectIds(a, b []vfs.InputId) []vfs.InputId {
	var out []vfs.InputId
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func (k *Kartoteka) fileInScope(id vfs.InputId, scope Scope) vfs.File {
	if k.res == nil {
		return nil
	}
	f := k.res.FileById(id)
	if f == nil || !f.Valid() {
		return nil
	}
	if scope != nil && !scope(f) {
		return nil
	}
	return f
}

func (k *Kartoteka) filesInScope(ids []vfs.InputId, scope Scope) []vfs.File {
	var out []vfs.File
	for _, id := range ids {
		if f := k.fileInScope(id, scope); f != nil {
			out = append(out, f)
		}
	}
	return out
}

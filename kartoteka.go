// Package kartoteka is a persistent file-based inverted-index engine.
// It keeps a set of named indices mapping extension-defined keys to
// values annotated with the files they came from, and keeps them
// consistent with the file tree by absorbing VFS change events.
package kartoteka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kartoteka/kartoteka/events"
	"github.com/kartoteka/kartoteka/indexes"
	"github.com/kartoteka/kartoteka/storage"
	"github.com/kartoteka/kartoteka/utils"
	"github.com/kartoteka/kartoteka/vfs"
)

// Bus topics published by the engine.
var (
	TransactionStarted   = events.NewTopic[*Document]("transactionStarted")
	TransactionCompleted = events.NewTopic[*Document]("transactionCompleted")
	FileContentReloaded  = events.NewTopic[vfs.File]("fileContentReloaded")
	WriteActionStarted   = events.NewTopic[struct{}]("writeActionStarted")
	RebuildRequested     = events.NewTopic[string]("rebuildRequested")
)

type Options struct {
	// SizeLimit caps the content size for deferred reindexing; larger
	// files are dropped from content indices instead, unless the
	// extension exempts their file type.
	SizeLimit int64

	// FlushInterval is the flush daemon tick.
	FlushInterval time.Duration

	// DisableFlushDaemon turns the background flusher off (tests).
	DisableFlushDaemon bool

	Logger utils.Logger
	Host   vfs.Host

	// Metrics, when set, receives one PebbleCollector per index.
	Metrics prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.SizeLimit == 0 {
		o.SizeLimit = 4 << 20
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Host == nil {
		o.Host = vfs.NopHost{}
	}
}

// Kartoteka owns one UpdatableIndex per registered extension plus the
// change collector, the unsaved-document overlay and the flush daemon.
type Kartoteka struct {
	opts Options
	log  utils.Logger
	host vfs.Host
	res  vfs.Resolver
	bus  *events.Bus

	store *storage.VersionedStore
	slots map[string]*slot
	order []string

	collector *ChangedFilesCollector
	unsaved   *UnsavedDocuments

	modCount atomic.Int64

	closed     chan struct{}
	closeOnce  sync.Once
	flushersWG sync.WaitGroup
}

// Open opens the index root, reconciles every extension's version with
// the on-disk state and wires the collector. The returned engine is
// ready to serve queries; attach Collector() to the VFS event source.
func Open(root string, res vfs.Resolver, opts Options, exts ...indexes.AnyExtension) (*Kartoteka, error) {
	opts.SetDefaults()
	log := opts.Logger

	store, err := storage.OpenRoot(root, log)
	if err != nil {
		return nil, err
	}
	corrupted := store.Corrupted()

	k := &Kartoteka{
		opts:   opts,
		log:    log,
		host:   opts.Host,
		res:    res,
		bus:    events.NewBus(),
		store:  store,
		slots:  map[string]*slot{},
		closed: make(chan struct{}),
	}
	k.collector = newChangedFilesCollector(k)
	k.unsaved = newUnsavedDocuments(k)

	for _, ext := range exts {
		if err := k.registerExtension(ext, corrupted); err != nil {
			return nil, err
		}
	}
	if err := store.SweepUnknown(); err != nil {
		log.Warn("index root sweep failed", "error", err)
	}
	if err := store.SaveRegistered(); err != nil {
		return nil, err
	}
	if corrupted {
		store.ClearCorruptionMarker()
		log.Info("index root was corrupted, all indices rebuilt")
	}
	if err := store.CreateWipMarker(); err != nil {
		return nil, err
	}

	if opts.Metrics != nil {
		if err := k.RegisterMetrics(opts.Metrics); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}
	if !opts.DisableFlushDaemon {
		k.flushersWG.Add(1)
		go k.flushLoop()
	}
	return k, nil
}

func (k *Kartoteka) registerExtension(ext indexes.AnyExtension, wipe bool) error {
	name := ext.IndexName()
	s := &slot{ext: ext}
	state, stamp, err := k.store.RegisterIndex(name, ext.IndexVersion(), wipe)
	if err == nil {
		s.index, err = ext.OpenIndex(k.store.StorageDir(name), stamp, &k.modCount, k.log)
	}
	if err != nil {
		// served later through the rebuild path
		k.log.Error("cannot open index, rebuild required", "index", name, "error", err)
		s.status.Store(int32(StatusRequiresRebuild))
		RebuildCount.WithLabelValues(name, "open_failed").Inc()
	} else if state == storage.StateRebuilt {
		k.log.Info("index format has changed, index rebuilt", "index", name)
	}
	RebuildStates.WithLabelValues(name).Set(float64(s.status.Load()))
	k.slots[name] = s
	k.order = append(k.order, name)
	return nil
}

// Bus is the engine's message bus; embedders subscribe to the topics
// declared above.
func (k *Kartoteka) Bus() *events.Bus { return k.bus }

// Collector returns the VFS listener feeding the engine.
func (k *Kartoteka) Collector() *ChangedFilesCollector { return k.collector }

// Documents returns the unsaved-document overlay.
func (k *Kartoteka) Documents() *UnsavedDocuments { return k.unsaved }

func (k *Kartoteka) isClosed() bool {
	select {
	case <-k.closed:
		return true
	default:
		return false
	}
}

// RegisterMetrics registers the engine's metric vectors and one
// storage collector per index.
func (k *Kartoteka) RegisterMetrics(reg prometheus.Registerer) error {
	vecs := []prometheus.Collector{
		UpdateCount, RebuildCount, RebuildStates, QueryDuration,
		InvalidationQueueDepth, FilesToUpdateCount, FlushCount,
	}
	for _, c := range vecs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	for _, name := range k.order {
		s := k.slots[name]
		if s.index == nil {
			continue
		}
		if err := reg.Register(NewPebbleCollector(name, s.index.Database().Pebble())); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and disposes every index and, when all of that
// succeeded, removes the work-in-progress marker, marking the shutdown
// clean. Flush and dispose errors are logged and returned.
func (k *Kartoteka) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		close(k.closed)
		k.flushersWG.Wait()
		for _, name := range k.order {
			s := k.slots[name]
			if s.index == nil {
				continue
			}
			if err := s.index.Flush(); err != nil {
				k.log.Error("flush on close failed", "index", name, "error", err)
				errs = append(errs, err)
			}
			if err := s.index.Dispose(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			k.store.RemoveWipMarker()
		}
	})
	return errors.Join(errs...)
}

// checkCanceled folds the host hook and context cancellation into one
// polling site.
func (k *Kartoteka) checkCanceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if err := k.host.CheckCanceled(); err != nil {
		return ErrCancelled
	}
	return nil
}

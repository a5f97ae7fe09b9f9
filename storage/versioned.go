package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/kartoteka/kartoteka/utils"
)

type OpenState int

const (
	// StateFresh: no version file existed, a new one was written.
	StateFresh OpenState = iota
	// StateReopened: the on-disk version matches the extension.
	StateReopened
	// StateRebuilt: the index directory was wiped, either forced or
	// because the version differed.
	StateRebuilt
)

const (
	versionFileName    = "version"
	registeredFileName = "registered"
	corruptionMarker   = "corruption.marker"
	wipMarker          = "wip.marker"
	storageDirName     = "storage"
)

var ErrOpenFailed = errors.New("storage: cannot open index root")

// VersionedStore owns the index root directory: per-index version
// files, the corruption and work-in-progress markers, and the sidecar
// listing registered index names. Old directories whose name is not
// registered in the current cycle are garbage.
type VersionedStore struct {
	root      string
	log       utils.Logger
	corrupted bool
	names     []string
}

func OpenRoot(root string, log utils.Logger) (*VersionedStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(ErrOpenFailed, err.Error())
	}
	vs := &VersionedStore{root: root, log: log}
	if vs.markerPresent(corruptionMarker) {
		vs.corrupted = true
		log.Warn("corruption marker found, all indices will be rebuilt")
	}
	if vs.markerPresent(wipMarker) {
		// unclean shutdown: previous process never removed its marker
		vs.corrupted = true
		log.Warn("unclean shutdown detected, all indices will be rebuilt")
	}
	return vs, nil
}

func (vs *VersionedStore) Root() string { return vs.root }

// Corrupted reports whether a corruption or unclean-shutdown marker
// was present when the root was opened.
func (vs *VersionedStore) Corrupted() bool { return vs.corrupted }

func (vs *VersionedStore) markerPresent(name string) bool {
	_, err := os.Stat(filepath.Join(vs.root, name))
	return err == nil
}

func (vs *VersionedStore) MarkCorrupted() error {
	return touch(filepath.Join(vs.root, corruptionMarker))
}

// ClearCorruptionMarker is called once every index has been forced
// into a rebuild.
func (vs *VersionedStore) ClearCorruptionMarker() {
	_ = os.Remove(filepath.Join(vs.root, corruptionMarker))
	vs.corrupted = false
}

func (vs *VersionedStore) CreateWipMarker() error {
	return touch(filepath.Join(vs.root, wipMarker))
}

func (vs *VersionedStore) RemoveWipMarker() {
	_ = os.Remove(filepath.Join(vs.root, wipMarker))
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "storage: marker")
	}
	return f.Close()
}

func (vs *VersionedStore) IndexDir(name string) string {
	return filepath.Join(vs.root, name)
}

func (vs *VersionedStore) StorageDir(name string) string {
	return filepath.Join(vs.root, name, storageDirName)
}

// RegisterIndex reconciles one index directory with the extension's
// version. A wipe is forced when wipe is set (corruption recovery) or
// when the recorded version differs. An unreadable version file counts
// as a mismatch. IO failures are retried once through the wipe path;
// the second failure surfaces ErrOpenFailed.
func (vs *VersionedStore) RegisterIndex(name string, version int32, wipe bool) (OpenState, int64, error) {
	vs.names = append(vs.names, name)
	state, stamp, err := vs.registerOnce(name, version, wipe)
	if err == nil {
		return state, stamp, nil
	}
	vs.log.Warn("index open failed, wiping and retrying", "index", name, "error", err)
	state, stamp, err = vs.registerOnce(name, version, true)
	if err != nil {
		return state, 0, errors.Wrap(ErrOpenFailed, err.Error())
	}
	return state, stamp, nil
}

// Recreate wipes one index directory and writes a fresh version file,
// returning the new creation stamp. Used by the rebuild path after
// registration.
func (vs *VersionedStore) Recreate(name string, version int32) (int64, error) {
	_, stamp, err := vs.registerOnce(name, version, true)
	if err != nil {
		return 0, errors.Wrap(ErrOpenFailed, err.Error())
	}
	return stamp, nil
}

func (vs *VersionedStore) registerOnce(name string, version int32, wipe bool) (OpenState, int64, error) {
	dir := vs.IndexDir(name)
	vpath := filepath.Join(dir, versionFileName)
	data, err := os.ReadFile(vpath)
	fresh := os.IsNotExist(err)
	if err != nil && !fresh && !wipe {
		return 0, 0, err
	}
	if !fresh && !wipe {
		old, stamp, perr := parseVersionFile(data)
		if perr == nil && old == version {
			return StateReopened, stamp, nil
		}
		if perr == nil {
			vs.log.Info("index format has changed", "index", name, "disk", old, "extension", version)
		}
		wipe = true
	}
	if wipe {
		if err := os.RemoveAll(dir); err != nil {
			return 0, 0, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, err
	}
	stamp := time.Now().UnixNano()
	if err := os.WriteFile(vpath, versionFileBytes(version, stamp), 0o644); err != nil {
		return 0, 0, err
	}
	if fresh {
		return StateFresh, stamp, nil
	}
	return StateRebuilt, stamp, nil
}

func versionFileBytes(version int32, stamp int64) []byte {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(version))
	binary.LittleEndian.PutUint64(b[4:], uint64(stamp))
	return b[:]
}

func parseVersionFile(data []byte) (version int32, stamp int64, err error) {
	if len(data) != 12 {
		return 0, 0, errors.Wrap(ErrBadRecord, "version file")
	}
	version = int32(binary.LittleEndian.Uint32(data[:4]))
	stamp = int64(binary.LittleEndian.Uint64(data[4:]))
	return version, stamp, nil
}

// SaveRegistered persists the names registered in this cycle.
func (vs *VersionedStore) SaveRegistered() error {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(vs.names)))
	for _, name := range vs.names {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
	}
	return os.WriteFile(filepath.Join(vs.root, registeredFileName), buf, 0o644)
}

// ReadRegistered returns the names saved by the previous registration
// cycle, nil when the sidecar does not exist yet.
func (vs *VersionedStore) ReadRegistered() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(vs.root, registeredFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, errors.Wrap(ErrBadRecord, "registered sidecar")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 2 {
			return nil, errors.Wrap(ErrBadRecord, "registered sidecar")
		}
		n := int(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
		if len(data) < n {
			return nil, errors.Wrap(ErrBadRecord, "registered sidecar")
		}
		names = append(names, string(data[:n]))
		data = data[n:]
	}
	return names, nil
}

// SweepUnknown deletes index directories left behind by extensions
// that are no longer registered.
func (vs *VersionedStore) SweepUnknown() error {
	known := make(map[string]bool, len(vs.names))
	for _, n := range vs.names {
		known[n] = true
	}
	entries, err := os.ReadDir(vs.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		vs.log.Info("removing unknown index directory", "dir", e.Name())
		if err := os.RemoveAll(filepath.Join(vs.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Package indexes holds the per-index storage machinery.
//
// # Overview
//
// Every registered extension owns one UpdatableIndex, which composes
// three views of the same Pebble database:
//
//  1. Forward map ('F' key space)
//     key -> ValueContainer, the map from each indexed value to the
//     set of input ids contributing it.
//
//  2. Reverse map ('R' key space)
//     input id -> the key collection the last successful update stored
//     for that file. The diff against this collection is what makes
//     incremental updates cheap.
//
//  3. Indexing stamps ('S' key space)
//     input id -> the index creation stamp the file was indexed
//     against, plus a content hash. A file whose stamp differs from
//     the index creation stamp is stale.
//
// # Lockstep
//
// Update(id, content) runs under the index write lock and touches the
// forward and reverse maps in the same section: keys that vanished from
// the new key set drop the input id from their containers, new keys
// gain it, and the reverse collection is replaced last. A reader under
// the read lock therefore always observes a matching forward+reverse
// pair.
//
// # Buffering overlay
//
// MemoryOverlay wraps the forward map with an in-memory change map.
// While buffering is on, writes and deletes stay in memory (a delete
// records an empty container) and reads consult the change map first.
// The reverse map keeps its own overlay in lockstep by subscribing to
// the buffering-state events; both share one monitor so the
// (buffering, change map) pair is always observed consistently.
// Buffered state never reaches disk: toggling buffering off discards
// the change maps. This is how queries observe unsaved editor buffers
// without disturbing the persistent index.
package indexes

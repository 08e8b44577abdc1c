// Package store provides SQLite-based persistence for the image catalog and
// indexing state.
//
// Four stores share one schema-migration and connection-handling core but own
// separate database files:
//
//   - RecordStore (per workspace, records.sqlite): user-declared root paths
//     with recursion and include/exclude patterns.
//   - ImageStore (per workspace, images.sqlite): discovered image files plus
//     the per-image per-task status rows (the state machine).
//   - GlobalIndexStore (global_index.sqlite): cross-workspace map of
//     (path, workspace, task) to the last processed content hash.
//   - ContentHashStore (image_hashes.sqlite): path to file hash/size/mtime
//     cache with an in-process LRU front.
//
// # Task status state machine
//
// A pending image has no image_tasks row. Transitions run only along
//
//	pending -> in_progress -> {done, failed}
//
// A done image is reconsidered only when the live file hash stops matching
// the global index entry; a failed image is reconsidered on the next run.
//
// # Claiming
//
// ClaimPendingForTask is the one operation that must be safe under concurrent
// callers. It selects and marks its result set in_progress inside a single
// transaction, so two concurrent claims for the same task partition the
// pending set and never overlap.
//
// # Build Tags
//
// The store package supports two build configurations:
//
// CGO Build (cgo_sqlite tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//   - Requires a C compiler
//
//     CGO_ENABLED=1 go build -tags "cgo_sqlite"
//
// Pure Go Build (default):
//
//   - Uses modernc.org/sqlite driver
//
//   - No C compiler needed
//
//     CGO_ENABLED=0 go build
package store

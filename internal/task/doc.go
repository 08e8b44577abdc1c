// Package task defines the dispatch contracts for per-image processing:
// Context, Executor, Database, Coordinator, and the Manager that wires them.
//
// Dispatch is capability-based: executors and databases declare the task
// names they support through a membership predicate, and the Manager uses the
// first match in its registered lists. Adding a task family means appending
// an Executor/Database pair, not touching the Manager.
//
// # Control flow
//
//	Manager.RunTaskForWorkspace
//	  -> Coordinator.ClaimPendingImages
//	  -> Executor.RunBatch(images, db, coordinator)
//	       db.Prepare once
//	       per image: compute -> db.SaveResult -> coordinator.MarkTaskSuccess
//	                  (any per-image error -> coordinator.MarkTaskFailure, continue)
//	       db.Finalize on every exit path
//
// Only configuration errors (ErrNoExecutor, ErrNoDatabase) abort a run before
// any claim. Every per-image error becomes a failed status row and the batch
// continues.
package task

// Package task implements the lifecycle of scheduled sub-problems and the
// per-formula store that owns them.
//
// # Lifecycle
//
//	New -> WorkAvailable -> Working -> {Done, WaitingForSplits}
//	WaitingForSplits -> SplitsDone|Done once both children reported
//	WorkAvailable -> Offloaded -> Done (remote result) | WorkAvailable (reclaimed)
//	any -> Error -> Done
//
// Every transition into Done goes through a single assess step that also
// hands the result to the parent and continues upwards, so results fold
// bottom-up one level at a time.
//
// # Store
//
// Tasks live in a slot map and refer to each other by Handle. The ready
// queue hands out the shallowest task first. Offloaded tasks are indexed by
// target node so all of them can be reclaimed when that node disappears.
//
// Usage:
//
//	store := task.NewStore(logger)
//	store.OnDone(func(h task.Handle, t task.Task) { ... })
//	h, _ := store.NewTask(task.Nil, path.Root, originator, kind)
//	h, t, ok := store.PopWork()
//	out := t.Kind.Work(ctx, h)
//	_ = store.Complete(h, out)
package task

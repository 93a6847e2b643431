// Package gc implements the mark-and-sweep collector for the heap.
//
// # Cycle
//
// A cycle moves through IDLE, PAUSE_REQUESTED, PAUSED, MARKING,
// CANDIDATES_COMPUTED and DELETING before returning to IDLE. The collector
// asks the object manager to pause lookups and waits for in-flight commits
// to drain, marks everything reachable from the roots, the checked-out
// objects, the objects wanted by pending lookups and the references of
// transactions above the low-water mark, and hands the unreached objects
// back to the object manager for removal.
//
// Cycles are strictly serialized. A cycle requested while another is running
// fails with heaperr.ErrConcurrentCycle.
//
// # Scope
//
// A full cycle considers every object. A young cycle only considers objects
// created since the previous cycle; everything else is treated as live and
// its references into the young set seed the mark. A caller supplied
// [Filter] narrows the scope further in the same way.
//
// # Usage
//
//	c := gc.NewCollector(manager, gc.Config{HistorySize: 64})
//	s := gc.NewScheduler(c, gc.SchedulerConfig{
//	    FullInterval:  time.Hour,
//	    YoungInterval: 3 * time.Minute,
//	    YoungEnabled:  true,
//	})
//	s.Start()
//	defer s.Stop()
package gc

// Package registry tracks every resource a driver module acquires: memory,
// handles, interrupt lines, DMA buffers, locks, and custom resources.
//
// # Lifecycle
//
// A resource is created by Acquire with a reference count of 1, shared via
// Retain/Release, and cleaned when its count reaches zero and no live
// resource still depends on it. Cleanup order is a reverse-topological walk
// of the dependency graph: a resource is only released after everything that
// depends on it has been released.
//
//	id, err := reg.Acquire(registry.DMA, "net0",
//	    registry.CustomCleanup(teardown), nil)
//	...
//	reg.Release(id) // cleans now, or queues behind live dependents
//
// # Forced cleanup
//
// When a module is force-unloaded, ForceCleanupModule releases everything it
// owns regardless of reference counts and returns a LeakReport listing
// resources that were still referenced or whose cleanup callbacks failed.
// Failures are recorded, never silently dropped, and never abort the walk.
//
// # Concurrency
//
// All methods are safe for concurrent use. A single mutex guards the table;
// in operations that span tables the registry lock is acquired before the
// module table lock.
package registry

package registry

import (
	"time"

	"github.com/driverkit/driverkit"
)

// ID is an opaque reference to a tracked resource.
// ID 0 is reserved and always invalid.
type ID uint32

// Type classifies a tracked resource.
type Type uint8

const (
	Memory Type = iota
	Handle
	Interrupt
	DMA
	Lock
	Custom
)

var typeNames = [...]string{"memory", "handle", "interrupt", "dma", "lock", "custom"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// CleanupFunc releases a resource's backing state. A non-nil error marks the
// resource as leaked in the owning module's LeakReport; it never aborts the
// surrounding cleanup walk.
type CleanupFunc func() error

// CleanupKind selects one of the built-in cleanup behaviors.
type CleanupKind uint8

const (
	// CleanupNone tracks the resource without any release action.
	CleanupNone CleanupKind = iota
	// CleanupZero scrubs and frees a memory region.
	CleanupZero
	// CleanupClose closes a kernel handle.
	CleanupClose
	// CleanupMask masks an interrupt line before release.
	CleanupMask
	// CleanupUnmap tears down a DMA mapping.
	CleanupUnmap
	// CleanupUnlock releases a held lock.
	CleanupUnlock
	// CleanupCustom runs a caller-supplied function.
	CleanupCustom
)

// CleanupStrategy is a tagged variant over the closed set of built-in
// behaviors plus one custom hook. Built-in kinds delegate the actual release
// to the bus backend that created the resource; the registry only sequences
// them. Custom runs Fn and records its error on failure.
type CleanupStrategy struct {
	Fn   CleanupFunc
	Kind CleanupKind
}

// CustomCleanup builds a Custom strategy around fn.
func CustomCleanup(fn CleanupFunc) CleanupStrategy {
	return CleanupStrategy{Kind: CleanupCustom, Fn: fn}
}

func (s CleanupStrategy) run() error {
	if s.Kind == CleanupCustom && s.Fn != nil {
		return s.Fn()
	}
	return nil
}

// Record describes one tracked resource. Copies returned by the registry are
// snapshots; mutating them has no effect on the table.
type Record struct {
	AcquiredAt time.Time
	Owner      driverkit.ModuleID
	Deps       []ID
	ID         ID
	RefCount   int32
	Type       Type
	Strategy   CleanupStrategy
}

// Stats is the registry's read-only observability surface.
type Stats struct {
	ByType  map[Type]int
	Total   int
	Pending int
	Leaked  int
}

// LeakEntry records one resource whose cleanup failed or that was still
// referenced when its owner was force-unloaded.
type LeakEntry struct {
	Err      error
	ID       ID
	Type     Type
	RefCount int32
}

// LeakReport summarizes a force-cleanup pass over one module's resources.
// Err aggregates every cleanup failure; a nil Err with non-empty Leaked means
// resources were freed while still referenced.
type LeakReport struct {
	Err      error
	Module   driverkit.ModuleID
	Leaked   []LeakEntry
	Released int
}

// Clean reports whether the pass completed without leaks or failures.
func (r LeakReport) Clean() bool {
	return r.Err == nil && len(r.Leaked) == 0
}

// EventType identifies a resource lifecycle notification.
type EventType uint8

const (
	EventAcquired EventType = iota
	EventRetained
	EventReleased
	EventCleaned
	EventLeaked
)

// Event is delivered to observers on lifecycle transitions.
type Event struct {
	Owner driverkit.ModuleID
	ID    ID
	Type  Type
	Kind  EventType
}

// Observer receives resource lifecycle events. Callbacks run outside the
// registry lock and must not call back into the registry synchronously from
// an interrupt context.
type Observer interface {
	OnResourceEvent(Event)
}

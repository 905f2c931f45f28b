package hotplug

import (
	"github.com/driverkit/driverkit"
)

// DeviceID uniquely identifies a device on its bus, e.g. "pci:0000:03:00.0".
type DeviceID string

// BusType identifies the hardware bus a device lives on.
type BusType uint8

const (
	USB BusType = iota
	PCI
	PCMCIA
	ExpressCard
	Thunderbolt
	FireWire
	Serial
	Parallel
	Virtual
)

var busNames = [...]string{
	"usb", "pci", "pcmcia", "expresscard", "thunderbolt",
	"firewire", "serial", "parallel", "virtual",
}

func (b BusType) String() string {
	if int(b) < len(busNames) {
		return busNames[b]
	}
	return "unknown"
}

// Capability flags advertised by a device.
type Capability uint32

const (
	CapHotPluggable Capability = 1 << iota
	CapPowerManaged
	CapDMACapable
	CapSharedInterrupt
	CapRemovableMedia
)

// Strategy selects how a bus backend detects topology changes.
type Strategy uint8

const (
	// Polling scans the bus on a timer.
	Polling Strategy = iota
	// Interrupt relies on presence-change interrupts.
	Interrupt
	// EventDriven consumes controller-generated events.
	EventDriven
	// Async delegates detection to an asynchronous backend task.
	Async
)

var strategyNames = [...]string{"polling", "interrupt", "event", "async"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return "unknown"
}

// EventKind is the direction of a topology change.
type EventKind uint8

const (
	Attached EventKind = iota
	Detached
)

func (k EventKind) String() string {
	if k == Attached {
		return "attached"
	}
	return "detached"
}

// DeviceDescriptor is the bus backend's view of a device.
type DeviceDescriptor struct {
	Device       DeviceID
	BoundModule  driverkit.ModuleID
	Bus          BusType
	Capabilities Capability
	Strategy     Strategy
}

// DeviceEvent is one processed topology change, returned by Drain in FIFO
// order.
type DeviceEvent struct {
	Desc DeviceDescriptor
	Seq  uint64
	Kind EventKind
}

// State is the per-device lifecycle state.
type State uint8

const (
	// Unknown: never seen, or fully unbound after removal.
	Unknown State = iota
	// Present: attached, no driver bound yet.
	Present
	// Binding: a module load is in flight for this device.
	Binding
	// Bound: a driver module owns the device.
	Bound
	// Unbinding: device removed while bound; unload in progress.
	Unbinding
	// Removed: detached before a binding completed.
	Removed
)

var stateNames = [...]string{"unknown", "present", "binding", "bound", "unbinding", "removed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// DeviceInfo is a snapshot of the detector's view of one device.
type DeviceInfo struct {
	Desc        DeviceDescriptor
	BoundModule driverkit.ModuleID
	Attaches    uint32
	Detaches    uint32
	State       State
}

// Stats is the detector's read-only observability surface.
type Stats struct {
	ByState   map[State]int
	Queued    int
	Dropped   uint64
	Processed uint64
	Devices   int
}

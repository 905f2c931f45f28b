package hotplug

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/errors"
	"github.com/driverkit/driverkit/hotplug/internal/ring"
)

// DefaultQueueCapacity is the size of the event ring when no option
// overrides it.
const DefaultQueueCapacity = 256

// Detector observes bus topology changes and runs the per-device lifecycle
// state machine. OnDeviceEvent is safe to call from interrupt-like bus
// callbacks; everything else runs in ordinary goroutine context.
type Detector struct {
	log        *zap.Logger
	queue      *ring.Buffer[DeviceEvent]
	strategies map[BusType]Strategy
	devices    map[DeviceID]*device
	seq        atomic.Uint64
	dropped    atomic.Uint64
	processed  atomic.Uint64
	mu         sync.Mutex
}

type device struct {
	info   DeviceInfo
	ticket *BindTicket
}

// BindTicket tracks one in-flight binding attempt. A Detached event drained
// while the binding is in flight cancels the ticket; the loader checks the
// flag between transaction steps, so removal always wins over binding.
type BindTicket struct {
	Device    DeviceID
	cancelled atomic.Bool
}

// Cancelled reports whether the device was removed while binding.
func (t *BindTicket) Cancelled() bool {
	return t.cancelled.Load()
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// WithQueueCapacity sets the fixed event-queue capacity.
func WithQueueCapacity(n int) Option {
	return func(d *Detector) { d.queue = ring.New[DeviceEvent](n) }
}

// New creates a detector with an empty device table.
func New(opts ...Option) *Detector {
	d := &Detector{
		log:        zap.NewNop(),
		queue:      ring.New[DeviceEvent](DefaultQueueCapacity),
		strategies: make(map[BusType]Strategy),
		devices:    make(map[DeviceID]*device),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterStrategy associates a detection strategy with a bus. At most one
// strategy is active per bus; registering again replaces the previous one.
func (d *Detector) RegisterStrategy(bus BusType, s Strategy) {
	d.mu.Lock()
	d.strategies[bus] = s
	d.mu.Unlock()

	d.log.Info("detection strategy registered",
		zap.Stringer("bus", bus),
		zap.Stringer("strategy", s))
}

// StrategyFor returns the active strategy for a bus.
func (d *Detector) StrategyFor(bus BusType) (Strategy, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.strategies[bus]
	return s, ok
}

// OnDeviceEvent enqueues a topology change. It is the single entry point for
// bus backends, safe to call concurrently from interrupt context: a bounded
// push into a fixed ring, no locks beyond the ring's own, no allocation.
// Overflowed events are counted and surfaced via Stats, never silently lost.
func (d *Detector) OnDeviceEvent(desc DeviceDescriptor, kind EventKind) {
	ev := DeviceEvent{Desc: desc, Kind: kind, Seq: d.seq.Add(1)}
	if !d.queue.TryPush(ev) {
		d.dropped.Add(1)
	}
}

// Drain processes all queued events in FIFO order, applying the device state
// machine, and returns the processed events. Called by the owning scheduler
// loop; never from interrupt context.
func (d *Detector) Drain() []DeviceEvent {
	events := d.queue.Drain()
	if len(events) == 0 {
		return nil
	}

	d.mu.Lock()
	for _, ev := range events {
		d.apply(ev)
	}
	d.mu.Unlock()

	d.processed.Add(uint64(len(events)))
	return events
}

// apply advances one device's state machine. Caller holds the lock.
func (d *Detector) apply(ev DeviceEvent) {
	dev := d.devices[ev.Desc.Device]
	if dev == nil {
		dev = &device{info: DeviceInfo{Desc: ev.Desc, State: Unknown}}
		d.devices[ev.Desc.Device] = dev
	}

	switch ev.Kind {
	case Attached:
		dev.info.Attaches++
		switch dev.info.State {
		case Unknown, Removed:
			dev.info.Desc = ev.Desc
			dev.info.State = Present
		default:
			d.log.Warn("attach event in unexpected state",
				zap.String("device", string(ev.Desc.Device)),
				zap.Stringer("state", dev.info.State))
		}

	case Detached:
		dev.info.Detaches++
		switch dev.info.State {
		case Present:
			dev.info.State = Removed
		case Binding:
			// Removal wins over an in-flight binding.
			if dev.ticket != nil {
				dev.ticket.cancelled.Store(true)
				dev.ticket = nil
			}
			dev.info.State = Removed
		case Bound:
			dev.info.State = Unbinding
		default:
			d.log.Warn("detach event in unexpected state",
				zap.String("device", string(ev.Desc.Device)),
				zap.Stringer("state", dev.info.State))
		}
	}
}

// BeginBinding marks a Present device as having a load in flight and returns
// the ticket the loader polls for cancellation.
func (d *Detector) BeginBinding(id DeviceID) (*BindTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[id]
	if dev == nil {
		return nil, errors.NotFound(errors.PhaseDetect, "device", string(id))
	}
	if dev.info.State != Present {
		return nil, errors.InvalidState(errors.PhaseDetect, string(id), dev.info.State.String())
	}
	dev.info.State = Binding
	dev.ticket = &BindTicket{Device: id}
	return dev.ticket, nil
}

// ConfirmBind transitions Binding -> Bound after the module manager reports
// a successful load. Fails if the device was removed in the meantime.
func (d *Detector) ConfirmBind(id DeviceID, mod driverkit.ModuleID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[id]
	if dev == nil {
		return errors.NotFound(errors.PhaseDetect, "device", string(id))
	}
	if dev.info.State != Binding {
		return errors.InvalidState(errors.PhaseDetect, string(id), dev.info.State.String())
	}
	dev.info.State = Bound
	dev.info.BoundModule = mod
	dev.info.Desc.BoundModule = mod
	dev.ticket = nil
	return nil
}

// AbortBinding returns a device to Present (load failed) or leaves it
// Removed (binding lost the race with removal).
func (d *Detector) AbortBinding(id DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[id]
	if dev == nil {
		return
	}
	if dev.info.State == Binding {
		dev.info.State = Present
	}
	dev.ticket = nil
}

// ConfirmUnbound transitions Unbinding -> Unknown after the bound module has
// been unloaded.
func (d *Detector) ConfirmUnbound(id DeviceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[id]
	if dev == nil {
		return errors.NotFound(errors.PhaseDetect, "device", string(id))
	}
	if dev.info.State != Unbinding {
		return errors.InvalidState(errors.PhaseDetect, string(id), dev.info.State.String())
	}
	dev.info.State = Unknown
	dev.info.BoundModule = driverkit.NoModule
	dev.info.Desc.BoundModule = driverkit.NoModule
	return nil
}

// AcknowledgeRemoval destroys the descriptor for a physically removed
// device.
func (d *Detector) AcknowledgeRemoval(id DeviceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[id]
	if dev == nil {
		return errors.NotFound(errors.PhaseDetect, "device", string(id))
	}
	switch dev.info.State {
	case Removed, Unknown:
		delete(d.devices, id)
		return nil
	default:
		return errors.InvalidState(errors.PhaseDetect, string(id), dev.info.State.String())
	}
}

// Device returns a snapshot of one device.
func (d *Detector) Device(id DeviceID) (DeviceInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.devices[id]
	if dev == nil {
		return DeviceInfo{}, false
	}
	return dev.info, true
}

// Devices returns snapshots of all tracked devices.
func (d *Detector) Devices() []DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeviceInfo, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev.info)
	}
	return out
}

// Stats returns current detector counters. Read-only.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	byState := make(map[State]int)
	for _, dev := range d.devices {
		byState[dev.info.State]++
	}
	n := len(d.devices)
	d.mu.Unlock()

	return Stats{
		Queued:    d.queue.Len(),
		Dropped:   d.dropped.Load(),
		Processed: d.processed.Load(),
		Devices:   n,
		ByState:   byState,
	}
}

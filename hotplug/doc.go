// Package hotplug tracks device arrival and removal across buses and drives
// each device through its binding lifecycle.
//
// Bus backends report topology changes through Detector.OnDeviceEvent, which
// is a bounded, non-blocking enqueue suitable for interrupt-like callbacks.
// A scheduler loop later calls Drain to process queued events in FIFO order
// against the per-device state machine:
//
//	Unknown -> Present -> Binding -> Bound -> Unbinding -> Unknown
//	                  \-> Removed (detached before binding completed)
//
// Removal always wins: a Detached event drained while a binding is in flight
// cancels the BindTicket and moves the device to Removed, so the loader can
// abandon the load before the driver ever touches absent hardware.
package hotplug

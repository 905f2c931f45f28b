// Package driverkit provides a driver lifecycle and resource-management
// framework: resource tracking, hot-plug detection, transactional module
// loading with dependency resolution, and adaptive error recovery.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	driverkit/           Root package with shared identifier types
//	├── registry/        Resource registry with dependency-ordered cleanup
//	├── hotplug/         Bus hot-plug detection and the device state machine
//	├── loader/          Module manager: transactional load/unload, symbols
//	├── manifest/        YAML module manifests consumed by the loader
//	├── wasmimage/       wazero-backed symbol discovery for wasm module images
//	├── recovery/        Error-pattern learning and recovery escalation
//	├── supervisor/      Glue loop: events -> loads -> recovery actions
//	├── metrics/         Read-only Prometheus collectors
//	└── errors/          Structured error types shared by all components
//
// # Quick Start
//
// Wire the components and process a hot-plug event:
//
//	reg := registry.New()
//	mgr := loader.New(reg)
//	det := hotplug.New()
//	adv := recovery.New()
//	sup := supervisor.New(reg, det, mgr, adv)
//
//	det.OnDeviceEvent(desc, hotplug.Attached) // safe from bus callbacks
//	sup.Step(ctx)                             // drain + dispatch
//
// # Thread Safety
//
// Registry, Manager, Detector and Advisor are all safe for concurrent use.
// Each guards its table with a single mutex; operations spanning tables
// acquire locks in a fixed order (registry, then module table, then pattern
// table).
//
// # Interrupt Contexts
//
// hotplug.Detector.OnDeviceEvent is the only entry point intended for
// interrupt-like callers: it performs a bounded enqueue into a fixed-capacity
// ring and returns. Everything heavier (draining, symbol resolution, cleanup
// graph walks) runs in ordinary goroutine context.
package driverkit

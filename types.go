package driverkit

// ModuleID identifies a registered driver module. IDs are assigned by the
// caller at registration time and are stable for the life of the process.
type ModuleID string

// Address is the resolved location of an exported symbol. The framework
// treats addresses as opaque; image sources decide what they mean (a real
// pointer, a table index, a wasm export ordinal).
type Address uint64

// NoModule is the zero ModuleID, used for resources not owned by any module.
const NoModule ModuleID = ""

package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseAcquire  Phase = "acquire"  // resource acquisition
	PhaseCleanup  Phase = "cleanup"  // resource cleanup
	PhaseLoad     Phase = "load"     // module load transaction
	PhaseUnload   Phase = "unload"   // module unload
	PhaseResolve  Phase = "resolve"  // symbol resolution
	PhaseDetect   Phase = "detect"   // hot-plug detection
	PhaseRecover  Phase = "recover"  // recovery execution
	PhaseSnapshot Phase = "snapshot" // pattern snapshot/restore
)

// Kind categorizes the error
type Kind string

const (
	KindDependencyCycle    Kind = "dependency_cycle"
	KindUnknownDependency  Kind = "unknown_dependency"
	KindCircularDependency Kind = "circular_dependency"
	KindVersionMismatch    Kind = "version_mismatch"
	KindSymbolUnresolved   Kind = "symbol_unresolved"
	KindSymbolDuplicate    Kind = "symbol_duplicate"
	KindHasDependents      Kind = "has_dependents"
	KindNotFound           Kind = "not_found"
	KindCancelled          Kind = "cancelled"
	KindInvalidState       Kind = "invalid_state"
	KindQueueOverflow      Kind = "queue_overflow"
	KindInvalidInput       Kind = "invalid_input"
	KindIO                 Kind = "io"
)

// Error is the structured error type used throughout the framework
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	Module   string
	Resource string
	Symbol   string
	Detail   string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteString(" module ")
		b.WriteString(e.Module)
	}
	if e.Resource != "" {
		b.WriteString(" resource ")
		b.WriteString(e.Resource)
	}
	if e.Symbol != "" {
		b.WriteString(" symbol ")
		b.WriteString(e.Symbol)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two framework errors match
// when their Phase and Kind agree; an empty Phase in the target acts as a
// wildcard so callers can match on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase != "" && e.Phase != t.Phase {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Module sets the module identifier
func (b *Builder) Module(id string) *Builder {
	b.err.Module = id
	return b
}

// Resource sets the resource identifier
func (b *Builder) Resource(id string) *Builder {
	b.err.Resource = id
	return b
}

// Symbol sets the symbol name
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Match returns a template error for use with errors.Is. Phase may be empty
// to match any phase.
func Match(phase Phase, kind Kind) *Error {
	return &Error{Phase: phase, Kind: kind}
}

// Convenience constructors for common error patterns

// DependencyCycle reports a resource dependency set that would close a cycle
func DependencyCycle(resource string, path []string) *Error {
	return &Error{
		Phase:    PhaseAcquire,
		Kind:     KindDependencyCycle,
		Resource: resource,
		Detail:   fmt.Sprintf("cycle via %s", strings.Join(path, " -> ")),
	}
}

// UnknownDependency reports a dependency id that does not exist
func UnknownDependency(resource, missing string) *Error {
	return &Error{
		Phase:    PhaseAcquire,
		Kind:     KindUnknownDependency,
		Resource: resource,
		Detail:   fmt.Sprintf("dependency %s not registered", missing),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, id string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, id),
	}
}

// CircularDependency reports a cycle in the module dependency graph
func CircularDependency(module string, cycle []string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindCircularDependency,
		Module: module,
		Detail: fmt.Sprintf("cycle via %s", strings.Join(cycle, " -> ")),
	}
}

// VersionMismatch reports an unsatisfiable version constraint
func VersionMismatch(module, constraint string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindVersionMismatch,
		Module: module,
		Detail: fmt.Sprintf("no registered version satisfies %s", constraint),
	}
}

// SymbolUnresolved reports an import that no Active module exports
func SymbolUnresolved(module, symbol string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindSymbolUnresolved,
		Module: module,
		Symbol: symbol,
	}
}

// SymbolDuplicate reports an export name already claimed by another module
func SymbolDuplicate(module, symbol, owner string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindSymbolDuplicate,
		Module: module,
		Symbol: symbol,
		Detail: fmt.Sprintf("already exported by %s", owner),
	}
}

// HasDependents reports an unload blocked by active importers
func HasDependents(module string, dependents []string) *Error {
	return &Error{
		Phase:  PhaseUnload,
		Kind:   KindHasDependents,
		Module: module,
		Detail: fmt.Sprintf("imported by %s", strings.Join(dependents, ", ")),
	}
}

// Cancelled reports a load transaction abandoned before completion
func Cancelled(module, reason string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindCancelled,
		Module: module,
		Detail: reason,
	}
}

// InvalidState reports an operation attempted in the wrong lifecycle state
func InvalidState(phase Phase, module, state string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Module: module,
		Detail: fmt.Sprintf("unexpected state %s", state),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Package errors provides structured error types for the driverkit framework.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type includes rich context: module and resource ids,
// symbol names, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindVersionMismatch).
//		Module("net0").
//		Detail("no version of core satisfies >=1.0").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.DependencyCycle("res-4", path)
//	err := errors.HasDependents("core", []string{"net0"})
//
// All errors implement the standard error interface and support errors.Is/As.
// Match builds a template for Is-matching; an empty Phase in the template
// matches any phase:
//
//	if stderrors.Is(err, errors.Match("", errors.KindNotFound)) { ... }
package errors

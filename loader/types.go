package loader

import (
	"context"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/errors"
	"github.com/driverkit/driverkit/manifest"
	"github.com/driverkit/driverkit/registry"
)

// State is a module's lifecycle state.
type State uint8

const (
	Unloaded State = iota
	Loading
	Active
	Unloading
	Failed
)

var stateNames = [...]string{"unloaded", "loading", "active", "unloading", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Constraint is a version range over another module's registered versions.
// Min is inclusive, Max exclusive; a nil bound is open.
type Constraint struct {
	Module string
	Min    *semver.Version
	Max    *semver.Version
}

// Satisfies reports whether v falls inside the range.
func (c Constraint) Satisfies(v *semver.Version) bool {
	if c.Min != nil && v.LessThan(*c.Min) {
		return false
	}
	if c.Max != nil && !v.LessThan(*c.Max) {
		return false
	}
	return true
}

func (c Constraint) String() string {
	switch {
	case c.Min != nil && c.Max != nil:
		return fmt.Sprintf("%s >=%s <%s", c.Module, c.Min, c.Max)
	case c.Min != nil:
		return fmt.Sprintf("%s >=%s", c.Module, c.Min)
	case c.Max != nil:
		return fmt.Sprintf("%s <%s", c.Module, c.Max)
	default:
		return fmt.Sprintf("%s *", c.Module)
	}
}

// ConstraintFrom converts a manifest requirement. The requirement's bounds
// must already have passed manifest validation.
func ConstraintFrom(r manifest.Requirement) (Constraint, error) {
	c := Constraint{Module: r.Name}
	if r.Min != "" {
		v, err := semver.NewVersion(r.Min)
		if err != nil {
			return Constraint{}, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "constraint min bound")
		}
		c.Min = v
	}
	if r.Max != "" {
		v, err := semver.NewVersion(r.Max)
		if err != nil {
			return Constraint{}, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "constraint max bound")
		}
		c.Max = v
	}
	return c, nil
}

// Env is handed to a module's Init hook. Resources the hook acquires are
// owned by Module and reclaimed on unload or rollback.
type Env struct {
	Module   driverkit.ModuleID
	Registry *registry.Registry
	Resolve  func(qualified string) (driverkit.Address, bool)
}

// InitFunc runs once when a module activates. A non-nil error aborts the
// whole load transaction.
type InitFunc func(ctx context.Context, env *Env) error

// Definition is everything the manager needs to load a module. Register a
// Definition per (name, version) pair; the manager picks among versions when
// resolving constraints.
type Definition struct {
	ID       driverkit.ModuleID
	Name     string
	Version  *semver.Version
	Requires []Constraint
	Exports  []string // bare symbol names, qualified on activation
	Imports  []string // "module::symbol" names resolved against active exports
	Init     InitFunc
}

// Module is a snapshot of one module's runtime record.
type Module struct {
	ID       driverkit.ModuleID
	Name     string
	Version  *semver.Version
	State    State
	Requires []Constraint
	Exports  map[string]driverkit.Address  // qualified name -> address
	Imports  map[string]driverkit.ModuleID // qualified name -> provider
}

// Stats is the manager's read-only observability surface.
type Stats struct {
	ByState   map[State]int
	Modules   int
	Symbols   int
	Loads     uint64
	Unloads   uint64
	Rollbacks uint64
}

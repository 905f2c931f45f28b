package registry

import (
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/errors"
	"github.com/driverkit/driverkit/registry/internal/depgraph"
)

// Registry tracks every resource a driver module acquires and sequences
// cleanup so dependents are always released before their dependencies.
// Safe for concurrent use; one mutex guards the whole table. In multi-table
// operations this lock is always taken first (before the module table and
// the pattern table).
type Registry struct {
	clk       clock.Clock
	log       *zap.Logger
	graph     *depgraph.Graph
	byOwner   map[driverkit.ModuleID]map[ID]struct{}
	entries   []entry
	freeList  []ID
	observers []Observer
	leaked    int
	pending   int
	mu        sync.Mutex
	obsMu     sync.RWMutex
}

type entry struct {
	rec     Record
	valid   bool
	pending bool // refcount hit zero but dependents were still live
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock injects the clock used for acquisition timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clk:      clock.New(),
		log:      zap.NewNop(),
		entries:  make([]entry, 0, 64),
		freeList: make([]ID, 0, 16),
		graph:    depgraph.New(),
		byOwner:  make(map[driverkit.ModuleID]map[ID]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acquire registers a new resource owned by owner. Dependencies must already
// exist; the new resource's cleanup is deferred until every dependent has
// been cleaned. The initial reference count is 1.
func (r *Registry) Acquire(typ Type, owner driverkit.ModuleID, strategy CleanupStrategy, deps []ID) (ID, error) {
	r.mu.Lock()

	for _, d := range deps {
		if !r.live(d) {
			r.mu.Unlock()
			return 0, errors.UnknownDependency("", d.String())
		}
	}

	id := r.alloc()
	rawDeps := make([]uint32, len(deps))
	for i, d := range deps {
		rawDeps[i] = uint32(d)
	}
	if !r.graph.Add(uint32(id), rawDeps) {
		r.release(id)
		r.mu.Unlock()
		return 0, errors.DependencyCycle(id.String(), depPath(deps))
	}

	rec := Record{
		ID:         id,
		Type:       typ,
		Owner:      owner,
		AcquiredAt: r.clk.Now(),
		Strategy:   strategy,
		RefCount:   1,
		Deps:       append([]ID(nil), deps...),
	}
	r.entries[id-1] = entry{rec: rec, valid: true}

	owned := r.byOwner[owner]
	if owned == nil {
		owned = make(map[ID]struct{})
		r.byOwner[owner] = owned
	}
	owned[id] = struct{}{}
	r.mu.Unlock()

	r.log.Debug("resource acquired",
		zap.Uint32("id", uint32(id)),
		zap.Stringer("type", typ),
		zap.String("owner", string(owner)))
	r.notify(Event{Kind: EventAcquired, ID: id, Type: typ, Owner: owner})
	return id, nil
}

// AddDependency records that id now depends on dep. Drivers use this when a
// cross-resource dependency is discovered after acquisition. Fails with
// DependencyCycle if the edge would close a cycle.
func (r *Registry) AddDependency(id, dep ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.live(id) {
		return errors.NotFound(errors.PhaseAcquire, "resource", id.String())
	}
	if !r.live(dep) {
		return errors.UnknownDependency(id.String(), dep.String())
	}
	if !r.graph.AddEdge(uint32(id), uint32(dep)) {
		return errors.DependencyCycle(id.String(), []string{id.String(), dep.String(), id.String()})
	}
	e := &r.entries[id-1]
	e.rec.Deps = append(e.rec.Deps, dep)
	return nil
}

// Retain atomically increments the reference count.
func (r *Registry) Retain(id ID) error {
	r.mu.Lock()
	if !r.live(id) {
		r.mu.Unlock()
		return errors.NotFound(errors.PhaseAcquire, "resource", id.String())
	}
	e := &r.entries[id-1]
	e.rec.RefCount++
	ev := Event{Kind: EventRetained, ID: id, Type: e.rec.Type, Owner: e.rec.Owner}
	r.mu.Unlock()

	r.notify(ev)
	return nil
}

// Release atomically decrements the reference count. On reaching zero the
// resource is cleaned synchronously unless dependents are still live, in
// which case cleanup is queued and runs when the last dependent is cleaned.
func (r *Registry) Release(id ID) error {
	r.mu.Lock()
	if !r.live(id) {
		r.mu.Unlock()
		return errors.NotFound(errors.PhaseCleanup, "resource", id.String())
	}
	e := &r.entries[id-1]
	e.rec.RefCount--
	events := []Event{{Kind: EventReleased, ID: id, Type: e.rec.Type, Owner: e.rec.Owner}}

	if e.rec.RefCount <= 0 {
		if r.graph.HasDependents(uint32(id)) {
			e.pending = true
			r.pending++
			r.log.Debug("cleanup queued behind live dependents", zap.Uint32("id", uint32(id)))
		} else {
			events = append(events, r.cleanup(id)...)
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.notify(ev)
	}
	return nil
}

// cleanup runs the resource's strategy, drops it from the table, and then
// cleans any dependency whose queued cleanup this unblocked. Caller holds
// the lock. Cleanup is never cancelled once started.
func (r *Registry) cleanup(id ID) []Event {
	e := &r.entries[id-1]
	rec := e.rec
	if e.pending {
		r.pending--
	}

	var events []Event
	if err := rec.Strategy.run(); err != nil {
		r.leaked++
		r.log.Warn("cleanup callback failed",
			zap.Uint32("id", uint32(id)),
			zap.Stringer("type", rec.Type),
			zap.Error(err))
		events = append(events, Event{Kind: EventLeaked, ID: id, Type: rec.Type, Owner: rec.Owner})
	} else {
		events = append(events, Event{Kind: EventCleaned, ID: id, Type: rec.Type, Owner: rec.Owner})
	}

	r.drop(id)

	for _, dep := range rec.Deps {
		if !r.live(dep) {
			continue
		}
		de := &r.entries[dep-1]
		if de.rec.RefCount <= 0 && !r.graph.HasDependents(uint32(dep)) {
			events = append(events, r.cleanup(dep)...)
		}
	}
	return events
}

// ForceCleanupModule releases every resource owned by the module regardless
// of reference count, walking the dependency graph in reverse-topological
// order. Cleanup-callback failures are recorded in the report and never stop
// the walk.
func (r *Registry) ForceCleanupModule(owner driverkit.ModuleID) LeakReport {
	r.mu.Lock()

	owned := r.byOwner[owner]
	ids := make([]uint32, 0, len(owned))
	for id := range owned {
		ids = append(ids, uint32(id))
	}
	order := r.graph.CleanupOrder(ids)

	report := LeakReport{Module: owner}
	var events []Event
	var external []ID // dependencies owned by other modules
	for _, raw := range order {
		id := ID(raw)
		if !r.live(id) {
			continue
		}
		e := &r.entries[id-1]
		rec := e.rec
		for _, dep := range rec.Deps {
			if r.live(dep) && r.entries[dep-1].rec.Owner != owner {
				external = append(external, dep)
			}
		}

		// Still referenced, or referenced by another module's resources:
		// freed anyway under force, but surfaced as a leak.
		if rec.RefCount > 0 || r.graph.HasDependents(raw) {
			report.Leaked = append(report.Leaked, LeakEntry{
				ID:       id,
				Type:     rec.Type,
				RefCount: rec.RefCount,
			})
			r.leaked++
		}
		if e.pending {
			r.pending--
			e.pending = false
		}

		if err := rec.Strategy.run(); err != nil {
			report.Leaked = append(report.Leaked, LeakEntry{ID: id, Type: rec.Type, Err: err})
			report.Err = multierr.Append(report.Err, errors.Wrap(
				errors.PhaseCleanup, errors.KindIO, err,
				"cleanup "+id.String()))
			r.leaked++
			events = append(events, Event{Kind: EventLeaked, ID: id, Type: rec.Type, Owner: owner})
		} else {
			report.Released++
			events = append(events, Event{Kind: EventCleaned, ID: id, Type: rec.Type, Owner: owner})
		}
		r.drop(id)
	}

	// Dropping this module's resources may have unblocked queued cleanups
	// of dependencies owned by other modules.
	for _, dep := range external {
		if !r.live(dep) {
			continue
		}
		de := &r.entries[dep-1]
		if de.rec.RefCount <= 0 && !r.graph.HasDependents(uint32(dep)) {
			events = append(events, r.cleanup(dep)...)
		}
	}
	r.mu.Unlock()

	if !report.Clean() {
		r.log.Warn("force cleanup left leaks",
			zap.String("module", string(owner)),
			zap.Int("leaked", len(report.Leaked)))
	}
	for _, ev := range events {
		r.notify(ev)
	}
	return report
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id ID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live(id) {
		return Record{}, false
	}
	rec := r.entries[id-1].rec
	rec.Deps = append([]ID(nil), rec.Deps...)
	return rec, true
}

// OwnedBy returns the ids currently owned by the module.
func (r *Registry) OwnedBy(owner driverkit.ModuleID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.byOwner[owner]
	out := make([]ID, 0, len(owned))
	for id := range owned {
		out = append(out, id)
	}
	return out
}

// Stats returns current registry counters. Read-only; safe for observability
// consumers.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{ByType: make(map[Type]int), Pending: r.pending, Leaked: r.leaked}
	for i := range r.entries {
		if r.entries[i].valid {
			s.Total++
			s.ByType[r.entries[i].rec.Type]++
		}
	}
	return s
}

// Subscribe adds an observer for lifecycle events.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) notify(ev Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnResourceEvent(ev)
	}
}

// live reports whether id refers to a valid entry. Caller holds the lock.
func (r *Registry) live(id ID) bool {
	if id == 0 || int(id) > len(r.entries) {
		return false
	}
	return r.entries[id-1].valid
}

// alloc hands out the next handle, reusing freed slots first. Caller holds
// the lock.
func (r *Registry) alloc() ID {
	if n := len(r.freeList); n > 0 {
		id := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		return id
	}
	r.entries = append(r.entries, entry{})
	return ID(len(r.entries))
}

// release returns an unused slot to the free list. Caller holds the lock.
func (r *Registry) release(id ID) {
	r.entries[id-1] = entry{}
	r.freeList = append(r.freeList, id)
}

// drop invalidates the entry and removes it from ownership and graph
// indexes. Caller holds the lock.
func (r *Registry) drop(id ID) {
	e := &r.entries[id-1]
	owner := e.rec.Owner
	e.rec = Record{}
	e.valid = false
	e.pending = false
	r.freeList = append(r.freeList, id)
	r.graph.Remove(uint32(id))
	if owned := r.byOwner[owner]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.byOwner, owner)
		}
	}
}

func (id ID) String() string {
	return "res-" + strconv.FormatUint(uint64(id), 10)
}

func depPath(deps []ID) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = d.String()
	}
	return out
}

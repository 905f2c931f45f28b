package loader

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/errors"
	"github.com/driverkit/driverkit/manifest"
	"github.com/driverkit/driverkit/registry"
)

// Export addresses are synthetic: each published symbol gets the next slot
// in a flat address space.
const (
	addrBase   driverkit.Address = 0x0001_0000
	addrStride driverkit.Address = 0x10
)

type symbolEntry struct {
	addr  driverkit.Address
	owner driverkit.ModuleID
}

type record struct {
	def      *Definition
	state    State
	exports  map[string]driverkit.Address
	imports  map[string]driverkit.ModuleID
	resolved []driverkit.ModuleID // providers chosen for def.Requires
}

// Manager owns the module table and the global symbol table. Loads are
// transactional: a failure anywhere rolls every module activated during the
// attempt back to Unloaded and reclaims its resources, so no partial state
// is ever observable. Thread-safe; loads of independent module ids run
// concurrently while loads touching the same id serialize.
type Manager struct {
	log       *zap.Logger
	reg       *registry.Registry
	defs      map[driverkit.ModuleID]*Definition
	byName    map[string][]driverkit.ModuleID
	recs      map[driverkit.ModuleID]*record
	symbols   map[string]symbolEntry
	importers map[driverkit.ModuleID]map[driverkit.ModuleID]struct{}
	locks     map[driverkit.ModuleID]*sync.Mutex
	nextAddr  driverkit.Address
	loads     atomic.Uint64
	unloads   atomic.Uint64
	rollbacks atomic.Uint64
	mu        sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New creates a manager. Resources acquired by module init hooks are tracked
// in reg and reclaimed on unload or rollback.
func New(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		log:       zap.NewNop(),
		reg:       reg,
		defs:      make(map[driverkit.ModuleID]*Definition),
		byName:    make(map[string][]driverkit.ModuleID),
		recs:      make(map[driverkit.ModuleID]*record),
		symbols:   make(map[string]symbolEntry),
		importers: make(map[driverkit.ModuleID]map[driverkit.ModuleID]struct{}),
		locks:     make(map[driverkit.ModuleID]*sync.Mutex),
		nextAddr:  addrBase,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds a module definition. Multiple versions of the same name may
// be registered under distinct ids; constraint resolution picks among them.
func (m *Manager) Register(def *Definition) error {
	bad := func(format string, args ...any) error {
		return errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Module(string(def.ID)).
			Detail(format, args...).
			Build()
	}

	if def.ID == driverkit.NoModule {
		return bad("definition has no id")
	}
	if def.Name == "" || strings.Contains(def.Name, "::") {
		return bad("invalid module name %q", def.Name)
	}
	if def.Version == nil {
		return bad("definition has no version")
	}
	for _, sym := range def.Exports {
		if sym == "" || strings.Contains(sym, "::") {
			return bad("export %q must be unqualified", sym)
		}
	}
	for _, sym := range def.Imports {
		if _, _, ok := manifest.SplitSymbol(sym); !ok {
			return bad("import %q must be qualified as module::symbol", sym)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[def.ID]; exists {
		return bad("module id already registered")
	}
	m.defs[def.ID] = def
	m.byName[def.Name] = append(m.byName[def.Name], def.ID)
	m.recs[def.ID] = &record{def: def, state: Unloaded}
	return nil
}

// RegisterManifest converts a validated manifest into a definition and
// registers it. The returned id is "name@version". The init hook may be nil.
func (m *Manager) RegisterManifest(man *manifest.Manifest, init InitFunc) (driverkit.ModuleID, error) {
	if err := man.Validate(); err != nil {
		return driverkit.NoModule, err
	}
	requires := make([]Constraint, 0, len(man.Requires))
	for _, r := range man.Requires {
		c, err := ConstraintFrom(r)
		if err != nil {
			return driverkit.NoModule, err
		}
		requires = append(requires, c)
	}
	def := &Definition{
		ID:       driverkit.ModuleID(man.Name + "@" + man.Version),
		Name:     man.Name,
		Version:  man.SemVer(),
		Requires: requires,
		Exports:  append([]string(nil), man.Exports...),
		Imports:  append([]string(nil), man.Imports...),
		Init:     init,
	}
	if err := m.Register(def); err != nil {
		return driverkit.NoModule, err
	}
	return def.ID, nil
}

type loadOpts struct {
	cancelled func() bool
}

// LoadOption tunes a single Load call.
type LoadOption func(*loadOpts)

// WithCancel installs a cancellation flag checked between transaction steps,
// typically a hotplug bind ticket. A true result aborts the load with a
// clean rollback.
func WithCancel(fn func() bool) LoadOption {
	return func(o *loadOpts) { o.cancelled = fn }
}

// Load activates a module and, transitively, its dependencies in
// topological order. Fails with distinct error kinds for unsatisfiable
// versions, dependency cycles, and unresolved or duplicate symbols. Already
// active modules are left untouched; loading an active module is a no-op.
func (m *Manager) Load(ctx context.Context, id driverkit.ModuleID, opts ...LoadOption) error {
	var lo loadOpts
	for _, o := range opts {
		o(&lo)
	}
	txn := uuid.NewString()

	m.mu.Lock()
	if _, ok := m.defs[id]; !ok {
		m.mu.Unlock()
		return errors.NotFound(errors.PhaseLoad, "module", string(id))
	}
	order, err := m.planLocked(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil // already active
	}

	unlock := m.lockIDs(order)
	defer unlock()

	m.log.Info("load transaction started",
		zap.String("txn", txn),
		zap.String("module", string(id)),
		zap.Int("plan", len(order)))

	cancelled := func() (string, bool) {
		if err := ctx.Err(); err != nil {
			return "context cancelled", true
		}
		if lo.cancelled != nil && lo.cancelled() {
			return "binding cancelled", true
		}
		return "", false
	}

	var activated []driverkit.ModuleID
	fail := func(cause error) error {
		m.rollback(txn, activated)
		return cause
	}

	for _, mid := range order {
		if reason, stop := cancelled(); stop {
			return fail(errors.Cancelled(string(id), reason))
		}

		def, exports, err := m.beginActivation(mid)
		if err != nil {
			return fail(err)
		}
		if def == nil {
			continue // became active while we waited on locks
		}

		if def.Init != nil {
			env := &Env{Module: mid, Registry: m.reg, Resolve: m.ResolveSymbol}
			if err := def.Init(ctx, env); err != nil {
				m.abortActivation(mid, exports)
				m.reg.ForceCleanupModule(mid)
				return fail(errors.New(errors.PhaseLoad, errors.KindIO).
					Module(string(mid)).
					Cause(err).
					Detail("init hook failed").
					Build())
			}
		}

		m.finishActivation(mid)
		activated = append(activated, mid)
	}

	m.loads.Add(1)
	m.log.Info("load transaction committed",
		zap.String("txn", txn),
		zap.Strings("activated", idStrings(activated)))
	return nil
}

// LoadMany loads several root modules concurrently. The first failure
// cancels the remaining loads; each individual load still rolls back
// transactionally.
func (m *Manager) LoadMany(ctx context.Context, ids []driverkit.ModuleID) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return m.Load(ctx, id) })
	}
	return g.Wait()
}

// beginActivation publishes the module's exports and resolves its imports
// under the table lock. Returns a nil definition when the module is already
// active. On error nothing is left published.
func (m *Manager) beginActivation(mid driverkit.ModuleID) (*Definition, map[string]driverkit.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recs[mid]
	if rec.state == Active {
		return nil, nil, nil
	}
	def := rec.def

	imports := make(map[string]driverkit.ModuleID, len(def.Imports))
	for _, sym := range def.Imports {
		e, ok := m.symbols[sym]
		if !ok {
			return nil, nil, errors.SymbolUnresolved(string(mid), sym)
		}
		imports[sym] = e.owner
	}
	for _, sym := range def.Exports {
		q := manifest.JoinSymbol(def.Name, sym)
		if e, ok := m.symbols[q]; ok {
			return nil, nil, errors.SymbolDuplicate(string(mid), q, string(e.owner))
		}
	}

	exports := make(map[string]driverkit.Address, len(def.Exports))
	for _, sym := range def.Exports {
		q := manifest.JoinSymbol(def.Name, sym)
		addr := m.nextAddr
		m.nextAddr += addrStride
		m.symbols[q] = symbolEntry{addr: addr, owner: mid}
		exports[q] = addr
	}

	rec.state = Loading
	rec.exports = exports
	rec.imports = imports
	return def, exports, nil
}

// abortActivation retracts a half-activated module after an init failure.
// The module lands in Failed with nothing published and nothing held.
func (m *Manager) abortActivation(mid driverkit.ModuleID, exports map[string]driverkit.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for q := range exports {
		delete(m.symbols, q)
	}
	rec := m.recs[mid]
	rec.state = Failed
	rec.exports = nil
	rec.imports = nil
}

func (m *Manager) finishActivation(mid driverkit.ModuleID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recs[mid]
	rec.state = Active
	for _, provider := range rec.resolved {
		m.addImporterLocked(provider, mid)
	}
	for _, provider := range rec.imports {
		m.addImporterLocked(provider, mid)
	}
}

// rollback reverts every module activated during a failed transaction, in
// reverse activation order, and reclaims their resources. Never cancelled
// once started.
func (m *Manager) rollback(txn string, activated []driverkit.ModuleID) {
	if len(activated) == 0 {
		return
	}
	m.rollbacks.Add(1)

	for i := len(activated) - 1; i >= 0; i-- {
		mid := activated[i]
		m.retract(mid, Unloaded)
		report := m.reg.ForceCleanupModule(mid)
		if !report.Clean() {
			m.log.Warn("rollback leaked resources",
				zap.String("txn", txn),
				zap.String("module", string(mid)),
				zap.Int("leaked", len(report.Leaked)))
		}
	}

	m.log.Warn("load transaction rolled back",
		zap.String("txn", txn),
		zap.Strings("reverted", idStrings(activated)))
}

// retract unpublishes a module's exports and importer edges and parks it in
// the given terminal state. Caller must not hold the table lock.
func (m *Manager) retract(mid driverkit.ModuleID, final State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recs[mid]
	for q := range rec.exports {
		delete(m.symbols, q)
	}
	for _, provider := range rec.resolved {
		m.dropImporterLocked(provider, mid)
	}
	for _, provider := range rec.imports {
		m.dropImporterLocked(provider, mid)
	}
	delete(m.importers, mid)
	rec.state = final
	rec.exports = nil
	rec.imports = nil
	rec.resolved = nil
}

// Unload deactivates a module. Without force it fails while other active
// modules import from it; with force it first unloads the entire dependent
// closure, deepest dependent first, reclaiming each module's resources.
func (m *Manager) Unload(ctx context.Context, id driverkit.ModuleID, force bool) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.PhaseUnload, errors.KindCancelled, err, string(id))
	}

	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok {
		m.mu.Unlock()
		return errors.NotFound(errors.PhaseUnload, "module", string(id))
	}
	if rec.state != Active {
		state := rec.state
		m.mu.Unlock()
		return errors.InvalidState(errors.PhaseUnload, string(id), state.String())
	}
	closure := m.dependentClosureLocked(id)
	m.mu.Unlock()

	unlock := m.lockIDs(closure)
	defer unlock()

	m.mu.Lock()
	if deps := m.importerListLocked(id); len(deps) > 0 && !force {
		m.mu.Unlock()
		return errors.HasDependents(string(id), deps)
	}
	order := m.unloadOrderLocked(closure)
	for _, mid := range order {
		m.recs[mid].state = Unloading
	}
	m.mu.Unlock()

	for _, mid := range order {
		m.retract(mid, Unloaded)
		report := m.reg.ForceCleanupModule(mid)
		if !report.Clean() {
			m.log.Warn("unload leaked resources",
				zap.String("module", string(mid)),
				zap.Int("leaked", len(report.Leaked)))
		}
		m.unloads.Add(1)
	}

	m.log.Info("unloaded", zap.Strings("modules", idStrings(order)))
	return nil
}

// ResolveSymbol looks up a global "module::symbol" export across active
// modules.
func (m *Manager) ResolveSymbol(qualified string) (driverkit.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.symbols[qualified]
	return e.addr, ok
}

// Module returns a snapshot of one module's record.
func (m *Manager) Module(id driverkit.ModuleID) (Module, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return Module{}, false
	}
	return snapshotLocked(id, rec), true
}

// Modules returns snapshots of all registered modules.
func (m *Manager) Modules() []Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Module, 0, len(m.recs))
	for id, rec := range m.recs {
		out = append(out, snapshotLocked(id, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dependents returns the active modules importing from id.
func (m *Manager) Dependents(id driverkit.ModuleID) []driverkit.ModuleID {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.importers[id]
	out := make([]driverkit.ModuleID, 0, len(set))
	for dep := range set {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns manager counters. Read-only.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	byState := make(map[State]int)
	for _, rec := range m.recs {
		byState[rec.state]++
	}
	mods, syms := len(m.recs), len(m.symbols)
	m.mu.Unlock()

	return Stats{
		ByState:   byState,
		Modules:   mods,
		Symbols:   syms,
		Loads:     m.loads.Load(),
		Unloads:   m.unloads.Load(),
		Rollbacks: m.rollbacks.Load(),
	}
}

// planLocked resolves the dependency closure of target and returns the
// modules to activate in dependency-first topological order. Active modules
// satisfy constraints in place and are excluded from the plan.
func (m *Manager) planLocked(target driverkit.ModuleID) ([]driverkit.ModuleID, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[driverkit.ModuleID]int)
	var order []driverkit.ModuleID
	var path []string

	var visit func(id driverkit.ModuleID) error
	visit = func(id driverkit.ModuleID) error {
		rec := m.recs[id]
		if rec.state == Active {
			return nil
		}
		switch color[id] {
		case gray:
			return errors.CircularDependency(string(target), append(append([]string(nil), path...), string(id)))
		case black:
			return nil
		}
		color[id] = gray
		path = append(path, string(id))

		rec.resolved = rec.resolved[:0]
		for _, c := range rec.def.Requires {
			provider, err := m.resolveConstraintLocked(c)
			if err != nil {
				return err
			}
			rec.resolved = append(rec.resolved, provider)
			if err := visit(provider); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		order = append(order, id)
		return nil
	}

	if err := visit(target); err != nil {
		return nil, err
	}
	return order, nil
}

// resolveConstraintLocked picks the highest registered version satisfying
// the constraint.
func (m *Manager) resolveConstraintLocked(c Constraint) (driverkit.ModuleID, error) {
	var best *Definition
	for _, id := range m.byName[c.Module] {
		d := m.defs[id]
		if !c.Satisfies(d.Version) {
			continue
		}
		if best == nil || best.Version.LessThan(*d.Version) {
			best = d
		}
	}
	if best == nil {
		return driverkit.NoModule, errors.VersionMismatch(c.Module, c.String())
	}
	return best.ID, nil
}

// dependentClosureLocked returns id plus every module transitively importing
// from it.
func (m *Manager) dependentClosureLocked(id driverkit.ModuleID) []driverkit.ModuleID {
	seen := map[driverkit.ModuleID]struct{}{id: {}}
	queue := []driverkit.ModuleID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range m.importers[cur] {
			if _, ok := seen[dep]; !ok {
				seen[dep] = struct{}{}
				queue = append(queue, dep)
			}
		}
	}
	out := make([]driverkit.ModuleID, 0, len(seen))
	for mid := range seen {
		out = append(out, mid)
	}
	return out
}

// unloadOrderLocked orders a dependent closure deepest dependent first: a
// module is unloaded only after everything importing from it within the
// closure.
func (m *Manager) unloadOrderLocked(closure []driverkit.ModuleID) []driverkit.ModuleID {
	inClosure := make(map[driverkit.ModuleID]struct{}, len(closure))
	for _, mid := range closure {
		inClosure[mid] = struct{}{}
	}

	remaining := make(map[driverkit.ModuleID]int, len(closure)) // live importers within closure
	for _, mid := range closure {
		n := 0
		for dep := range m.importers[mid] {
			if _, ok := inClosure[dep]; ok {
				n++
			}
		}
		remaining[mid] = n
	}

	// Deterministic tie-break for stable logs and tests.
	ready := make([]driverkit.ModuleID, 0, len(closure))
	for _, mid := range closure {
		if remaining[mid] == 0 {
			ready = append(ready, mid)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []driverkit.ModuleID
	for len(ready) > 0 {
		mid := ready[0]
		ready = ready[1:]
		order = append(order, mid)

		for provider := range providerSet(m.recs[mid]) {
			if _, ok := inClosure[provider]; !ok {
				continue
			}
			remaining[provider]--
			if remaining[provider] == 0 {
				ready = append(ready, provider)
				sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
			}
		}
	}
	return order
}

// lockIDs takes the per-module locks for a set of ids in sorted order so
// overlapping transactions never deadlock. The returned func releases them.
func (m *Manager) lockIDs(ids []driverkit.ModuleID) func() {
	sorted := append([]driverkit.ModuleID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m.mu.Lock()
	muxes := make([]*sync.Mutex, len(sorted))
	for i, id := range sorted {
		l, ok := m.locks[id]
		if !ok {
			l = &sync.Mutex{}
			m.locks[id] = l
		}
		muxes[i] = l
	}
	m.mu.Unlock()

	for _, l := range muxes {
		l.Lock()
	}
	return func() {
		for i := len(muxes) - 1; i >= 0; i-- {
			muxes[i].Unlock()
		}
	}
}

func (m *Manager) addImporterLocked(provider, importer driverkit.ModuleID) {
	if provider == importer {
		return
	}
	set := m.importers[provider]
	if set == nil {
		set = make(map[driverkit.ModuleID]struct{})
		m.importers[provider] = set
	}
	set[importer] = struct{}{}
}

func (m *Manager) dropImporterLocked(provider, importer driverkit.ModuleID) {
	if set := m.importers[provider]; set != nil {
		delete(set, importer)
		if len(set) == 0 {
			delete(m.importers, provider)
		}
	}
}

func (m *Manager) importerListLocked(id driverkit.ModuleID) []string {
	set := m.importers[id]
	out := make([]string, 0, len(set))
	for dep := range set {
		out = append(out, string(dep))
	}
	sort.Strings(out)
	return out
}

func snapshotLocked(id driverkit.ModuleID, rec *record) Module {
	exports := make(map[string]driverkit.Address, len(rec.exports))
	for k, v := range rec.exports {
		exports[k] = v
	}
	imports := make(map[string]driverkit.ModuleID, len(rec.imports))
	for k, v := range rec.imports {
		imports[k] = v
	}
	return Module{
		ID:       id,
		Name:     rec.def.Name,
		Version:  rec.def.Version,
		State:    rec.state,
		Requires: append([]Constraint(nil), rec.def.Requires...),
		Exports:  exports,
		Imports:  imports,
	}
}

// providerSet returns the distinct modules rec depends on, whether through a
// version constraint or a symbol import.
func providerSet(rec *record) map[driverkit.ModuleID]struct{} {
	set := make(map[driverkit.ModuleID]struct{}, len(rec.resolved)+len(rec.imports))
	for _, p := range rec.resolved {
		set[p] = struct{}{}
	}
	for _, p := range rec.imports {
		set[p] = struct{}{}
	}
	return set
}

func idStrings(ids []driverkit.ModuleID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

package registry

import (
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/driverkit/driverkit"
	dkerrors "github.com/driverkit/driverkit/errors"
)

const testOwner = driverkit.ModuleID("test-mod")

func TestAcquireReleaseBasic(t *testing.T) {
	reg := New()

	cleaned := false
	id, err := reg.Acquire(Memory, testOwner, CustomCleanup(func() error {
		cleaned = true
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if id == 0 {
		t.Fatal("Acquire returned zero id")
	}

	if got := reg.Stats().Total; got != 1 {
		t.Fatalf("Stats().Total = %d, want 1", got)
	}

	if err := reg.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !cleaned {
		t.Error("cleanup did not run on last release")
	}
	if got := reg.Stats().Total; got != 0 {
		t.Errorf("Stats().Total = %d after cleanup, want 0", got)
	}
}

func TestRetainDefersCleanup(t *testing.T) {
	reg := New()

	cleanups := 0
	id, err := reg.Acquire(Handle, testOwner, CustomCleanup(func() error {
		cleanups++
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := reg.Retain(id); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := reg.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if cleanups != 0 {
		t.Fatal("cleanup ran while refcount > 0")
	}
	if err := reg.Release(id); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if cleanups != 1 {
		t.Fatalf("cleanups = %d, want 1", cleanups)
	}
}

func TestUnknownDependency(t *testing.T) {
	reg := New()

	before := reg.Stats()
	_, err := reg.Acquire(Memory, testOwner, CleanupStrategy{}, []ID{42})
	if !stderrors.Is(err, dkerrors.Match(dkerrors.PhaseAcquire, dkerrors.KindUnknownDependency)) {
		t.Fatalf("err = %v, want unknown_dependency", err)
	}
	if after := reg.Stats(); after.Total != before.Total {
		t.Error("failed acquire mutated the registry")
	}
}

func TestNotFoundOnStaleID(t *testing.T) {
	reg := New()
	id, _ := reg.Acquire(Lock, testOwner, CleanupStrategy{}, nil)
	if err := reg.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	notFound := dkerrors.Match("", dkerrors.KindNotFound)
	if err := reg.Retain(id); !stderrors.Is(err, notFound) {
		t.Errorf("Retain stale = %v, want not_found", err)
	}
	if err := reg.Release(id); !stderrors.Is(err, notFound) {
		t.Errorf("Release stale = %v, want not_found", err)
	}
}

func TestAddDependencyCycleRejected(t *testing.T) {
	reg := New()
	a, _ := reg.Acquire(Memory, testOwner, CleanupStrategy{}, nil)
	b, _ := reg.Acquire(Memory, testOwner, CleanupStrategy{}, []ID{a})

	cycle := dkerrors.Match(dkerrors.PhaseAcquire, dkerrors.KindDependencyCycle)
	if err := reg.AddDependency(a, a); !stderrors.Is(err, cycle) {
		t.Errorf("self edge = %v, want dependency_cycle", err)
	}
	// b already depends on a, so a -> b closes a cycle.
	if err := reg.AddDependency(a, b); !stderrors.Is(err, cycle) {
		t.Errorf("back edge = %v, want dependency_cycle", err)
	}

	// Registry is unchanged: both records intact, no edges added to a.
	rec, ok := reg.Get(a)
	if !ok || len(rec.Deps) != 0 {
		t.Errorf("record a mutated by rejected edges: %+v", rec)
	}
}

func TestCleanupWaitsForDependents(t *testing.T) {
	reg := New()

	var order []string
	mk := func(name string) CleanupStrategy {
		return CustomCleanup(func() error {
			order = append(order, name)
			return nil
		})
	}

	base, _ := reg.Acquire(Memory, testOwner, mk("base"), nil)
	dep, _ := reg.Acquire(DMA, testOwner, mk("dep"), []ID{base})

	// base's refcount hits zero first, but dep still depends on it.
	if err := reg.Release(base); err != nil {
		t.Fatalf("Release(base): %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("base cleaned while dependent live: %v", order)
	}
	if got := reg.Stats().Pending; got != 1 {
		t.Errorf("Stats().Pending = %d, want 1", got)
	}

	if err := reg.Release(dep); err != nil {
		t.Fatalf("Release(dep): %v", err)
	}
	want := []string{"dep", "base"}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("cleanup order = %v, want %v", order, want)
	}
}

func TestCleanupOrderRandomizedGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 100; trial++ {
		reg := New()
		n := 2 + rng.Intn(20)

		ids := make([]ID, n)
		pos := make(map[ID]int)
		var order []ID
		deps := make(map[ID][]ID)

		for i := 0; i < n; i++ {
			var myDeps []ID
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					myDeps = append(myDeps, ids[j])
				}
			}
			var id ID
			var err error
			func(i int) {
				id, err = reg.Acquire(Memory, testOwner, CustomCleanup(func() error {
					order = append(order, ids[i])
					return nil
				}), myDeps)
			}(i)
			if err != nil {
				t.Fatalf("trial %d: Acquire: %v", trial, err)
			}
			ids[i] = id
			deps[id] = myDeps
		}

		// Release in random order; cleanup must still respect the graph.
		perm := rng.Perm(n)
		for _, i := range perm {
			if err := reg.Release(ids[i]); err != nil {
				t.Fatalf("trial %d: Release: %v", trial, err)
			}
		}

		if len(order) != n {
			t.Fatalf("trial %d: cleaned %d of %d", trial, len(order), n)
		}
		for i, id := range order {
			pos[id] = i
		}
		for id, myDeps := range deps {
			for _, d := range myDeps {
				if pos[id] > pos[d] {
					t.Fatalf("trial %d: %v cleaned after its dependency %v", trial, id, d)
				}
			}
		}
	}
}

func TestForceCleanupModule(t *testing.T) {
	reg := New()
	other := driverkit.ModuleID("other")

	var order []ID
	track := func(slot *ID) CleanupStrategy {
		return CustomCleanup(func() error {
			order = append(order, *slot)
			return nil
		})
	}

	var a, b, c ID
	a, _ = reg.Acquire(Memory, testOwner, track(&a), nil)
	b, _ = reg.Acquire(Handle, testOwner, track(&b), []ID{a})
	c, _ = reg.Acquire(Lock, other, track(&c), nil)

	// b is still referenced; force cleanup flags it as leaked but frees it.
	report := reg.ForceCleanupModule(testOwner)

	if report.Released != 2 {
		t.Errorf("Released = %d, want 2", report.Released)
	}
	if len(report.Leaked) != 2 {
		t.Errorf("Leaked = %d entries, want 2 (live refcounts)", len(report.Leaked))
	}
	if report.Err != nil {
		t.Errorf("Err = %v, want nil (no callback failures)", report.Err)
	}
	if len(order) != 2 || order[0] != b || order[1] != a {
		t.Errorf("forced cleanup order = %v, want [%v %v]", order, b, a)
	}

	// The other module's resource survives.
	if _, ok := reg.Get(c); !ok {
		t.Error("unrelated module's resource was cleaned")
	}
	if got := reg.Stats().Total; got != 1 {
		t.Errorf("Stats().Total = %d, want 1", got)
	}
}

func TestForceCleanupUnblocksOtherModulesPendingCleanup(t *testing.T) {
	reg := New()
	other := driverkit.ModuleID("other")

	cleaned := false
	base, _ := reg.Acquire(Memory, other, CustomCleanup(func() error {
		cleaned = true
		return nil
	}), nil)
	if _, err := reg.Acquire(Handle, testOwner, CleanupStrategy{}, []ID{base}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// base hits refcount zero but testOwner's handle still depends on it,
	// so its cleanup queues.
	if err := reg.Release(base); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if cleaned {
		t.Fatal("cleanup ran with a live dependent")
	}
	if got := reg.Stats().Pending; got != 1 {
		t.Fatalf("Stats().Pending = %d, want 1", got)
	}

	reg.ForceCleanupModule(testOwner)

	if !cleaned {
		t.Error("queued cleanup did not run after the dependent module was force-cleaned")
	}
	if got := reg.Stats().Pending; got != 0 {
		t.Errorf("Stats().Pending = %d, want 0", got)
	}
	if got := reg.Stats().Total; got != 0 {
		t.Errorf("Stats().Total = %d, want 0", got)
	}
}

func TestForceCleanupRecordsCallbackFailures(t *testing.T) {
	reg := New()

	id, _ := reg.Acquire(Custom, testOwner, CustomCleanup(func() error {
		return fmt.Errorf("device wedged")
	}), nil)

	report := reg.ForceCleanupModule(testOwner)
	if report.Err == nil {
		t.Fatal("expected aggregated cleanup error")
	}
	found := false
	for _, l := range report.Leaked {
		if l.ID == id && l.Err != nil {
			found = true
		}
	}
	if !found {
		t.Errorf("leak entry for %v with error not found: %+v", id, report.Leaked)
	}
	if got := reg.Stats().Leaked; got == 0 {
		t.Error("Stats().Leaked not incremented")
	}
	// Best-effort: the entry is gone despite the failed callback.
	if _, ok := reg.Get(id); ok {
		t.Error("failed-cleanup resource still in table")
	}
}

func TestStatsByType(t *testing.T) {
	reg := New(WithClock(clock.NewMock()))

	reg.Acquire(Memory, testOwner, CleanupStrategy{}, nil)
	reg.Acquire(Memory, testOwner, CleanupStrategy{}, nil)
	reg.Acquire(Interrupt, testOwner, CleanupStrategy{}, nil)

	s := reg.Stats()
	if s.Total != 3 || s.ByType[Memory] != 2 || s.ByType[Interrupt] != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventRecorder) OnResourceEvent(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventRecorder) kinds() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Kind
	}
	return out
}

func TestObserverEvents(t *testing.T) {
	reg := New()
	rec := &eventRecorder{}
	reg.Subscribe(rec)

	id, _ := reg.Acquire(Memory, testOwner, CleanupStrategy{}, nil)
	reg.Retain(id)
	reg.Release(id)
	reg.Release(id)

	want := []EventType{EventAcquired, EventRetained, EventReleased, EventReleased, EventCleaned}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestConcurrentRetainRelease(t *testing.T) {
	reg := New()
	id, _ := reg.Acquire(Handle, testOwner, CleanupStrategy{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := reg.Retain(id); err != nil {
					t.Errorf("Retain: %v", err)
					return
				}
				if err := reg.Release(id); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, ok := reg.Get(id)
	if !ok {
		t.Fatal("resource vanished under concurrent retain/release")
	}
	if rec.RefCount != 1 {
		t.Errorf("RefCount = %d, want 1", rec.RefCount)
	}
}

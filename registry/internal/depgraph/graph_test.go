package depgraph

import (
	"math/rand"
	"testing"
)

func TestAddRejectsCycles(t *testing.T) {
	g := New()
	if !g.Add(1, nil) {
		t.Fatal("add 1")
	}
	if !g.Add(2, []uint32{1}) {
		t.Fatal("add 2 -> 1")
	}
	if !g.Add(3, []uint32{2}) {
		t.Fatal("add 3 -> 2")
	}

	if g.Add(4, []uint32{4}) {
		t.Error("self-dependency accepted")
	}
	// 1 is reachable from 3, so an edge 1 -> 3 would close a cycle.
	// Simulate by re-adding 1 is not possible; instead check reachability
	// directly through a would-be cycle: 3 depends on 2 depends on 1.
	if !g.reaches(3, 1) {
		t.Error("expected 3 to reach 1")
	}
}

func TestRemoveClearsEdges(t *testing.T) {
	g := New()
	g.Add(1, nil)
	g.Add(2, []uint32{1})

	if !g.HasDependents(1) {
		t.Fatal("expected dependent on 1")
	}
	g.Remove(2)
	if g.HasDependents(1) {
		t.Error("dependent not cleared after remove")
	}
	if g.Contains(2) {
		t.Error("removed node still present")
	}
}

func TestCleanupOrderChains(t *testing.T) {
	g := New()
	g.Add(1, nil)
	g.Add(2, []uint32{1})
	g.Add(3, []uint32{2})

	order := g.CleanupOrder([]uint32{1, 2, 3})
	if len(order) != 3 {
		t.Fatalf("order length = %d, want 3", len(order))
	}
	pos := make(map[uint32]int)
	for i, n := range order {
		pos[n] = i
	}
	if pos[3] > pos[2] || pos[2] > pos[1] {
		t.Errorf("cleanup order %v violates dependents-first", order)
	}
}

// Randomized DAGs: every node must be cleaned before all of its
// dependencies, for any subset shape the registry might hand us.
func TestCleanupOrderRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		g := New()
		n := 2 + rng.Intn(30)
		nodes := make([]uint32, n)

		// Nodes only depend on earlier nodes, which guarantees a DAG.
		for i := 0; i < n; i++ {
			id := uint32(i + 1)
			nodes[i] = id
			var deps []uint32
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, uint32(j+1))
				}
			}
			if !g.Add(id, deps) {
				t.Fatalf("trial %d: DAG edge rejected", trial)
			}
		}

		order := g.CleanupOrder(nodes)
		if len(order) != n {
			t.Fatalf("trial %d: order covers %d of %d nodes", trial, len(order), n)
		}

		pos := make(map[uint32]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for _, id := range nodes {
			for _, dep := range g.Dependencies(id) {
				if pos[id] > pos[dep] {
					t.Fatalf("trial %d: %d cleaned after its dependency %d (order %v)",
						trial, id, dep, order)
				}
			}
		}
	}
}

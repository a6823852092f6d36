package depgraph

import "testing"

func TestIsReadyRequiresAllBlockers(t *testing.T) {
	g := New()
	if err := g.AddEdge("A", "C", Blocks, false); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := g.AddEdge("B", "C", Blocks, false); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if g.IsReady("C") {
		t.Fatal("C should not be ready with no blockers completed")
	}
	g.MarkCompleted("A")
	if g.IsReady("C") {
		t.Fatal("C should not be ready with only one of two blockers completed")
	}
	g.MarkCompleted("B")
	if !g.IsReady("C") {
		t.Fatal("C should be ready once both blockers completed")
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := New()
	if err := g.AddEdge("A", "B", Blocks, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := g.AddEdge("B", "A", Blocks, false)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	cerr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	want := []string{"A", "B", "A"}
	if len(cerr.Path) != len(want) {
		t.Fatalf("path = %v, want %v", cerr.Path, want)
	}
	for i := range want {
		if cerr.Path[i] != want[i] {
			t.Fatalf("path = %v, want %v", cerr.Path, want)
		}
	}
}

func TestAddEdgeSelfLoop(t *testing.T) {
	g := New()
	if err := g.AddEdge("A", "A", Blocks, false); err == nil {
		t.Fatal("expected self-loop to be rejected")
	}
}

func TestConflictsBlockReadinessWhileRunning(t *testing.T) {
	g := New()
	if err := g.AddEdge("A", "B", Conflicts, false); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	g.MarkRunning("A")
	if g.IsReady("B") {
		t.Fatal("B should not be ready while conflicting A is running")
	}
	g.UnmarkRunning("A")
	if !g.IsReady("B") {
		t.Fatal("B should be ready once conflicting A stops running")
	}
}

func TestChainLength(t *testing.T) {
	g := New()
	must(t, g.AddEdge("A", "B", Blocks, false))
	must(t, g.AddEdge("B", "C", Blocks, false))
	if l := g.ChainLength("A"); l != 0 {
		t.Fatalf("ChainLength(A) = %d, want 0", l)
	}
	if l := g.ChainLength("B"); l != 1 {
		t.Fatalf("ChainLength(B) = %d, want 1", l)
	}
	if l := g.ChainLength("C"); l != 2 {
		t.Fatalf("ChainLength(C) = %d, want 2", l)
	}
}

func TestRemoveNodeClearsEdges(t *testing.T) {
	g := New()
	must(t, g.AddEdge("A", "B", Blocks, false))
	g.RemoveNode("A")
	if !g.IsReady("B") {
		t.Fatal("B should be ready once its only blocker is removed")
	}
	if got := g.Blockers("B"); len(got) != 0 {
		t.Fatalf("Blockers(B) = %v, want empty", got)
	}
}

func TestConnectedComponent(t *testing.T) {
	g := New()
	must(t, g.AddEdge("A", "B", Blocks, false))
	must(t, g.AddEdge("C", "D", Blocks, false))
	comp := g.ConnectedComponent("A")
	if len(comp) != 2 {
		t.Fatalf("ConnectedComponent(A) = %v, want len 2", comp)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

package observability

import "testing"

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("retrieve", 50)
	w.Observe("retrieve", 70)
	w.Observe("retrieve", 90)
	w.ObserveIndicator("degraded_retrieval")
	w.ObserveIndicator("degraded_retrieval")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "retrieve" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "retrieve")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 90 {
		t.Fatalf("LastMS = %.2f, want 90", s.LastMS)
	}
	if s.P50MS != 70 {
		t.Fatalf("P50MS = %.2f, want 70", s.P50MS)
	}
	if s.P95MS <= 70 || s.P95MS > 90 {
		t.Fatalf("P95MS = %.2f, want (70,90]", s.P95MS)
	}
	if s.TargetP95MS != 250 {
		t.Fatalf("TargetP95MS = %.2f, want 250", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "degraded_retrieval" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "degraded_retrieval")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

package facts

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestUpsertSupersedesCurrent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.Upsert(ctx, Assertion{ConversationID: "c1", Key: "api_key", Value: "ABC123", Sequence: 1})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	second, err := s.Upsert(ctx, Assertion{ConversationID: "c1", Key: "api_key", Value: "XYZ789", Sequence: 5})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if first.FactID == second.FactID {
		t.Fatalf("second upsert reused fact id %q, want a new record", first.FactID)
	}

	cur, err := s.Current(ctx, "c1", "api_key")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if cur.Value != "XYZ789" {
		t.Fatalf("Current().Value = %q, want %q", cur.Value, "XYZ789")
	}
	if cur.SupersededAtSequence != nil {
		t.Fatalf("current record superseded at %d, want nil", *cur.SupersededAtSequence)
	}

	hist, err := s.History(ctx, "c1", "api_key")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(hist))
	}
	if hist[0].SupersededAtSequence == nil || *hist[0].SupersededAtSequence != 5 {
		t.Fatalf("first record SupersededAtSequence = %v, want 5", hist[0].SupersededAtSequence)
	}
}

func TestCurrentAsOfReturnsCoveringInterval(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "api_key", Value: "ABC123", Sequence: 1})
	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "api_key", Value: "XYZ789", Sequence: 5})

	rec, err := s.CurrentAsOf(ctx, "c1", "api_key", 3)
	if err != nil {
		t.Fatalf("CurrentAsOf(3) error = %v", err)
	}
	if rec.Value != "ABC123" {
		t.Fatalf("CurrentAsOf(3).Value = %q, want %q", rec.Value, "ABC123")
	}

	rec, err = s.CurrentAsOf(ctx, "c1", "api_key", 5)
	if err != nil {
		t.Fatalf("CurrentAsOf(5) error = %v", err)
	}
	if rec.Value != "XYZ789" {
		t.Fatalf("CurrentAsOf(5).Value = %q, want %q", rec.Value, "XYZ789")
	}

	if _, err := s.CurrentAsOf(ctx, "c1", "api_key", 0); err != ErrNotFound {
		t.Fatalf("CurrentAsOf(0) error = %v, want ErrNotFound", err)
	}
}

func TestCurrentAsOfBeforeAnyRecord(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.CurrentAsOf(context.Background(), "c1", "missing", 10); err != ErrNotFound {
		t.Fatalf("CurrentAsOf() error = %v, want ErrNotFound", err)
	}
}

func TestLateArrivingUpsertKeepsNewerCurrent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "city", Value: "rome", Sequence: 10})
	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "city", Value: "milan", Sequence: 4})

	cur, err := s.Current(ctx, "c1", "city")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if cur.Value != "rome" {
		t.Fatalf("Current().Value = %q, want %q (late write must not clobber)", cur.Value, "rome")
	}

	rec, err := s.CurrentAsOf(ctx, "c1", "city", 7)
	if err != nil {
		t.Fatalf("CurrentAsOf(7) error = %v", err)
	}
	if rec.Value != "milan" {
		t.Fatalf("CurrentAsOf(7).Value = %q, want %q", rec.Value, "milan")
	}
	if rec.SupersededAtSequence == nil || *rec.SupersededAtSequence != 10 {
		t.Fatalf("late record SupersededAtSequence = %v, want 10", rec.SupersededAtSequence)
	}
}

func TestUpsertReplayIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first := mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "plan", Value: "pro", Sequence: 3})
	replay := mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "plan", Value: "pro", Sequence: 3})
	if replay.FactID != first.FactID {
		t.Fatalf("replay FactID = %q, want %q", replay.FactID, first.FactID)
	}

	hist, err := s.History(ctx, "c1", "plan")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("len(History()) after replay = %d, want 1", len(hist))
	}
}

func TestConcurrentUpsertsLeaveGapFreeHistory(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_, err := s.Upsert(ctx, Assertion{
				ConversationID: "c1",
				Key:            "counter",
				Value:          fmt.Sprintf("v%d", seq),
				Sequence:       seq,
			})
			if err != nil {
				t.Errorf("Upsert(seq=%d) error = %v", seq, err)
			}
		}(uint64(i))
	}
	wg.Wait()

	cur, err := s.Current(ctx, "c1", "counter")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if cur.Value != fmt.Sprintf("v%d", n) {
		t.Fatalf("Current().Value = %q, want %q", cur.Value, fmt.Sprintf("v%d", n))
	}

	hist, err := s.History(ctx, "c1", "counter")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != n {
		t.Fatalf("len(History()) = %d, want %d", len(hist), n)
	}
	currents := 0
	for i, rec := range hist {
		if rec.EffectiveFromSequence != uint64(i+1) {
			t.Fatalf("History()[%d].EffectiveFromSequence = %d, want %d", i, rec.EffectiveFromSequence, i+1)
		}
		if rec.Current() {
			currents++
			continue
		}
		if *rec.SupersededAtSequence != uint64(i+2) {
			t.Fatalf("History()[%d].SupersededAtSequence = %d, want %d", i, *rec.SupersededAtSequence, i+2)
		}
	}
	if currents != 1 {
		t.Fatalf("current record count = %d, want exactly 1", currents)
	}
}

func TestSnapshotTracksStaleSourceTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "city", Value: "rome", SourceTurnID: "t1", Sequence: 1})
	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "city", Value: "milan", SourceTurnID: "t2", Sequence: 2})
	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "lang", Value: "it", SourceTurnID: "t1", Sequence: 3})

	snap, err := s.Snapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.AsOfSequence != 3 {
		t.Fatalf("AsOfSequence = %d, want 3", snap.AsOfSequence)
	}
	// t1 still sources the current "lang" fact, so it is not stale.
	if snap.StaleSourceTurns["t1"] {
		t.Fatalf("StaleSourceTurns[t1] = true, want false")
	}
	if len(snap.Current) != 2 {
		t.Fatalf("len(Current) = %d, want 2", len(snap.Current))
	}

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "lang", Value: "en", SourceTurnID: "t3", Sequence: 4})
	snap, err = s.Snapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !snap.StaleSourceTurns["t1"] {
		t.Fatalf("StaleSourceTurns[t1] = false, want true after both facts superseded")
	}
}

func TestSnapshotPinnedOrderedByKey(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "zeta", Value: "1", Sequence: 1, Pinned: true})
	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "alpha", Value: "2", Sequence: 2, Pinned: true})
	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "mid", Value: "3", Sequence: 3})

	snap, err := s.Snapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	pinned := snap.Pinned()
	if len(pinned) != 2 {
		t.Fatalf("len(Pinned()) = %d, want 2", len(pinned))
	}
	if pinned[0].Key != "alpha" || pinned[1].Key != "zeta" {
		t.Fatalf("Pinned() order = [%q, %q], want [alpha, zeta]", pinned[0].Key, pinned[1].Key)
	}
}

func TestSetPinned(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "policy", Value: "no refunds", Sequence: 1})
	if err := s.SetPinned(ctx, "c1", "policy", true); err != nil {
		t.Fatalf("SetPinned() error = %v", err)
	}
	cur, err := s.Current(ctx, "c1", "policy")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if !cur.Pinned {
		t.Fatalf("Current().Pinned = false, want true")
	}
	if err := s.SetPinned(ctx, "c1", "missing", true); err != ErrNotFound {
		t.Fatalf("SetPinned(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	mustUpsert(t, s, Assertion{ConversationID: "c1", Key: "city", Value: "rome", Sequence: 1})
	if _, err := s.Current(ctx, "c2", "city"); err != ErrNotFound {
		t.Fatalf("Current(c2) error = %v, want ErrNotFound", err)
	}
}

func mustUpsert(t *testing.T, s Store, a Assertion) FactRecord {
	t.Helper()
	rec, err := s.Upsert(context.Background(), a)
	if err != nil {
		t.Fatalf("Upsert(%s=%s seq=%d) error = %v", a.Key, a.Value, a.Sequence, err)
	}
	return rec
}

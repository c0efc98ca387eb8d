package turns

import (
	"context"
	"testing"
)

func TestSaveTurnIsIdempotentByID(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	rec := TurnRecord{TurnID: "t1", ConversationID: "c1", BlockID: "b1", Sequence: 1, Text: "hello"}
	if err := s.SaveTurn(ctx, rec); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	rec.Text = "mutated on retry"
	if err := s.SaveTurn(ctx, rec); err != nil {
		t.Fatalf("SaveTurn() retry error = %v", err)
	}

	got, err := s.Get(ctx, "c1", "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Text != "hello" {
		t.Fatalf("Get().Text = %q, want first write %q", got.Text, "hello")
	}
}

func TestListByBlockChronological(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, rec := range []TurnRecord{
		{TurnID: "t3", ConversationID: "c1", BlockID: "b1", Sequence: 3, Text: "three"},
		{TurnID: "t1", ConversationID: "c1", BlockID: "b1", Sequence: 1, Text: "one"},
		{TurnID: "t2", ConversationID: "c1", BlockID: "b2", Sequence: 2, Text: "two"},
	} {
		if err := s.SaveTurn(ctx, rec); err != nil {
			t.Fatalf("SaveTurn(%s) error = %v", rec.TurnID, err)
		}
	}

	got, err := s.ListByBlock(ctx, "c1", "b1")
	if err != nil {
		t.Fatalf("ListByBlock() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(ListByBlock()) = %d, want 2", len(got))
	}
	if got[0].TurnID != "t1" || got[1].TurnID != "t3" {
		t.Fatalf("ListByBlock() order = [%s, %s], want [t1, t3]", got[0].TurnID, got[1].TurnID)
	}
}

func TestRecentReturnsNewestChronological(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		rec := TurnRecord{ConversationID: "c1", BlockID: "b1", Sequence: i, Text: "turn"}
		if err := s.SaveTurn(ctx, rec); err != nil {
			t.Fatalf("SaveTurn(seq=%d) error = %v", i, err)
		}
	}

	got, err := s.Recent(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(got))
	}
	if got[0].Sequence != 4 || got[1].Sequence != 5 {
		t.Fatalf("Recent() sequences = [%d, %d], want [4, 5]", got[0].Sequence, got[1].Sequence)
	}
}

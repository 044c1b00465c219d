package chat

import (
	"context"
	"strconv"
	"testing"

	v1 "educhat/shared/contracts/chat/v1"
)

func TestInMemoryTranscript_RecordIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryTranscript()
	ctx := context.Background()

	ok, err := s.Record(ctx, "42", v1.Message{ID: "7", Content: "a"})
	if err != nil || !ok {
		t.Fatalf("first record: ok=%v err=%v", ok, err)
	}
	ok, err = s.Record(ctx, "42", v1.Message{ID: "7", Content: "b"})
	if err != nil || ok {
		t.Fatalf("duplicate record: ok=%v err=%v", ok, err)
	}

	got, err := s.Load(ctx, "42", 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Content != "a" {
		t.Fatalf("Load=%v want the first version only", got)
	}

	if _, err := s.Record(ctx, "42", v1.Message{}); err == nil {
		t.Fatalf("expected error for message without id")
	}
}

func TestInMemoryTranscript_LoadReturnsNewestOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewInMemoryTranscript()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := s.Record(ctx, "c", v1.Message{ID: v1.IDFromInt(int64(i))}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, err := s.Load(ctx, "c", 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("Load len=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID.String() != want[i] {
			t.Fatalf("Load[%d]=%s want %s", i, got[i].ID, want[i])
		}
	}

	empty, err := s.Load(ctx, "other", 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown channel: %v %v", empty, err)
	}
}

func TestInMemoryTranscript_BoundsPerChannel(t *testing.T) {
	t.Parallel()

	s := NewInMemoryTranscript()
	ctx := context.Background()

	for i := 0; i < memMaxMessagesPerChannel+10; i++ {
		if _, err := s.Record(ctx, "c", v1.Message{ID: v1.ID("m" + strconv.Itoa(i))}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, _ := s.Load(ctx, "c", maxTranscriptLoad)
	if got[len(got)-1].ID.String() != "m"+strconv.Itoa(memMaxMessagesPerChannel+9) {
		t.Fatalf("newest message missing")
	}

	// Evicted ids may be recorded again.
	ok, err := s.Record(ctx, "c", v1.Message{ID: "m0"})
	if err != nil || !ok {
		t.Fatalf("evicted id re-record: ok=%v err=%v", ok, err)
	}
}

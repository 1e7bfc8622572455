package blocklist

import (
	"context"
	"testing"
)

func TestBlockIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Block(ctx, "1.2.3.4", "abuse"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := s.Block(ctx, "1.2.3.4", "abuse again"); err != nil {
		t.Fatalf("second block: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d entries, want 1", len(list))
	}
	// Re-blocking updates the record in place.
	if list[0].Reason != "abuse again" {
		t.Fatalf("reason = %q, want updated", list[0].Reason)
	}
}

func TestUnblock(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Unblock(ctx, "9.9.9.9"); err != nil {
		t.Fatalf("unblock of unknown ip: %v", err)
	}

	if err := s.Block(ctx, "1.2.3.4", "abuse"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := s.Unblock(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	blocked, err := s.IsBlocked(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatalf("ip still blocked after unblock")
	}
}

func TestListSorted(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for _, ip := range []string{"3.3.3.3", "1.1.1.1", "2.2.2.2"} {
		if err := s.Block(ctx, ip, "test"); err != nil {
			t.Fatalf("block %s: %v", ip, err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
	for i, w := range want {
		if list[i].IP != w {
			t.Fatalf("list[%d] = %s, want %s", i, list[i].IP, w)
		}
	}
}

func TestIsBlockedUnknown(t *testing.T) {
	s := NewMemory()
	blocked, err := s.IsBlocked(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatalf("unknown ip reported blocked")
	}
}

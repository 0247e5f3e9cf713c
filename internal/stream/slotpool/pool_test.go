package slotpool

import (
	"slices"
	"testing"
)

func TestNextIssuesSequentiallyThenRecycles(t *testing.T) {
	p := New(16)
	for i := 0; i < 16; i++ {
		if got := p.Next(); got != i {
			t.Fatalf("Next #%d: got %d want %d", i, got, i)
		}
	}
	if got := p.Next(); got != 0 {
		t.Fatalf("17th Next: got %d want 0", got)
	}
	if got := p.Next(); got != 1 {
		t.Fatalf("18th Next: got %d want 1", got)
	}
	if p.Issued() != 16 {
		t.Fatalf("issued: %d", p.Issued())
	}
}

func TestTapProtectsFromRecycling(t *testing.T) {
	p := New(4)
	for i := 0; i < 4; i++ {
		p.Next()
	}
	p.Tap(0)
	p.Tap(2)
	if !slices.Equal(p.Order(), []int{1, 3, 0, 2}) {
		t.Fatalf("order after taps: %v", p.Order())
	}
	if got := p.Next(); got != 1 {
		t.Fatalf("Next after taps: got %d want 1", got)
	}
	if got := p.Next(); got != 3 {
		t.Fatalf("Next after taps: got %d want 3", got)
	}
}

func TestTapIgnoresUnknownIDs(t *testing.T) {
	p := New(4)
	p.Next()
	p.Tap(3)
	p.Tap(-1)
	p.Tap(99)
	if !slices.Equal(p.Order(), []int{0}) {
		t.Fatalf("order: %v", p.Order())
	}
	if got := p.Next(); got != 1 {
		t.Fatalf("Next: got %d want 1", got)
	}
}

func TestSingleSlotPool(t *testing.T) {
	p := New(1)
	for i := 0; i < 5; i++ {
		if got := p.Next(); got != 0 {
			t.Fatalf("Next: got %d", got)
		}
	}
	p.Tap(0)
	if !slices.Equal(p.Order(), []int{0}) {
		t.Fatalf("order: %v", p.Order())
	}
}

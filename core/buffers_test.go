package core

import (
	"fmt"
	"reflect"
	"testing"
)

func TestBuffersSplitsAndSkipsEmptyLines(t *testing.T) {
	b := NewBuffers(10)
	b.Append("t1", "alpha\r\n\r\nbeta\npartial")
	want := []string{"alpha", "beta"}
	if got := b.All("t1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBuffersCarriesPartialLineAcrossChunks(t *testing.T) {
	b := NewBuffers(10)
	b.Append("t1", "hel")
	if got := b.All("t1"); got != nil {
		t.Fatalf("partial line surfaced early: %v", got)
	}
	b.Append("t1", "lo\nwor")
	b.Append("t1", "ld\n")
	want := []string{"hello", "world"}
	if got := b.All("t1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBuffersFlushPromotesFinalPartialLine(t *testing.T) {
	b := NewBuffers(10)
	b.Append("t1", "one\ntail without newline")
	b.Flush("t1")
	want := []string{"one", "tail without newline"}
	if got := b.All("t1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	// Redundant flush adds nothing.
	b.Flush("t1")
	if got := b.All("t1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("flush must be idempotent, got %v", got)
	}
}

func TestBuffersClearDropsCarry(t *testing.T) {
	b := NewBuffers(10)
	b.Append("t1", "stale partial")
	b.Clear("t1")
	b.Append("t1", "fresh\n")
	if got := b.All("t1"); !reflect.DeepEqual(got, []string{"fresh"}) {
		t.Fatalf("stale carry leaked: %v", got)
	}
}

func TestBuffersCapBounded(t *testing.T) {
	b := NewBuffers(3)
	for i := 1; i <= 9; i++ {
		b.Append("t1", fmt.Sprintf("line %d\n", i))
	}
	want := []string{"line 7", "line 8", "line 9"}
	if got := b.All("t1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBuffersRecentZeroMeansAll(t *testing.T) {
	b := NewBuffers(5)
	b.Append("t1", "a\nb\nc\n")
	if got := b.Recent("t1", 0); len(got) != 3 {
		t.Fatalf("expected all 3 lines, got %v", got)
	}
	if got := b.Recent("t1", 2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("unexpected tail: %v", got)
	}
}

func TestBuffersUnknownTab(t *testing.T) {
	b := NewBuffers(5)
	if got := b.Recent("ghost", 10); got != nil {
		t.Fatalf("expected nil for unknown tab, got %v", got)
	}
	if b.Has("ghost") {
		t.Fatalf("unknown tab must not report buffered output")
	}
}

func TestBuffersTabsIsolated(t *testing.T) {
	b := NewBuffers(5)
	b.Append("t1", "one\n")
	b.Append("t2", "two\n")
	if got := b.All("t1"); !reflect.DeepEqual(got, []string{"one"}) {
		t.Fatalf("t1 leaked: %v", got)
	}
	if got := b.All("t2"); !reflect.DeepEqual(got, []string{"two"}) {
		t.Fatalf("t2 leaked: %v", got)
	}
}

func TestBuffersClearDropsOnlyTargetTab(t *testing.T) {
	b := NewBuffers(5)
	b.Append("t1", "one\n")
	b.Append("t2", "two\n")
	b.Clear("t1")
	if b.Has("t1") {
		t.Fatalf("t1 should be empty after clear")
	}
	if !b.Has("t2") {
		t.Fatalf("t2 should survive t1 clear")
	}
}

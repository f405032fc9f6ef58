package stream_test

import (
	"fmt"
	"testing"

	"github.com/a2y-d5l/pipeproc/internal/stream"
)

func linesFor(k int) []string {
	out := make([]string, k)
	for i := range out {
		out[i] = fmt.Sprintf("L%d", i+1)
	}
	return out
}

func TestGatherer_HeadTailMarker(t *testing.T) {
	g := stream.NewGatherer(2, 2)
	for _, l := range linesFor(10) {
		g.Append(l)
	}
	got := g.ToList()
	want := []string{"L1", "L2", "… (skipped 6 line(s)) …", "L9", "L10"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestGatherer_CountFormula(t *testing.T) {
	tests := []struct {
		k, h, tl int
	}{
		{0, 0, 0}, {1, 0, 0}, {5, 2, 2}, {10, 2, 2}, {3, 5, 5}, {5, 0, 5}, {5, 5, 0},
	}

	for _, tt := range tests {
		g := stream.NewGatherer(tt.h, tt.tl)
		for _, l := range linesFor(tt.k) {
			g.Append(l)
		}
		got := g.ToList()

		wantMarker := 0
		if tt.k > tt.h+tt.tl {
			wantMarker = 1
		}
		minHead := min(tt.k, tt.h)
		tailCount := max(tt.k-tt.h, 0)
		if tailCount > tt.tl {
			tailCount = tt.tl
		}
		wantLen := minHead + wantMarker + tailCount

		if len(got) != wantLen {
			t.Fatalf("k=%d h=%d t=%d: got %d entries (%v), want %d", tt.k, tt.h, tt.tl, len(got), got, wantLen)
		}

		wantSkipped := tt.k - tt.h - tt.tl
		if wantSkipped < 0 {
			wantSkipped = 0
		}
		if g.Skipped() != wantSkipped {
			t.Fatalf("k=%d h=%d t=%d: got skipped=%d, want %d", tt.k, tt.h, tt.tl, g.Skipped(), wantSkipped)
		}
	}
}

func TestGatherer_ZeroHeadZeroTail(t *testing.T) {
	g := stream.NewGatherer(0, 0)
	for _, l := range linesFor(4) {
		g.Append(l)
	}
	got := g.ToList()
	want := []string{"… (skipped 4 line(s)) …"}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGatherer_TailOrderAfterWrap(t *testing.T) {
	g := stream.NewGatherer(0, 3)
	for _, l := range linesFor(7) {
		g.Append(l)
	}
	got := g.ToList()
	want := []string{"… (skipped 4 line(s)) …", "L5", "L6", "L7"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
}

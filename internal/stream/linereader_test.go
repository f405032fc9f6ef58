package stream_test

import (
	"strings"
	"testing"

	"github.com/a2y-d5l/pipeproc/internal/stream"
)

func TestLineReader_EndingVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lf", "a\nb\nc", []string{"a", "b", "c"}},
		{"crlf", "a\r\nb\r\nc", []string{"a", "b", "c"}},
		{"cr", "a\rb\rc", []string{"a", "b", "c"}},
		{"mixed", "a\nb\rc\r\nd", []string{"a", "b", "c", "d"}},
		{"empty-line", "a\n\nb", []string{"a", "", "b"}},
		{"trailing-newline", "a\nb\n", []string{"a", "b"}},
		{"empty-input", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := stream.NewLineReader(strings.NewReader(tt.input), 1024)
			var got []string
			for {
				line, ok, err := lr.ReadLine()
				if err != nil {
					t.Fatalf("ReadLine: %v", err)
				}
				if !ok {
					break
				}
				got = append(got, line)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("line %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLineReader_Truncation(t *testing.T) {
	lr := stream.NewLineReader(strings.NewReader("abcdefghij\n"), 5)
	line, ok, err := lr.ReadLine()
	if err != nil || !ok {
		t.Fatalf("ReadLine: %q %v %v", line, ok, err)
	}
	want := "abcde…"
	if line != want {
		t.Fatalf("got %q, want %q", line, want)
	}
	if runeLen := len([]rune(line)); runeLen != 6 {
		t.Fatalf("expected L+1=6 runes, got %d", runeLen)
	}
}

func TestLineReader_NoRetainedBuffers(t *testing.T) {
	// Regression guard: returned strings must be independent copies, not
	// views into a reused internal buffer.
	lr := stream.NewLineReader(strings.NewReader("one\ntwo\nthree\n"), 100)
	var lines []string
	for {
		line, ok, err := lr.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if !ok {
			break
		}
		lines = append(lines, line)
	}
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d: got %q want %q", i, lines[i], w)
		}
	}
}

package pipeproc

import (
	"io"

	"github.com/a2y-d5l/pipeproc/internal/stream"
)

// defaultLineLength backs ConsumeLinesWith when no MaxCaptureLineLength has
// been set on the owning view, and ToStringList when given a non-positive
// maxLineLen.
const defaultLineLength = 4096

// foldLines parses r into CR/LF-folded lines bounded by maxLineLen (falling
// back to defaultLineLength when non-positive) and calls cb for each.
func foldLines(r io.Reader, maxLineLen int, cb func(string) error) error {
	if maxLineLen <= 0 {
		maxLineLen = defaultLineLength
	}
	lr := stream.NewLineReader(r, maxLineLen)
	for {
		line, ok, err := lr.ReadLine()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := cb(line); err != nil {
			return err
		}
	}
}

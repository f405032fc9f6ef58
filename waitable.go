package pipeproc

import "github.com/a2y-d5l/pipeproc/internal/stage"

// WaitableHandle is the live child handle passed to a stage's WhileRunning
// hook: its identity and lifecycle, independent of the owning stage's own
// internal task bookkeeping.
type WaitableHandle = stage.Handle

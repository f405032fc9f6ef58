package stage

import (
	"fmt"
	"io"
	"os"

	"github.com/a2y-d5l/pipeproc/procutil"
)

// Pipeline owns the chain of stage Runners for one execution: it builds
// every stage's command and tasks, spawns every process (wiring direct
// OS-level pipes across consecutive `pipeline` boundaries), and on any
// spawn failure forcibly destroys every process already spawned in this
// invocation before reporting a single SpawnError.
type Pipeline struct {
	runners []*Runner
	gate    *statusGate
}

// New builds a Pipeline over configs, in stage order (configs[0] is the
// head of the chain; later stages consume earlier stages' output).
func New(configs []Config) *Pipeline {
	p := &Pipeline{gate: newStatusGate()}
	for i, cfg := range configs {
		p.runners = append(p.runners, NewRunner(i, cfg, p.gate))
	}
	return p
}

// Runners exposes the built stage runners, valid after Execute returns (or
// while it runs, for introspection from the while-running hook's stage).
func (p *Pipeline) Runners() []*Runner { return p.runners }

// Execute builds, spawns, and drives every stage to completion. It blocks
// until every task in every stage has finished.
func (p *Pipeline) Execute() error {
	pipeBoundaries, err := p.wireBoundaries()
	if err != nil {
		return fmt.Errorf("stage: pipeline: %w", err)
	}

	for i, r := range p.runners {
		var upstream io.Reader
		if b, ok := pipeBoundaries[i]; ok {
			upstream = b
		}
		if err := r.Build(upstream); err != nil {
			// Nothing has spawned yet; no cleanup needed beyond the gate.
			p.gate.set(statusFailed)
			p.waitAll()
			return fmt.Errorf("stage: build stage %d: %w", i, err)
		}
	}

	if err := p.spawnAll(); err != nil {
		p.gate.set(statusFailed)
		p.waitAll()
		return err
	}

	p.gate.set(statusStarted)
	p.waitAll()
	return nil
}

// wireBoundaries creates an io.Pipe for every `pipeline-split` boundary,
// returning the upstream reader each downstream stage's Build call should
// use for its stdin; the upstream Runner's own split task is wired to the
// pipe's write end via SetDownstreamWriter. A plain `pipeline` boundary
// gets no pipe here: spawnAll wires it with an os.Pipe after Build (no
// user-space task needed).
func (p *Pipeline) wireBoundaries() (map[int]io.Reader, error) {
	boundaries := make(map[int]io.Reader)

	for i := 0; i < len(p.runners)-1; i++ {
		upstream := p.runners[i]
		switch upstream.cfg.Output.Kind {
		case OutputPipeline:
			// No task; stdout is connected directly once both commands
			// exist, in spawnAll's pre-start wiring pass.
		case OutputPipelineSplit:
			pr, pw := io.Pipe()
			upstream.SetDownstreamWriter(pw)
			boundaries[i+1] = pr
		}
	}

	return boundaries, nil
}

// spawnAll starts every stage's process in order. Consecutive `pipeline`
// boundaries get an os.Pipe file pair wired directly as Cmd().Stdout/
// Cmd().Stdin before starting: exec hands each *os.File to the child as
// its fd 1/0 directly, with no copier goroutine in between, so the
// boundary is true zero-copy and the OS itself delivers EOF to the
// downstream stage once the upstream process exits and its fd is closed.
// The parent's own copies of both ends are closed once every stage has
// started, since a copy left open in this process would keep the pipe's
// read end from ever seeing EOF even after the upstream child exits.
func (p *Pipeline) spawnAll() error {
	var pipeFiles []*os.File
	defer func() {
		for _, f := range pipeFiles {
			_ = f.Close()
		}
	}()

	for i, r := range p.runners {
		if i+1 < len(p.runners) && r.cfg.Output.Kind == OutputPipeline {
			pr, pw, err := os.Pipe()
			if err != nil {
				return fmt.Errorf("stage: pipeline: os.Pipe: %w", err)
			}
			r.Cmd().Stdout = pw
			if r.cfg.Error.Kind == ErrorRedirectToOutput {
				r.Cmd().Stderr = pw
			}
			p.runners[i+1].Cmd().Stdin = pr
			pipeFiles = append(pipeFiles, pr, pw)
		}
	}

	var spawned []*Runner
	for i, r := range p.runners {
		if err := r.Cmd().Start(); err != nil {
			p.destroySpawned(spawned)
			return &SpawnError{StageIndex: i, Command: r.cfg.Command, Cause: err}
		}
		r.Spawned(r.Cmd().Process)
		spawned = append(spawned, r)
	}

	return nil
}

func (p *Pipeline) destroySpawned(spawned []*Runner) {
	for i := len(spawned) - 1; i >= 0; i-- {
		if proc := spawned[i].Cmd().Process; proc != nil {
			_ = procutil.DestroyTree(proc.Pid)
		}
	}
}

func (p *Pipeline) waitAll() {
	for _, r := range p.runners {
		r.Wait()
	}
}

// SpawnError reports that a stage in the pipeline could not be started.
// Every process already spawned in the same invocation is forcibly
// destroyed (including descendants) before this is returned.
type SpawnError struct {
	StageIndex int
	Command    string
	Cause      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("stage %d (%s): failed to start: %v", e.StageIndex, e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

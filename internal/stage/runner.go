package stage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/a2y-d5l/pipeproc/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSoftTimeout and DefaultHardTimeout are applied by the root package
// when a stage's builder never calls SoftExitTimeout/HardExitTimeout. Config
// values reaching Runner are always already resolved: a Config with
// SoftTimeout/HardTimeout of 0 means "apply immediately," per spec, not
// "use the default."
const (
	DefaultSoftTimeout = 5 * time.Second
	DefaultHardTimeout = 30 * time.Second
)

// Runner materializes one frozen stage's task set: it builds the *exec.Cmd,
// wires input/output/error tasks to it, and (after the Pipeline Runner has
// spawned every stage) drives them to completion and collects problems.
type Runner struct {
	idx int
	cfg Config
	gate *statusGate

	cmd    *exec.Cmd
	handle *Handle
	waitCh chan error  // fed once by a dedicated reaper goroutine after spawn
	extra  []io.Closer // files this runner opened itself and must close

	downstreamWriter io.WriteCloser // set by Pipeline for a pipeline-split boundary

	ioCount atomic.Int64
	ioDone  chan struct{}
	ioOnce  sync.Once

	outGather *stream.Gatherer
	errGather *stream.Gatherer

	problemsMu sync.Mutex
	problems   []Problem

	exitCode int
	softFlag bool
	hardFlag bool

	tasks []func()
	group errgroup.Group
}

// NewRunner constructs a Runner for one frozen stage. gate is the
// pipeline-wide status gate shared by every stage in the same execution.
func NewRunner(idx int, cfg Config, gate *statusGate) *Runner {
	r := &Runner{
		idx:  idx,
		cfg:  cfg,
		gate: gate,
		ioDone: make(chan struct{}),
	}
	if cfg.Output.Capture.GatherOnFail {
		r.outGather = stream.NewGatherer(cfg.Output.Capture.MaxHead, cfg.Output.Capture.MaxTail)
	}
	if cfg.Error.Capture.MaxHead > 0 || cfg.Error.Capture.MaxTail > 0 || cfg.Error.Capture.GatherOnFail || cfg.Error.Capture.LogOnSuccess {
		r.errGather = stream.NewGatherer(cfg.Error.Capture.MaxHead, cfg.Error.Capture.MaxTail)
	}
	return r
}

// Handle returns the stage's waitable handle. Populated only once the
// process has been spawned (see Spawned); nil before that.
func (r *Runner) Handle() *Handle { return r.handle }

// SetDownstreamWriter wires the write end of the next stage's stdin for a
// pipeline-split output disposition. Must be called before Build.
func (r *Runner) SetDownstreamWriter(w io.WriteCloser) {
	r.downstreamWriter = w
}

// Build constructs the underlying *exec.Cmd and every task this stage
// needs. It does not start the process or the tasks' goroutines; spawning
// is the Pipeline Runner's job so that pipeline groups can be started
// together before any task is released from the status gate.
func (r *Runner) Build(upstreamStdin io.Reader) error {
	argv := r.cfg.Rule.Format(r.cfg.Command, r.cfg.Args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.cfg.Dir
	if r.cfg.Env != nil {
		cmd.Env = r.cfg.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	// setProcessGroup is a no-op on Windows (no Setpgid there): the hard-kill
	// path does not depend on a process group existing on any platform.
	// Handle.DestroyForcibly always goes through procutil.DestroyTree, which
	// enumerates descendants from the OS process table (procutil, backed by
	// go-ps) rather than signaling a group, so Windows destroys the
	// same descendant set unix does by walking that table instead.
	setProcessGroup(cmd.SysProcAttr)

	if err := r.wireInput(cmd, upstreamStdin); err != nil {
		return err
	}
	if err := r.wireOutput(cmd); err != nil {
		return err
	}
	if err := r.wireError(cmd); err != nil {
		return err
	}

	r.cmd = cmd

	// A stage with no handler/gatherer/tee on any stream never increments
	// ioCount at all; closeIODone only fires on a transition down to zero,
	// so a stage that never leaves zero would otherwise never unblock
	// waiter's <-r.ioDone. Close it here up front for that case.
	if r.ioCount.Load() == 0 {
		r.closeIODone()
	}

	for _, task := range r.tasks {
		task := task
		r.group.Go(func() error {
			task()
			return nil
		})
	}

	r.group.Go(func() error {
		r.waiter()
		return nil
	})

	if r.cfg.WhileRunning != nil {
		r.group.Go(func() error {
			r.runWhileRunning()
			return nil
		})
	}

	return nil
}

// Cmd exposes the built command so the Pipeline Runner can Start it and,
// for plain pipeline boundaries, wire Stdout directly into the next
// stage's Stdin before starting.
func (r *Runner) Cmd() *exec.Cmd { return r.cmd }

// Spawned records the successfully started process and launches the single
// goroutine that reaps it, feeding the result to the waiter task. The
// reaper holds off calling Wait until every task reading this stage's
// StdoutPipe/StderrPipe has finished (<-r.ioDone): os/exec documents that
// Wait closes those pipes as soon as it reaps the child, so calling it
// while a consumer is still mid-read races that consumer and can lose or
// truncate the tail of a short-lived child's output.
func (r *Runner) Spawned(process *os.Process) {
	r.handle = newHandle(r.cfg.Command, r.cfg.Args, process)
	r.waitCh = make(chan error, 1)
	go func() {
		<-r.ioDone
		r.waitCh <- r.cmd.Wait()
	}()
}

func (r *Runner) incIO(n int) {
	if r.ioCount.Add(int64(n)) == 0 {
		r.closeIODone()
	}
}

func (r *Runner) decIO() {
	if r.ioCount.Add(-1) == 0 {
		r.closeIODone()
	}
}

func (r *Runner) closeIODone() {
	r.ioOnce.Do(func() { close(r.ioDone) })
}

func (r *Runner) addProblem(role Role, err error) {
	if err == nil {
		return
	}
	r.problemsMu.Lock()
	r.problems = append(r.problems, Problem{Role: role, Err: err})
	r.problemsMu.Unlock()
}

// Problems returns every problem recorded against this stage. Valid only
// after Wait has returned.
func (r *Runner) Problems() []Problem {
	r.problemsMu.Lock()
	defer r.problemsMu.Unlock()
	out := make([]Problem, len(r.problems))
	copy(out, r.problems)
	return out
}

// ExitCode, SoftTimeoutElapsed, and HardTimeoutElapsed report the Exit
// Coordinator's findings. Valid only after Wait has returned.
func (r *Runner) ExitCode() int             { return r.exitCode }
func (r *Runner) SoftTimeoutElapsed() bool  { return r.softFlag }
func (r *Runner) HardTimeoutElapsed() bool  { return r.hardFlag }
func (r *Runner) GatheredOutput() []string  { return gatherList(r.outGather) }
func (r *Runner) GatheredError() []string   { return gatherList(r.errGather) }

func gatherList(g *stream.Gatherer) []string {
	if g == nil {
		return nil
	}
	return g.ToList()
}

// Wait blocks until every task this stage created (including the waiter
// and while-running hook) has returned.
func (r *Runner) Wait() {
	_ = r.group.Wait()
	for _, c := range r.extra {
		_ = c.Close()
	}
}

// -- input wiring --------------------------------------------------------

func (r *Runner) wireInput(cmd *exec.Cmd, upstreamStdin io.Reader) error {
	switch r.cfg.Input.Kind {
	case InputEmpty:
		// Leave Stdin nil; the OS gives the child immediate EOF on read.
	case InputInherit:
		cmd.Stdin = os.Stdin
	case InputFile:
		f, err := os.Open(r.cfg.Input.FilePath)
		if err != nil {
			return fmt.Errorf("stage: open input file %q: %w", r.cfg.Input.FilePath, err)
		}
		cmd.Stdin = f
		r.extra = append(r.extra, f)
	case InputHandler:
		pr, pw := io.Pipe()
		cmd.Stdin = pr
		r.incIO(1)
		r.tasks = append(r.tasks, func() {
			defer r.decIO()
			r.runGated(func() {
				err := r.cfg.Input.Produce(pw)
				if closeErr := pw.Close(); err == nil {
					err = closeErr
				}
				r.addProblem(RoleInput, err)
			})
		})
	case InputPipeline, InputPipelineSplit:
		cmd.Stdin = upstreamStdin
	}
	return nil
}

// -- output/error wiring --------------------------------------------------

// consumerPlan is the set of byte-stream consumers a stdout/stderr stream
// needs serviced concurrently: the capture gatherer (if configured), the
// handler-configured main consumer, any copyAnd... tee consumers, and (for
// a pipeline-split boundary) a feeder into the downstream stage's stdin.
type consumerPlan struct {
	consumers []Consumer
}

func (r *Runner) wireOutput(cmd *exec.Cmd) error {
	o := r.cfg.Output
	// A discarded stream still needs a pipe if gather-on-fail capture is
	// configured on it: the consumer plan drains into the Gatherer only.
	if o.Kind == OutputHandler || o.Kind == OutputPipelineSplit ||
		(o.Kind == OutputDiscard && r.outGather != nil) {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stage: stdout pipe: %w", err)
		}
		plan := r.buildOutputConsumers(o)
		r.wireConsumers(pipe, plan, RoleOutputMain, RoleOutputFanout)
		return nil
	}

	switch o.Kind {
	case OutputDiscard:
		cmd.Stdout = nil
	case OutputInherit:
		cmd.Stdout = os.Stdout
	case OutputFileWrite, OutputFileAppend:
		f, err := openCaptureFile(o.FilePath, o.Kind == OutputFileAppend)
		if err != nil {
			return err
		}
		cmd.Stdout = f
		r.extra = append(r.extra, f)
	case OutputPipeline:
		// Left nil; the Pipeline Runner wires this stage's Cmd().Stdout
		// directly into the next stage's Cmd().Stdin before starting.
	}
	return nil
}

func (r *Runner) wireError(cmd *exec.Cmd) error {
	e := r.cfg.Error
	// A discarded stream still needs a pipe if gather-on-fail/log-on-success
	// capture is configured on it: the consumer plan drains into the
	// Gatherer only.
	if e.Kind == ErrorHandler || (e.Kind == ErrorDiscard && r.errGather != nil) {
		pipe, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("stage: stderr pipe: %w", err)
		}
		plan := r.buildErrorConsumers(e)
		r.wireConsumers(pipe, plan, RoleErrorMain, RoleErrorFanout)
		return nil
	}

	switch e.Kind {
	case ErrorDiscard:
		cmd.Stderr = nil
	case ErrorInherit:
		cmd.Stderr = os.Stderr
	case ErrorFileWrite, ErrorFileAppend:
		f, err := openCaptureFile(e.FilePath, e.Kind == ErrorFileAppend)
		if err != nil {
			return err
		}
		cmd.Stderr = f
		r.extra = append(r.extra, f)
	case ErrorRedirectToOutput:
		cmd.Stderr = cmd.Stdout
	}
	return nil
}

func openCaptureFile(path string, appendMode bool) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stage: open capture file %q: %w", path, err)
	}
	return f, nil
}

func (r *Runner) buildOutputConsumers(o OutputSpec) consumerPlan {
	var plan consumerPlan
	if r.outGather != nil {
		plan.consumers = append(plan.consumers, r.gatherConsumer(r.outGather, o.Capture.MaxLineLength))
	}
	if o.Main != nil {
		plan.consumers = append(plan.consumers, o.Main)
	}
	plan.consumers = append(plan.consumers, o.Tee...)
	if o.Kind == OutputPipelineSplit && r.downstreamWriter != nil {
		w := r.downstreamWriter
		plan.consumers = append(plan.consumers, func(rd io.Reader) error {
			_, err := io.Copy(w, rd)
			if closeErr := w.Close(); err == nil {
				err = closeErr
			}
			return err
		})
	}
	return plan
}

func (r *Runner) buildErrorConsumers(e ErrorSpec) consumerPlan {
	var plan consumerPlan
	if r.errGather != nil {
		plan.consumers = append(plan.consumers, r.gatherConsumer(r.errGather, e.Capture.MaxLineLength))
	}
	if e.Main != nil {
		plan.consumers = append(plan.consumers, e.Main)
	}
	plan.consumers = append(plan.consumers, e.Tee...)
	return plan
}

func (r *Runner) gatherConsumer(g *stream.Gatherer, maxLineLength int) Consumer {
	if maxLineLength <= 0 {
		maxLineLength = 4096
	}
	return func(rd io.Reader) error {
		lr := stream.NewLineReader(rd, maxLineLength)
		for {
			line, ok, err := lr.ReadLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			g.Append(line)
		}
	}
}

// wireConsumers runs plan's consumers over pipe, directly if there is only
// one, else fanned out through a Tee, one task per consumer plus the tee's
// own producer task.
func (r *Runner) wireConsumers(pipe io.ReadCloser, plan consumerPlan, mainRole, fanoutRole Role) {
	n := len(plan.consumers)
	if n == 0 {
		// Nobody wants these bytes; drain and discard so the child never
		// blocks writing to a pipe with no reader.
		r.incIO(1)
		r.tasks = append(r.tasks, func() {
			defer r.decIO()
			r.runGated(func() {
				_, _ = io.Copy(io.Discard, pipe)
			})
		})
		return
	}

	if n == 1 {
		r.incIO(1)
		consumer := plan.consumers[0]
		r.tasks = append(r.tasks, func() {
			defer r.decIO()
			r.runGated(func() {
				r.addProblem(mainRole, consumer(pipe))
			})
		})
		return
	}

	tee := stream.NewTee(n, 0)
	readers := tee.Readers()

	r.incIO(1)
	r.tasks = append(r.tasks, func() {
		defer r.decIO()
		r.runGated(func() {
			tee.Run(pipe)
		})
	})

	for i, consumer := range plan.consumers {
		i, consumer := i, consumer
		role := fanoutRole
		if i == 0 {
			role = mainRole
		}
		r.incIO(1)
		r.tasks = append(r.tasks, func() {
			defer r.decIO()
			r.runGated(func() {
				err := consumer(readers[i])
				_ = readers[i].Close()
				r.addProblem(role, err)
			})
		})
	}
}

// runGated blocks on the pipeline-wide status gate before invoking fn; if
// the gate reports a spawn failure, fn is skipped entirely, matching the
// task startup protocol: tasks never touch a null process handle.
func (r *Runner) runGated(fn func()) {
	if r.gate.await() == statusFailed {
		return
	}
	fn()
}

// awaitExit waits up to d for the reaper goroutine to deliver the child's
// exit status. done is false iff d elapsed first.
func (r *Runner) awaitExit(d time.Duration) (err error, done bool) {
	select {
	case err = <-r.waitCh:
		return err, true
	case <-time.After(d):
		return nil, false
	}
}

func (r *Runner) runWhileRunning() {
	r.runGated(func() {
		r.addProblem(RoleWhileRunning, r.cfg.WhileRunning(r.handle))
	})
}

// waiter implements the Exit Coordinator: after all of this stage's I/O
// has ended, it applies the soft/hard timeout ladder, reaps the child, and
// runs the exit-code validator.
func (r *Runner) waiter() {
	if r.gate.await() == statusFailed {
		return
	}

	<-r.ioDone

	waitErr, done := r.awaitExit(r.cfg.SoftTimeout)
	if !done {
		if supportsGracefulTermination {
			_ = r.handle.Destroy()
		}
		r.softFlag = true
		waitErr, done = r.awaitExit(r.cfg.HardTimeout)
	}
	if !done {
		_ = r.handle.DestroyForcibly()
		r.hardFlag = true
		waitErr = <-r.waitCh // uninterruptible final wait
	}

	exitCode := exitCodeFrom(waitErr)
	r.exitCode = exitCode
	r.handle.markExited(exitCode, waitErr)

	checker := r.cfg.ExitCodeOK
	if checker == nil {
		checker = func(code int) bool { return code == 0 }
	}

	ok, checkErr := safeCheck(checker, exitCode)
	if checkErr != nil {
		r.addProblem(RoleExitCheck, checkErr)
		return
	}

	if !ok {
		r.addProblem(RoleAbnormalExit, &AbnormalExit{
			ExitCode:           exitCode,
			SoftTimeoutElapsed: r.softFlag,
			HardTimeoutElapsed: r.hardFlag,
		})
		return
	}

	if r.errGather != nil && r.cfg.Error.Capture.LogOnSuccess && r.cfg.Logger != nil {
		if list := r.errGather.ToList(); len(list) > 0 {
			r.cfg.Logger.Warn("stage exited successfully with stderr output",
				zap.String("command", r.cfg.Command),
				zap.Int("pid", r.handle.Pid()),
				zap.Strings("stderr", list))
		}
	}
}

func safeCheck(checker func(int) bool, code int) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage: exit-code checker panicked: %v", p)
		}
	}()
	return checker(code), nil
}

// AbnormalExit is the minimal, stage-local record of an exit-code
// rejection; the root package wraps it (with captured stdout/stderr, the
// command, args, and pid) into the public AbnormalExitError.
type AbnormalExit struct {
	ExitCode           int
	SoftTimeoutElapsed bool
	HardTimeoutElapsed bool
}

func (e *AbnormalExit) Error() string {
	return fmt.Sprintf("process exited with unacceptable code %d", e.ExitCode)
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

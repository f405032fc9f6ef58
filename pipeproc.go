// Package pipeproc launches one or more child processes, optionally chained
// together, drives their standard input/output/error streams concurrently
// with caller-supplied producers and consumers, enforces a soft-then-hard
// exit-timeout ladder, and reports results or failures with pid/command
// context attached.
package pipeproc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/a2y-d5l/pipeproc/internal/argrule"
	"github.com/a2y-d5l/pipeproc/internal/gate"
	"github.com/a2y-d5l/pipeproc/internal/stage"
)

// defaultGate is the process-wide critical-section barrier every Run/
// RunContext call holds for its duration. Wait lets a host program block
// shutdown until every in-flight pipeline has finished.
var defaultGate = gate.New()

// Wait blocks until every pipeline currently running has finished, or ctx
// is done, refusing new entrants in the meantime. It is the Go-idiomatic
// stand-in for spec's JVM shutdown-hook analogue: an explicit opt-in call
// a host program makes before exiting, not an automatic hook.
func Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defaultGate.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// chain returns every stage builder from head to tail, in pipeline order.
func (b *Builder) chain() []*Builder {
	var out []*Builder
	for h := b.head(); h != nil; h = h.next {
		out = append(out, h)
	}
	return out
}

// freeze validates and converts the whole chain into stage.Configs. It
// returns the first ConfigurationError or ArgumentRuleViolation observed,
// in pipeline order.
func (b *Builder) freeze() ([]stage.Config, []*Builder, error) {
	stages := b.chain()
	configs := make([]stage.Config, len(stages))

	head := stages[0]
	logger := head.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runCorrelationID()))

	for i, s := range stages {
		if s.err != nil {
			return nil, nil, s.err
		}

		rule := s.rule
		if !s.ruleSet {
			rule = argrule.Select(s.command)
		}
		if err := rule.Validate(s.args); err != nil {
			return nil, nil, err
		}

		input := s.input
		if i > 0 && input.Kind != stage.InputPipeline && input.Kind != stage.InputPipelineSplit {
			return nil, nil, &ConfigurationError{
				Description: fmt.Sprintf("stage %d: non-first stages must receive pipeline input", i),
			}
		}

		configs[i] = stage.Config{
			Command:      s.command,
			Args:         s.args,
			Dir:          s.dir,
			Env:          envSlice(s.env),
			Rule:         rule,
			Input:        input,
			Output:       s.output,
			Error:        s.errv,
			ExitCodeOK:   s.exitOK,
			WhileRunning: s.whileRunning,
			SoftTimeout:  head.softTimeout,
			HardTimeout:  head.hardTimeout,
			Logger:       logger,
		}
	}

	return configs, stages, nil
}

func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Run executes the pipeline to completion. Call it on any stage's Builder
// in a chain; it resolves to the head automatically.
func (b *Builder) Run(ctx context.Context) error {
	return b.RunContext(ctx)
}

// RunContext executes the pipeline to completion, honoring ctx
// cancellation by forcibly destroying every spawned process tree and
// returning ctx.Err() wrapped alongside any pipeline error already in
// flight.
func (b *Builder) RunContext(ctx context.Context) error {
	configs, stages, err := b.freeze()
	if err != nil {
		return err
	}

	h := defaultGate.Enter()
	defer h.Close()

	p := stage.New(configs)
	stages[0].lastPipeline = p

	execDone := make(chan error, 1)
	go func() { execDone <- p.Execute() }()

	var execErr error
	select {
	case execErr = <-execDone:
	case <-ctx.Done():
		for _, r := range p.Runners() {
			if h := r.Handle(); h != nil {
				h.DestroyForcibly()
			}
		}
		execErr = <-execDone
	}

	if execErr != nil {
		var spawnErr *stage.SpawnError
		if errors.As(execErr, &spawnErr) {
			execErr = &SpawnError{Command: spawnErr.Command, Cause: spawnErr.Cause}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, execErr)
		}
		return execErr
	}

	var stageErrs []*ProcessExecutionError
	for i, r := range p.Runners() {
		if pe := buildProcessExecutionError(r, stages[i].command, stages[i].args); pe != nil {
			stageErrs = append(stageErrs, pe)
		}
	}

	logPipelineSummary(configs[0].Logger, stages, p.Runners())

	var runErr error
	switch len(stageErrs) {
	case 0:
		return ctx.Err()
	case 1:
		runErr = stageErrs[0]
	default:
		merr := &multierror.Error{}
		for _, se := range stageErrs {
			merr = multierror.Append(merr, se)
		}
		runErr = &PipelineExecutionError{causes: merr}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, runErr)
	}
	return runErr
}

// logPipelineSummary emits one structured Info event per completed
// pipeline, the log-based replacement for the teacher's terminal summary
// print.
func logPipelineSummary(logger *zap.Logger, stages []*Builder, runners []*stage.Runner) {
	fields := make([]zap.Field, 0, len(stages)+1)
	failed := false
	for i, r := range runners {
		ok := len(r.Problems()) == 0
		failed = failed || !ok
		fields = append(fields, zap.Dict(fmt.Sprintf("stage_%d", i),
			zap.String("command", stages[i].command),
			zap.Int("pid", r.Handle().Pid()),
			zap.Int("exit_code", r.ExitCode()),
			zap.Bool("ok", ok),
		))
	}
	fields = append(fields, zap.Bool("failed", failed))
	logger.Info("pipeline summary", fields...)
}

// Run spawns command with args to completion with no captured output,
// raising on abnormal exit. It is the single-process convenience entry
// point; use Command for anything needing input/output wiring or
// pipelining.
func Run(ctx context.Context, command string, args ...string) error {
	return Command(command, args...).Run(ctx)
}

// Capture spawns command with args to completion and returns its standard
// output as one string, truncated to maxChars (DefaultMaxCaptureChars if
// maxChars <= 0). Text beyond the limit is read and discarded so the child
// can still exit normally.
func Capture(ctx context.Context, maxChars int, command string, args ...string) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxCaptureChars
	}
	cmd := Command(command, args...)
	cmd.Output().ToSingleString(maxChars)
	if err := cmd.Run(ctx); err != nil {
		return "", err
	}
	return cmd.CapturedOutput(), nil
}

// Summary is a post-execution snapshot of one stage, suitable for
// structured logging at the call site.
type Summary struct {
	Command  string
	Args     []string
	Pid      int
	ExitCode int
	Failed   bool
}

// Summarize builds a Summary for every stage in the chain, valid after
// Run/RunContext has returned. Call it on any Builder in the chain; it
// resolves to the head's recorded pipeline automatically. It returns nil if
// the chain has not been run yet.
func (b *Builder) Summarize() []Summary {
	head := b.head()
	if head.lastPipeline == nil {
		return nil
	}
	stages := b.chain()
	runners := head.lastPipeline.Runners()
	out := make([]Summary, 0, len(stages))
	for i, r := range runners {
		out = append(out, Summary{
			Command:  stages[i].command,
			Args:     stages[i].args,
			Pid:      r.Handle().Pid(),
			ExitCode: r.ExitCode(),
			Failed:   len(r.Problems()) > 0,
		})
	}
	return out
}

// runCorrelationID is attached to every log line a single Run/RunContext
// invocation emits through a stage's Logger, letting a multi-stage
// pipeline's scattered zap output be grouped back together.
func runCorrelationID() string { return uuid.NewString() }

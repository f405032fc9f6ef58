package pipeproc

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/a2y-d5l/pipeproc/internal/argrule"
	"github.com/a2y-d5l/pipeproc/internal/stage"
)

// HandlerError reports that a user-supplied callback (input producer,
// output/error consumer, while-running hook, or exit-code checker) raised
// or returned an error. Role identifies which callback.
type HandlerError struct {
	Role  string
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler failed: %v", e.Role, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// AbnormalExitError reports that a stage's exit-code predicate rejected
// the child's exit status.
type AbnormalExitError struct {
	Command            string
	Args               []string
	Pid                int
	ExitCode           int
	SoftTimeoutElapsed bool
	HardTimeoutElapsed bool
	GatheredStderr     []string
	GatheredStdout     []string
}

func (e *AbnormalExitError) Error() string {
	return fmt.Sprintf("%s: exited with code %d (soft-timeout=%v hard-timeout=%v)",
		e.Command, e.ExitCode, e.SoftTimeoutElapsed, e.HardTimeoutElapsed)
}

// SpawnError reports that a stage could not be started, or that the chain
// partially started. Every process already spawned in the invocation is
// destroyed forcibly before this is raised.
type SpawnError struct {
	Command string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: failed to start: %v", e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// ProcessExecutionError is the per-stage aggregate raised at the user
// boundary: one cause if the stage recorded exactly one problem, else
// every problem is attached as a suppressed cause in task-collection
// order.
type ProcessExecutionError struct {
	Command string
	Args    []string
	Pid     int
	causes  *multierror.Error
}

func (e *ProcessExecutionError) Error() string {
	if len(e.causes.Errors) == 1 {
		return fmt.Sprintf("%s (pid %d): %v", e.Command, e.Pid, e.causes.Errors[0])
	}
	return fmt.Sprintf("%s (pid %d): %d problems: %v", e.Command, e.Pid, len(e.causes.Errors), e.causes)
}

// Unwrap exposes every suppressed cause so errors.Is/errors.As walk them
// all (Go 1.20+ multi-unwrap).
func (e *ProcessExecutionError) Unwrap() []error { return e.causes.WrappedErrors() }

// Causes returns every problem recorded against this stage, in task
// collection order.
func (e *ProcessExecutionError) Causes() []error { return e.causes.WrappedErrors() }

// PipelineExecutionError is raised when two or more stages in a pipeline
// each produced a ProcessExecutionError. Stage errors are attached as
// suppressed causes in pipeline order (deterministic iteration order).
type PipelineExecutionError struct {
	causes *multierror.Error
}

func (e *PipelineExecutionError) Error() string {
	return fmt.Sprintf("pipeline failed: %d stage(s): %v", len(e.causes.Errors), e.causes)
}

func (e *PipelineExecutionError) Unwrap() []error { return e.causes.WrappedErrors() }

// StageErrors returns every per-stage ProcessExecutionError, in pipeline
// order.
func (e *PipelineExecutionError) StageErrors() []*ProcessExecutionError {
	out := make([]*ProcessExecutionError, 0, len(e.causes.Errors))
	for _, err := range e.causes.Errors {
		if pe, ok := err.(*ProcessExecutionError); ok {
			out = append(out, pe)
		}
	}
	return out
}

// ArgumentRuleViolation reports that the sanitizer rejected an argument.
// It is a direct alias of the argrule package's violation type, since the
// argument-safety rules are the sole owner of that error's shape.
type ArgumentRuleViolation = argrule.ViolationError

// ConfigurationError reports builder misuse found before a run: a
// pipeline-incompatible setting such as configuring input or an exit
// timeout on a non-first stage, or a non-first stage without pipeline
// input. Re-running a Builder and changing capture settings after a
// processor has been attached are not detected.
type ConfigurationError struct {
	Description string
}

func (e *ConfigurationError) Error() string {
	return "pipeproc: configuration error: " + e.Description
}

// buildProcessExecutionError assembles a ProcessExecutionError from one
// stage's recorded problems and abnormal-exit captures, or returns nil if
// the stage had none.
func buildProcessExecutionError(r *stage.Runner, command string, args []string) *ProcessExecutionError {
	problems := r.Problems()
	if len(problems) == 0 {
		return nil
	}

	merr := &multierror.Error{}
	for _, p := range problems {
		var abnormal *stage.AbnormalExit
		if errors.As(p.Err, &abnormal) {
			merr = multierror.Append(merr, &AbnormalExitError{
				Command:            command,
				Args:               args,
				Pid:                r.Handle().Pid(),
				ExitCode:           abnormal.ExitCode,
				SoftTimeoutElapsed: abnormal.SoftTimeoutElapsed,
				HardTimeoutElapsed: abnormal.HardTimeoutElapsed,
				GatheredStderr:     r.GatheredError(),
				GatheredStdout:     r.GatheredOutput(),
			})
			continue
		}
		merr = multierror.Append(merr, &HandlerError{Role: p.Role.String(), Cause: p.Err})
	}

	return &ProcessExecutionError{
		Command: command,
		Args:    args,
		Pid:     r.Handle().Pid(),
		causes:  merr,
	}
}

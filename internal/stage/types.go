package stage

import (
	"io"
	"time"

	"github.com/a2y-d5l/pipeproc/internal/argrule"
	"go.uber.org/zap"
)

// Role identifies which per-stage task a Problem originated from, matching
// spec's "up to six kinds of problems" per stage.
type Role int

const (
	RoleInput Role = iota
	RoleOutputMain
	RoleOutputFanout
	RoleErrorMain
	RoleErrorFanout
	RoleWhileRunning
	RoleExitCheck
	RoleAbnormalExit
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutputMain:
		return "output"
	case RoleOutputFanout:
		return "output-tee"
	case RoleErrorMain:
		return "error"
	case RoleErrorFanout:
		return "error-tee"
	case RoleWhileRunning:
		return "while-running"
	case RoleExitCheck:
		return "exit-checker"
	case RoleAbnormalExit:
		return "abnormal-exit"
	default:
		return "unknown"
	}
}

// Problem is one failure recorded against a stage's task set.
type Problem struct {
	Role Role
	Err  error
}

// CapturePolicy controls how much of a stream a Gatherer retains and under
// what conditions it is surfaced.
type CapturePolicy struct {
	MaxHead       int
	MaxTail       int
	MaxLineLength int
	GatherOnFail  bool
	LogOnSuccess  bool // meaningful on the error stream only
}

// Producer writes bytes into a child's stdin. It is called with the pipe's
// write end and must close nothing; the input task closes the pipe once
// Produce returns.
type Producer func(w io.Writer) error

// Consumer reads bytes from a child's stdout or stderr (or a tee reader
// over it). It is called with the pipe's read end.
type Consumer func(r io.Reader) error

// InputKind is the disposition of a stage's stdin.
type InputKind int

const (
	InputEmpty InputKind = iota
	InputInherit
	InputFile
	InputHandler
	InputPipeline
	InputPipelineSplit
)

// InputSpec configures how a stage's stdin is fed.
type InputSpec struct {
	Kind     InputKind
	FilePath string
	Charset  string
	Produce  Producer
}

// OutputKind is the disposition of a stage's stdout.
type OutputKind int

const (
	OutputDiscard OutputKind = iota
	OutputInherit
	OutputFileWrite
	OutputFileAppend
	OutputHandler
	OutputPipeline
	OutputPipelineSplit
)

// OutputSpec configures how a stage's stdout is drained.
type OutputSpec struct {
	Kind     OutputKind
	FilePath string
	Charset  string
	Main     Consumer   // primary consumer; nil for discard/inherit/file/pipeline
	Tee      []Consumer // extra copyAnd... fanout consumers
	Capture  CapturePolicy
}

// ErrorKind is the disposition of a stage's stderr.
type ErrorKind int

const (
	ErrorDiscard ErrorKind = iota
	ErrorInherit
	ErrorFileWrite
	ErrorFileAppend
	ErrorHandler
	ErrorRedirectToOutput
)

// ErrorSpec configures how a stage's stderr is drained.
type ErrorSpec struct {
	Kind     ErrorKind
	FilePath string
	Charset  string
	Main     Consumer
	Tee      []Consumer
	Capture  CapturePolicy
}

// Config is one frozen stage's full configuration, as assembled by the
// public builder and handed to the Pipeline Runner.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Rule    argrule.Rule

	Input InputSpec
	Output OutputSpec
	Error  ErrorSpec

	ExitCodeOK   func(int) bool
	WhileRunning func(*Handle) error

	SoftTimeout time.Duration
	HardTimeout time.Duration

	Logger *zap.Logger
}

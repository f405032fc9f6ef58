package pipeproc

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/a2y-d5l/pipeproc/internal/argrule"
	"github.com/a2y-d5l/pipeproc/internal/stage"
	"github.com/a2y-d5l/pipeproc/procutil"
)

// DefaultMaxCaptureChars bounds Capture's returned string when the caller
// does not impose a tighter limit.
const DefaultMaxCaptureChars = 65536

// DefaultSoftTimeout and DefaultHardTimeout seed every new Builder's exit
// ladder: SoftExitTimeout is the grace period after stdin/stdout close
// before a termination signal is sent, HardExitTimeout the grace period
// after that before the process is destroyed forcibly.
const (
	DefaultSoftTimeout = stage.DefaultSoftTimeout
	DefaultHardTimeout = stage.DefaultHardTimeout
)

// Builder configures one pipeline stage. Command returns the head of a
// chain; OutputView.PipeTo appends and returns the next stage's Builder.
// Run/RunContext validates every stage reachable through the chain and
// converts it into the stage runner's configuration. A misuse detected by
// a configuration method (such as an exit timeout set on a non-first
// stage) is recorded on the Builder and returned as a ConfigurationError by
// Run/RunContext, not by the call that caused it, to keep every view
// method's signature chainable. A Builder keeps no frozen state: running it
// again, or changing it after a run, is not rejected.
type Builder struct {
	command string
	args    []string
	dir     string
	rule    argrule.Rule
	ruleSet bool

	env map[string]string

	input  stage.InputSpec
	output stage.OutputSpec
	errv   stage.ErrorSpec

	outCaptureBuf   *strings.Builder
	outCaptureLines *[]string
	errCaptureBuf   *strings.Builder
	errCaptureLines *[]string

	exitOK       func(int) bool
	whileRunning func(*WaitableHandle) error

	softTimeout time.Duration
	hardTimeout time.Duration

	isFirst bool
	prev    *Builder
	next    *Builder

	logger *zap.Logger

	err error // first configuration error observed, surfaced at freeze

	lastPipeline *stage.Pipeline // set by RunContext on the head builder, for Summarize
}

// Command begins a new pipeline with its first stage invoking command with
// args. The stage inherits the current process's environment and the
// default exit-code predicate, timeouts, and argument rule.
func Command(command string, args ...string) *Builder {
	b := &Builder{
		command:     command,
		args:        append([]string(nil), args...),
		isFirst:     true,
		env:         cloneEnviron(),
		softTimeout: stage.DefaultSoftTimeout,
		hardTimeout: stage.DefaultHardTimeout,
	}
	return b
}

func cloneEnviron() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// Arguments replaces the stage's argument vector.
func (b *Builder) Arguments(args ...string) *Builder {
	b.args = append([]string(nil), args...)
	return b
}

// Directory sets the stage's working directory.
func (b *Builder) Directory(dir string) *Builder {
	b.dir = dir
	return b
}

// Environment replaces the stage's environment wholesale.
func (b *Builder) Environment(env map[string]string) *Builder {
	b.env = make(map[string]string, len(env))
	for k, v := range env {
		b.env[k] = v
	}
	return b
}

// ModifyEnvironment mutates the stage's environment in place via cb, which
// receives the live map and may add, overwrite, or delete entries.
func (b *Builder) ModifyEnvironment(cb func(map[string]string)) *Builder {
	cb(b.env)
	return b
}

// ArgumentRule overrides the platform-selected argument-safety rule.
func (b *Builder) ArgumentRule(rule argrule.Rule) *Builder {
	b.rule = rule
	b.ruleSet = true
	return b
}

// ExitCodeChecker overrides the default "exit code equals 0" predicate.
func (b *Builder) ExitCodeChecker(ok func(code int) bool) *Builder {
	b.exitOK = ok
	return b
}

// WhileRunning registers a hook invoked concurrently with the stage's
// lifetime, once the gate has released, receiving a waitable handle to the
// live child.
func (b *Builder) WhileRunning(hook func(*WaitableHandle) error) *Builder {
	b.whileRunning = hook
	return b
}

// SoftExitTimeout sets the pipeline-wide grace period between a
// completed I/O drain and the first termination signal. Only meaningful
// on the first stage of a chain; configuring it on a later stage returns
// a ConfigurationError at freeze time.
func (b *Builder) SoftExitTimeout(d time.Duration) *Builder {
	if !b.isFirst {
		b.fail(&ConfigurationError{Description: "softExitTimeout may only be set on the first stage"})
		return b
	}
	b.softTimeout = d
	return b
}

// HardExitTimeout sets the pipeline-wide grace period between the
// termination signal and forced destruction. Only meaningful on the first
// stage of a chain.
func (b *Builder) HardExitTimeout(d time.Duration) *Builder {
	if !b.isFirst {
		b.fail(&ConfigurationError{Description: "hardExitTimeout may only be set on the first stage"})
		return b
	}
	b.hardTimeout = d
	return b
}

// Logger attaches a logger used for the success-path stderr warning and
// the pipeline summary event. Defaults to zap.NewNop() when unset. Wait
// and the shutdown gate emit no log events.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// CapturedOutput returns the string captured by Output().ToSingleString,
// valid after Run/RunContext returns. It is empty if that view was never
// configured on this stage.
func (b *Builder) CapturedOutput() string {
	if b.outCaptureBuf == nil {
		return ""
	}
	return b.outCaptureBuf.String()
}

// CapturedOutputLines returns the lines captured by Output().ToStringList,
// valid after Run/RunContext returns.
func (b *Builder) CapturedOutputLines() []string {
	if b.outCaptureLines == nil {
		return nil
	}
	return *b.outCaptureLines
}

// CapturedError mirrors CapturedOutput for Error().ToSingleString.
func (b *Builder) CapturedError() string {
	if b.errCaptureBuf == nil {
		return ""
	}
	return b.errCaptureBuf.String()
}

// CapturedErrorLines mirrors CapturedOutputLines for Error().ToStringList.
func (b *Builder) CapturedErrorLines() []string {
	if b.errCaptureLines == nil {
		return nil
	}
	return *b.errCaptureLines
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) head() *Builder {
	h := b
	for h.prev != nil {
		h = h.prev
	}
	return h
}

// Input returns this stage's input configuration view.
func (b *Builder) Input() *InputView {
	if !b.isFirst {
		b.fail(&ConfigurationError{Description: "input() may only be configured on the first stage; later stages receive pipeline input"})
	}
	return &InputView{b: b}
}

// Output returns this stage's output configuration view.
func (b *Builder) Output() *OutputView {
	return &OutputView{b: b}
}

// Error returns this stage's stderr configuration view.
func (b *Builder) Error() *ErrorView {
	return &ErrorView{b: b}
}

// InputView configures a stage's stdin.
type InputView struct{ b *Builder }

func (v *InputView) Empty() *InputView {
	v.b.input = stage.InputSpec{Kind: stage.InputEmpty}
	return v
}

func (v *InputView) Inherit() *InputView {
	v.b.input = stage.InputSpec{Kind: stage.InputInherit}
	return v
}

// Charset records a character-set name on the stage's input spec.
// FromString and FromStrings write the string's bytes unchanged; they do
// not re-encode them into this character set.
func (v *InputView) Charset(name string) *InputView {
	v.b.input.Charset = name
	return v
}

// NativeCharset selects the host platform's native character set.
func (v *InputView) NativeCharset() *InputView {
	v.b.input.Charset = procutil.NativeCharset()
	return v
}

// FromString feeds s as the entire stdin stream.
func (v *InputView) FromString(s string) *InputView {
	v.b.input = stage.InputSpec{
		Kind:    stage.InputHandler,
		Charset: v.b.input.Charset,
		Produce: func(w io.Writer) error {
			_, err := io.WriteString(w, s)
			return err
		},
	}
	return v
}

// FromStrings feeds lines newline-joined as stdin.
func (v *InputView) FromStrings(lines []string) *InputView {
	joined := strings.Join(lines, "\n")
	if len(lines) > 0 {
		joined += "\n"
	}
	return v.FromString(joined)
}

// TransferFrom copies r's bytes verbatim into the child's stdin.
func (v *InputView) TransferFrom(r io.Reader) *InputView {
	v.b.input = stage.InputSpec{
		Kind:    stage.InputHandler,
		Charset: v.b.input.Charset,
		Produce: func(w io.Writer) error {
			_, err := io.Copy(w, r)
			return err
		},
	}
	return v
}

// File feeds the named file's contents as stdin.
func (v *InputView) File(path string) *InputView {
	v.b.input = stage.InputSpec{Kind: stage.InputFile, FilePath: path, Charset: v.b.input.Charset}
	return v
}

// ProduceBytesWith registers a raw producer callback.
func (v *InputView) ProduceBytesWith(cb func(io.Writer) error) *InputView {
	v.b.input = stage.InputSpec{Kind: stage.InputHandler, Charset: v.b.input.Charset, Produce: cb}
	return v
}

// ProduceWith is an alias of ProduceBytesWith; Go has no separate
// character-stream writer type distinct from io.Writer.
func (v *InputView) ProduceWith(cb func(io.Writer) error) *InputView {
	return v.ProduceBytesWith(cb)
}

// OutputView configures a stage's stdout.
type OutputView struct{ b *Builder }

func (v *OutputView) Discard() *OutputView {
	v.b.output.Kind = stage.OutputDiscard
	return v
}

func (v *OutputView) Inherit() *OutputView {
	v.b.output.Kind = stage.OutputInherit
	return v
}

func (v *OutputView) Charset(name string) *OutputView {
	v.b.output.Charset = name
	return v
}

// GatherOnFail toggles whether this stream's head/tail capture is
// populated into AbnormalExitError on rejection.
func (v *OutputView) GatherOnFail(on bool) *OutputView {
	v.b.output.Capture.GatherOnFail = on
	return v
}

func (v *OutputView) MaxCaptureLineLength(n int) *OutputView {
	v.b.output.Capture.MaxLineLength = n
	return v
}

func (v *OutputView) CaptureHeadLines(n int) *OutputView {
	v.b.output.Capture.MaxHead = n
	return v
}

func (v *OutputView) CaptureTailLines(n int) *OutputView {
	v.b.output.Capture.MaxTail = n
	return v
}

// ToSingleString captures up to maxChars of stdout; retrieve it after Run
// via Builder.CapturedOutput.
func (v *OutputView) ToSingleString(maxChars int) *OutputView {
	var buf strings.Builder
	v.b.outCaptureBuf = &buf
	v.b.output.Kind = stage.OutputHandler
	v.b.output.Main = func(r io.Reader) error {
		br := bufio.NewReader(r)
		for n := 0; n < maxChars; n++ {
			ch, _, err := br.ReadRune()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			buf.WriteRune(ch)
		}
		_, err := io.Copy(io.Discard, br)
		return err
	}
	return v
}

// ToStringList captures up to maxLines of stdout, each bounded to
// maxLineLen; retrieve via Builder.CapturedOutputLines.
func (v *OutputView) ToStringList(maxLines, maxLineLen int) *OutputView {
	lines := make([]string, 0, maxLines)
	v.b.outCaptureLines = &lines
	v.b.output.Kind = stage.OutputHandler
	v.b.output.Main = newLineCollector(&lines, maxLines, maxLineLen)
	return v
}

// TransferTo streams stdout verbatim into w.
func (v *OutputView) TransferTo(w io.Writer) *OutputView {
	v.b.output.Kind = stage.OutputHandler
	v.b.output.Main = func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	}
	return v
}

// AppendTo opens path in append mode (creating it if necessary) as the
// stage's stdout.
func (v *OutputView) AppendTo(path string) *OutputView {
	v.b.output.Kind = stage.OutputFileAppend
	v.b.output.FilePath = path
	return v
}

// File opens path, truncating it, as the stage's stdout.
func (v *OutputView) File(path string) *OutputView {
	v.b.output.Kind = stage.OutputFileWrite
	v.b.output.FilePath = path
	return v
}

// ConsumeBytesWith registers the primary raw consumer.
func (v *OutputView) ConsumeBytesWith(cb func(io.Reader) error) *OutputView {
	v.b.output.Kind = stage.OutputHandler
	v.b.output.Main = cb
	return v
}

// ConsumeWith is an alias of ConsumeBytesWith.
func (v *OutputView) ConsumeWith(cb func(io.Reader) error) *OutputView {
	return v.ConsumeBytesWith(cb)
}

// ConsumeLinesWith registers a primary consumer that reads the stream as
// newline-delimited lines via the same line-folding rules as capture.
func (v *OutputView) ConsumeLinesWith(cb func(line string) error) *OutputView {
	v.b.output.Kind = stage.OutputHandler
	v.b.output.Main = newLineConsumer(cb, v.b.output.Capture.MaxLineLength)
	return v
}

// ProcessBytesWith is an alias of ConsumeBytesWith: in the host language
// this distinguished a transforming processor from a terminal consumer,
// a distinction Go's io.Reader-in/error-out callback shape erases.
func (v *OutputView) ProcessBytesWith(cb func(io.Reader) error) *OutputView {
	return v.ConsumeBytesWith(cb)
}

// ProcessWith is an alias of ProcessBytesWith.
func (v *OutputView) ProcessWith(cb func(io.Reader) error) *OutputView {
	return v.ConsumeBytesWith(cb)
}

// CopyAndConsumeBytesWith adds cb as an additional tee consumer alongside
// the primary one.
func (v *OutputView) CopyAndConsumeBytesWith(cb func(io.Reader) error) *OutputView {
	v.b.output.Tee = append(v.b.output.Tee, cb)
	return v
}

// CopyAndConsumeWith is an alias of CopyAndConsumeBytesWith.
func (v *OutputView) CopyAndConsumeWith(cb func(io.Reader) error) *OutputView {
	return v.CopyAndConsumeBytesWith(cb)
}

// CopyAndTransferTo adds w as an additional tee destination.
func (v *OutputView) CopyAndTransferTo(w io.Writer) *OutputView {
	return v.CopyAndConsumeBytesWith(func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// PipeTo ends this stage's output configuration, wires it as the input of
// a new stage invoking nextCommand, and returns that stage's Builder. If
// this stage's output view has no other consumer configured, the boundary
// uses a direct OS pipe; otherwise (tee consumers or capture attached) it
// is fed from user space so the other consumers still run.
func (v *OutputView) PipeTo(nextCommand string, nextArgs ...string) *Builder {
	b := v.b
	if len(b.output.Tee) > 0 || b.output.Capture.MaxHead > 0 || b.output.Capture.MaxTail > 0 || b.output.Main != nil {
		b.output.Kind = stage.OutputPipelineSplit
	} else {
		b.output.Kind = stage.OutputPipeline
	}

	next := &Builder{
		command:     nextCommand,
		args:        append([]string(nil), nextArgs...),
		dir:         b.dir,
		env:         cloneMap(b.env),
		softTimeout: b.head().softTimeout,
		hardTimeout: b.head().hardTimeout,
		prev:        b,
		logger:      b.logger,
	}
	if b.output.Kind == stage.OutputPipeline {
		next.input = stage.InputSpec{Kind: stage.InputPipeline}
	} else {
		next.input = stage.InputSpec{Kind: stage.InputPipelineSplit}
	}
	b.next = next
	return next
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ErrorView configures a stage's stderr.
type ErrorView struct{ b *Builder }

func (v *ErrorView) Discard() *ErrorView {
	v.b.errv.Kind = stage.ErrorDiscard
	return v
}

func (v *ErrorView) Inherit() *ErrorView {
	v.b.errv.Kind = stage.ErrorInherit
	return v
}

func (v *ErrorView) Charset(name string) *ErrorView {
	v.b.errv.Charset = name
	return v
}

// Redirect merges stderr into stdout, disabling stderr capture, gathering,
// and log-on-success for this stage.
func (v *ErrorView) Redirect() *ErrorView {
	v.b.errv = stage.ErrorSpec{Kind: stage.ErrorRedirectToOutput}
	return v
}

func (v *ErrorView) GatherOnFail(on bool) *ErrorView {
	v.b.errv.Capture.GatherOnFail = on
	return v
}

func (v *ErrorView) LogOnSuccess(on bool) *ErrorView {
	v.b.errv.Capture.LogOnSuccess = on
	return v
}

func (v *ErrorView) MaxCaptureLineLength(n int) *ErrorView {
	v.b.errv.Capture.MaxLineLength = n
	return v
}

func (v *ErrorView) CaptureHeadLines(n int) *ErrorView {
	v.b.errv.Capture.MaxHead = n
	return v
}

func (v *ErrorView) CaptureTailLines(n int) *ErrorView {
	v.b.errv.Capture.MaxTail = n
	return v
}

func (v *ErrorView) ToSingleString(maxChars int) *ErrorView {
	var buf strings.Builder
	v.b.errCaptureBuf = &buf
	v.b.errv.Kind = stage.ErrorHandler
	v.b.errv.Main = func(r io.Reader) error {
		br := bufio.NewReader(r)
		for n := 0; n < maxChars; n++ {
			ch, _, err := br.ReadRune()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			buf.WriteRune(ch)
		}
		_, err := io.Copy(io.Discard, br)
		return err
	}
	return v
}

func (v *ErrorView) ToStringList(maxLines, maxLineLen int) *ErrorView {
	lines := make([]string, 0, maxLines)
	v.b.errCaptureLines = &lines
	v.b.errv.Kind = stage.ErrorHandler
	v.b.errv.Main = newLineCollector(&lines, maxLines, maxLineLen)
	return v
}

func (v *ErrorView) TransferTo(w io.Writer) *ErrorView {
	v.b.errv.Kind = stage.ErrorHandler
	v.b.errv.Main = func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	}
	return v
}

func (v *ErrorView) AppendTo(path string) *ErrorView {
	v.b.errv.Kind = stage.ErrorFileAppend
	v.b.errv.FilePath = path
	return v
}

func (v *ErrorView) File(path string) *ErrorView {
	v.b.errv.Kind = stage.ErrorFileWrite
	v.b.errv.FilePath = path
	return v
}

func (v *ErrorView) ConsumeBytesWith(cb func(io.Reader) error) *ErrorView {
	v.b.errv.Kind = stage.ErrorHandler
	v.b.errv.Main = cb
	return v
}

func (v *ErrorView) ConsumeWith(cb func(io.Reader) error) *ErrorView {
	return v.ConsumeBytesWith(cb)
}

func (v *ErrorView) ConsumeLinesWith(cb func(line string) error) *ErrorView {
	v.b.errv.Kind = stage.ErrorHandler
	v.b.errv.Main = newLineConsumer(cb, v.b.errv.Capture.MaxLineLength)
	return v
}

func (v *ErrorView) ProcessBytesWith(cb func(io.Reader) error) *ErrorView {
	return v.ConsumeBytesWith(cb)
}

func (v *ErrorView) ProcessWith(cb func(io.Reader) error) *ErrorView {
	return v.ConsumeBytesWith(cb)
}

func (v *ErrorView) CopyAndConsumeBytesWith(cb func(io.Reader) error) *ErrorView {
	v.b.errv.Tee = append(v.b.errv.Tee, cb)
	return v
}

func (v *ErrorView) CopyAndConsumeWith(cb func(io.Reader) error) *ErrorView {
	return v.CopyAndConsumeBytesWith(cb)
}

func (v *ErrorView) CopyAndTransferTo(w io.Writer) *ErrorView {
	return v.CopyAndConsumeBytesWith(func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// newLineCollector builds a Consumer that folds the stream into at most
// maxLines lines, each bounded to maxLineLen, appending into *out.
func newLineCollector(out *[]string, maxLines, maxLineLen int) stage.Consumer {
	return func(r io.Reader) error {
		return foldLines(r, maxLineLen, func(line string) error {
			if len(*out) >= maxLines {
				return nil
			}
			*out = append(*out, line)
			return nil
		})
	}
}

func newLineConsumer(cb func(string) error, maxLineLen int) stage.Consumer {
	return func(r io.Reader) error {
		return foldLines(r, maxLineLen, cb)
	}
}

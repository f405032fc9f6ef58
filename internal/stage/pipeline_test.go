package stage_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/a2y-d5l/pipeproc/internal/argrule"
	"github.com/a2y-d5l/pipeproc/internal/stage"
)

func baseConfig(command string, args ...string) stage.Config {
	return stage.Config{
		Command:     command,
		Args:        args,
		Rule:        argrule.Generic{},
		SoftTimeout: stage.DefaultSoftTimeout,
		HardTimeout: stage.DefaultHardTimeout,
	}
}

func TestExecute_TrivialEcho(t *testing.T) {
	var out bytes.Buffer
	cfg := baseConfig("sh", "-c", "echo hello")
	cfg.Output = stage.OutputSpec{
		Kind: stage.OutputHandler,
		Main: func(r io.Reader) error {
			_, err := io.Copy(&out, r)
			return err
		},
	}

	p := stage.New([]stage.Config{cfg})
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := out.String()
	if got != "hello\n" {
		t.Fatalf("got %q", got)
	}
	if code := p.Runners()[0].ExitCode(); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if probs := p.Runners()[0].Problems(); len(probs) != 0 {
		t.Fatalf("unexpected problems: %v", probs)
	}
}

func TestExecute_FailureCapture(t *testing.T) {
	cfg := baseConfig("sh", "-c", "echo boom 1>&2; exit 1")
	cfg.Error = stage.ErrorSpec{
		Kind: stage.ErrorDiscard,
		Capture: stage.CapturePolicy{
			MaxHead:       10,
			MaxTail:       10,
			MaxLineLength: 80,
			GatherOnFail:  true,
		},
	}

	p := stage.New([]stage.Config{cfg})
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r := p.Runners()[0]
	if r.ExitCode() != 1 {
		t.Fatalf("exit code = %d", r.ExitCode())
	}

	probs := r.Problems()
	if len(probs) != 1 {
		t.Fatalf("expected exactly one problem, got %d: %v", len(probs), probs)
	}
	var abnormal *stage.AbnormalExit
	if !errors.As(probs[0].Err, &abnormal) {
		t.Fatalf("expected AbnormalExit, got %T", probs[0].Err)
	}
	if abnormal.ExitCode != 1 {
		t.Fatalf("abnormal exit code = %d", abnormal.ExitCode)
	}

	gathered := r.GatheredError()
	if len(gathered) != 1 || gathered[0] != "boom" {
		t.Fatalf("gathered error = %v", gathered)
	}
}

func TestExecute_TeeToTwoConsumers(t *testing.T) {
	var a, b bytes.Buffer
	payload := bytes.Repeat([]byte("A"), 1024)

	cfg := baseConfig("sh", "-c", "printf '%s' \"$PAYLOAD\"")
	cfg.Env = append([]string{"PAYLOAD=" + string(payload)}, os.Environ()...)
	cfg.Output = stage.OutputSpec{
		Kind: stage.OutputHandler,
		Main: func(r io.Reader) error { _, err := io.Copy(&a, r); return err },
		Tee: []stage.Consumer{
			func(r io.Reader) error { _, err := io.Copy(&b, r); return err },
		},
	}

	p := stage.New([]stage.Config{cfg})
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !bytes.Equal(a.Bytes(), payload) || !bytes.Equal(b.Bytes(), payload) {
		t.Fatalf("tee mismatch: len(a)=%d len(b)=%d want %d", a.Len(), b.Len(), len(payload))
	}
}

func TestExecute_TwoStagePipeline(t *testing.T) {
	var out bytes.Buffer

	first := baseConfig("sh", "-c", "printf 'abc\\ndef\\n'")
	first.Output = stage.OutputSpec{Kind: stage.OutputPipeline}

	second := baseConfig("sh", "-c", "while IFS= read -r line; do echo \"got:$line\"; done")
	second.Input = stage.InputSpec{Kind: stage.InputPipeline}
	second.Output = stage.OutputSpec{
		Kind: stage.OutputHandler,
		Main: func(r io.Reader) error { _, err := io.Copy(&out, r); return err },
	}

	p := stage.New([]stage.Config{first, second})
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "got:abc\ngot:def\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestExecute_HardTimeout(t *testing.T) {
	cfg := baseConfig("sh", "-c", "trap '' TERM; sleep 5")
	cfg.SoftTimeout = 20 * time.Millisecond
	cfg.HardTimeout = 40 * time.Millisecond

	p := stage.New([]stage.Config{cfg})

	start := time.Now()
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("expected forced termination well under 2s, took %v", elapsed)
	}

	r := p.Runners()[0]
	if !r.SoftTimeoutElapsed() || !r.HardTimeoutElapsed() {
		t.Fatalf("expected both timeout flags set: soft=%v hard=%v", r.SoftTimeoutElapsed(), r.HardTimeoutElapsed())
	}
}

func TestExecute_SpawnFailureDestroysSiblings(t *testing.T) {
	first := baseConfig("sh", "-c", "sleep 5")
	first.Output = stage.OutputSpec{Kind: stage.OutputPipeline}

	second := baseConfig("definitely-not-a-real-binary-xyz")
	second.Input = stage.InputSpec{Kind: stage.InputPipeline}

	p := stage.New([]stage.Config{first, second})
	err := p.Execute()
	if err == nil {
		t.Fatal("expected a spawn error")
	}
	var spawnErr *stage.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if spawnErr.StageIndex != 1 {
		t.Fatalf("expected failure at stage 1, got %d", spawnErr.StageIndex)
	}
}

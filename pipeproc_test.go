package pipeproc_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/a2y-d5l/pipeproc"
)

func drain(r io.Reader, into *strings.Builder) error {
	_, err := io.Copy(into, r)
	return err
}

func TestRun_TrivialEcho(t *testing.T) {
	var out strings.Builder
	b := pipeproc.Command("sh", "-c", "echo hello")
	b.Output().ConsumeBytesWith(func(r io.Reader) error { return drain(r, &out) })
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestCapture_TrivialEcho(t *testing.T) {
	got, err := pipeproc.Capture(context.Background(), 0, "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if got != "hello\n" {
		t.Fatalf("got %q", got)
	}
}

func TestRun_FailureRaisesAbnormalExit(t *testing.T) {
	b := pipeproc.Command("sh", "-c", "echo boom 1>&2; exit 3")
	b.Error().Discard().GatherOnFail(true).CaptureHeadLines(10).CaptureTailLines(10)

	err := b.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}

	var pe *pipeproc.ProcessExecutionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProcessExecutionError, got %T: %v", err, err)
	}

	var abnormal *pipeproc.AbnormalExitError
	if !errors.As(err, &abnormal) {
		t.Fatalf("expected *AbnormalExitError among causes, got %T: %v", err, err)
	}
	if abnormal.ExitCode != 3 {
		t.Fatalf("exit code = %d", abnormal.ExitCode)
	}
	if len(abnormal.GatheredStderr) != 1 || abnormal.GatheredStderr[0] != "boom" {
		t.Fatalf("gathered stderr = %v", abnormal.GatheredStderr)
	}
}

func TestRun_TeeToTwoConsumers(t *testing.T) {
	var a, b strings.Builder
	cmd := pipeproc.Command("sh", "-c", "printf 'abc'")
	cmd.Output().
		ConsumeBytesWith(func(r io.Reader) error { return drain(r, &a) }).
		CopyAndConsumeBytesWith(func(r io.Reader) error { return drain(r, &b) })

	if err := cmd.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.String() != "abc" || b.String() != "abc" {
		t.Fatalf("tee mismatch: a=%q b=%q", a.String(), b.String())
	}
}

func TestRun_HeadTailCaptureMarker(t *testing.T) {
	cmd := pipeproc.Command("sh", "-c", "for i in $(seq 1 10); do echo \"L$i\"; done 1>&2; exit 1")
	cmd.Error().Discard().GatherOnFail(true).CaptureHeadLines(2).CaptureTailLines(2)

	err := cmd.Run(context.Background())
	var abnormal *pipeproc.AbnormalExitError
	if !errors.As(err, &abnormal) {
		t.Fatalf("expected *AbnormalExitError, got %T: %v", err, err)
	}

	want := []string{"L1", "L2", "… (skipped 6 line(s)) …", "L9", "L10"}
	got := abnormal.GatheredStderr
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRun_TwoStagePipeline(t *testing.T) {
	var out strings.Builder
	first := pipeproc.Command("sh", "-c", "printf 'abc\\ndef\\n'")
	second := first.Output().PipeTo("sh", "-c", "while IFS= read -r line; do echo \"got:$line\"; done")
	second.Output().ConsumeBytesWith(func(r io.Reader) error { return drain(r, &out) })

	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "got:abc\ngot:def\n"
	if out.String() != want {
		t.Fatalf("got %q want %q", out.String(), want)
	}
}

func TestRun_HardTimeoutForcesKill(t *testing.T) {
	cmd := pipeproc.Command("sh", "-c", "trap '' TERM; sleep 5").
		SoftExitTimeout(20 * time.Millisecond).
		HardExitTimeout(40 * time.Millisecond)

	start := time.Now()
	err := cmd.Run(context.Background())
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("expected forced termination well under 2s, took %v", elapsed)
	}

	var abnormal *pipeproc.AbnormalExitError
	if !errors.As(err, &abnormal) {
		t.Fatalf("expected *AbnormalExitError, got %T: %v", err, err)
	}
	if !abnormal.SoftTimeoutElapsed || !abnormal.HardTimeoutElapsed {
		t.Fatalf("expected both timeout flags set: soft=%v hard=%v", abnormal.SoftTimeoutElapsed, abnormal.HardTimeoutElapsed)
	}
}

func TestRun_SoftExitTimeoutOnNonFirstStageIsConfigurationError(t *testing.T) {
	first := pipeproc.Command("sh", "-c", "printf 'x'")
	second := first.Output().PipeTo("cat")
	second.SoftExitTimeout(time.Second)

	err := second.Run(context.Background())
	var cfgErr *pipeproc.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
	}
}

func TestSummarize_ReportsPerStageResult(t *testing.T) {
	cmd := pipeproc.Command("sh", "-c", "exit 0")
	if err := cmd.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	summaries := cmd.Summarize()
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].Failed {
		t.Fatalf("expected success, got failed summary: %+v", summaries[0])
	}
	if summaries[0].Pid <= 0 {
		t.Fatalf("expected a positive pid, got %d", summaries[0].Pid)
	}
}

func TestCapturedOutputLines(t *testing.T) {
	cmd := pipeproc.Command("sh", "-c", "printf 'a\\nb\\nc\\n'")
	cmd.Output().ToStringList(10, 256)
	if err := cmd.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"a", "b", "c"}
	got := cmd.CapturedOutputLines()
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

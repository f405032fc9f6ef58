// Command pipeproc is a thin CLI over the pipeproc library: run a single
// process to completion, or pipe several together, with the same
// soft/hard exit-timeout ladder and captured-output reporting the library
// itself implements.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/a2y-d5l/pipeproc"
)

var (
	softTimeout time.Duration
	hardTimeout time.Duration
	maxChars    int
	captureOut  bool
	workdir     string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "pipeproc",
		Short: "Run and pipe subprocesses with deadline-aware shutdown",
	}
	root.PersistentFlags().DurationVar(&softTimeout, "soft-timeout", pipeproc.DefaultSoftTimeout, "grace period after I/O drains before sending a termination signal")
	root.PersistentFlags().DurationVar(&hardTimeout, "hard-timeout", pipeproc.DefaultHardTimeout, "grace period after the termination signal before forcible destruction")
	root.PersistentFlags().StringVar(&workdir, "dir", "", "working directory for every stage")

	root.AddCommand(runCmd(), pipeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pipeproc:", err)
		return 1
	}
	return 0
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "run -- <command> [args...]",
		Short:              "Run a single process to completion",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: false,
		RunE: func(cc *cobra.Command, args []string) error {
			return runOne(cc.Context(), args)
		},
	}
	cmd.Flags().IntVar(&maxChars, "max-chars", pipeproc.DefaultMaxCaptureChars, "truncate captured stdout to this many characters")
	cmd.Flags().BoolVar(&captureOut, "capture", false, "capture stdout and print it once the process exits")
	return cmd
}

func pipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipe -- <command> [args...] -- <command> [args...] ...",
		Short: "Chain several processes, each stage's stdout feeding the next's stdin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			return runPipe(cc.Context(), splitStages(args))
		},
	}
}

// splitStages breaks a flat argument list on literal "--" separators into
// one argv per stage.
func splitStages(args []string) [][]string {
	var stages [][]string
	var cur []string
	for _, a := range args {
		if a == "--" {
			if len(cur) > 0 {
				stages = append(stages, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		stages = append(stages, cur)
	}
	return stages
}

func runOne(parent context.Context, argv []string) error {
	ctx, cancel := withSignalCancellation(parent)
	defer cancel()

	b := pipeproc.Command(argv[0], argv[1:]...).
		Directory(workdir).
		SoftExitTimeout(softTimeout).
		HardExitTimeout(hardTimeout)

	if captureOut {
		b.Output().ToSingleString(maxChars)
	} else {
		b.Output().Inherit()
	}
	b.Error().Inherit()

	err := b.Run(ctx)
	if captureOut {
		fmt.Print(b.CapturedOutput())
	}
	return err
}

func runPipe(parent context.Context, stages [][]string) error {
	if len(stages) == 0 {
		return fmt.Errorf("pipe: no stages given (separate each command with --)")
	}

	ctx, cancel := withSignalCancellation(parent)
	defer cancel()

	head := pipeproc.Command(stages[0][0], stages[0][1:]...).
		Directory(workdir).
		SoftExitTimeout(softTimeout).
		HardExitTimeout(hardTimeout)
	head.Error().Inherit()

	tail := head
	for _, argv := range stages[1:] {
		tail = tail.Output().PipeTo(argv[0], argv[1:]...)
		tail.Error().Inherit()
	}
	tail.Output().Inherit()

	return tail.Run(ctx)
}

func withSignalCancellation(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

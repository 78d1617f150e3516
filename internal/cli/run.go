// Package cli holds the thin local-execution helper invoked by the "run"
// subcommand; config loading, HTTP, and persistence are handled
// elsewhere.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehrlich-b/littleci/internal/engine"
)

// RunOptions configures a local, one-shot command execution outside the
// queue engine: the same shell invocation a job would run, but streaming
// directly to the terminal instead of a job log file.
type RunOptions struct {
	Command string
	WorkDir string
	Env     map[string]string
}

// Run executes opts.Command via "/bin/sh -c" and returns the process exit
// code, mirroring what the queue engine would do for a job but without
// touching the Store.
func Run(opts RunOptions) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupted, stopping...")
		cancel()
	}()

	workDir := opts.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: cannot get working directory: %v\n", err)
			return 1
		}
	}

	exec := &engine.Executor{
		WorkDir: workDir,
		Env:     opts.Env,
		Output:  os.Stdout,
	}

	outcome, err := exec.Run(ctx, opts.Command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if outcome.Signaled {
		fmt.Fprintln(os.Stderr, "command was terminated by signal")
		return 1
	}
	return outcome.ExitCode
}

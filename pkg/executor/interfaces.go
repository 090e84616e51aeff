// Package executor runs short scripts on a remote machine. It backs the
// best-effort cleanup connection a remote task opens when it is stopped.
package executor

import (
	"context"
)

// Executor knows how to run a script over SSH (or any transport)
// and return the output as string slices.
type Executor interface {
	Run(ctx context.Context, script string) (stdoutLines, stderrLines []string, err error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, script string) ([]string, []string, error)

func (f ExecutorFunc) Run(ctx context.Context, script string) ([]string, []string, error) {
	return f(ctx, script)
}

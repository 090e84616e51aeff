package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/andrej220/remtask/internal/lg"
)

// CommandExecutor runs a script by spawning a login client, typically
// `ssh host script`. Argv turns the script into the full argument vector.
type CommandExecutor struct {
	Argv func(script string) []string
}

func NewCommandExecutor(argv func(script string) []string) *CommandExecutor {
	return &CommandExecutor{Argv: argv}
}

func (e *CommandExecutor) Run(ctx context.Context, script string) ([]string, []string, error) {
	argv := e.Argv(script)
	if len(argv) == 0 {
		return nil, nil, errors.New("run: empty command")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outLines := scanLines(ctx, &stdout)
	errLines := scanLines(ctx, &stderr)
	if err != nil {
		return outLines, errLines, fmt.Errorf("run %q: %w", argv[0], err)
	}
	return outLines, errLines, nil
}

func scanLines(ctx context.Context, r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return lines
		default:
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		lg.FromContext(ctx).Warn("scan error", lg.Err(err))
	}
	return lines
}

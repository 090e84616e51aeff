package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andrej220/remtask/internal/lg"
)

// pipeDrainTimeout bounds how long Wait keeps reading captured output after
// the process exited, in case a grandchild still holds the pipes open.
const pipeDrainTimeout = 5 * time.Second

// ProcessOptions configures how a process task wires its standard streams.
type ProcessOptions struct {
	// Quiet discards stdout and stderr.
	Quiet bool `yaml:"quiet" json:"quiet"`
	// CaptureOutput stores stdout and stderr in Results. It wins over Quiet.
	CaptureOutput bool `yaml:"capture" json:"capture"`
	// Shell joins the command into one string and runs it with /bin/sh -c.
	Shell bool `yaml:"shell" json:"shell"`
	// RequireSuccess makes Wait fail with an *ExitError on a non-zero exit.
	RequireSuccess bool `yaml:"require_success" json:"require_success"`
}

// LocalTask owns one OS process.
type LocalTask struct {
	lifecycle

	argv []string
	opts ProcessOptions
	run  atomic.Pointer[procRun]
}

// procRun is one spawn of the process. done is closed by the single
// reaper goroutine once err and the process state are final.
type procRun struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	done   chan struct{}
	err    error
}

// NewLocalTask returns an Idle task that will run argv on this machine.
func NewLocalTask(reg *Registry, argv []string, opts ProcessOptions) *LocalTask {
	t := &LocalTask{}
	t.setup(argv, opts)
	t.bind(reg, t)
	return t
}

func (t *LocalTask) setup(argv []string, opts ProcessOptions) {
	t.argv = append([]string(nil), argv...)
	t.opts = opts
	if opts.Shell {
		t.argv = []string{"/bin/sh", "-c", strings.Join(argv, " ")}
	}
}

func (t *LocalTask) Kind() Kind { return KindLocal }

// Command returns the argv the task executes.
func (t *LocalTask) Command() []string { return append([]string(nil), t.argv...) }

// Options returns the stream options the task was built with.
func (t *LocalTask) Options() ProcessOptions { return t.opts }

func (t *LocalTask) String() string {
	return fmt.Sprintf("LocalTask(state=%s, command=%q)", t.State(), strings.Join(t.argv, " "))
}

func (t *LocalTask) start(ctx context.Context) error {
	if len(t.argv) == 0 {
		return errors.New("start: empty command")
	}

	// the process must outlive ctx, so no CommandContext here
	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	run := &procRun{cmd: cmd, done: make(chan struct{})}

	// nil Stdin reads from the null device
	cmd.Stdin = nil
	switch {
	case t.opts.CaptureOutput:
		run.stdout, run.stderr = new(bytes.Buffer), new(bytes.Buffer)
		cmd.Stdout, cmd.Stderr = run.stdout, run.stderr
		cmd.WaitDelay = pipeDrainTimeout
	case t.opts.Quiet:
		cmd.Stdout, cmd.Stderr = nil, nil
	default:
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", t.argv[0], err)
	}
	t.run.Store(run)
	go func() {
		run.err = cmd.Wait()
		close(run.done)
	}()

	lg.FromContext(ctx).Debug("process started",
		lg.String("task", t.id),
		lg.Int("pid", cmd.Process.Pid),
		lg.Strings("command", t.argv))
	return nil
}

func (t *LocalTask) wait(ctx context.Context) (Results, error) {
	run := t.run.Load()
	if run == nil {
		return nil, errors.New("wait: process was never started")
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	code := -1
	if run.cmd.ProcessState != nil {
		code = run.cmd.ProcessState.ExitCode()
	}
	res := Results{KeyRetcode: code}
	if t.opts.CaptureOutput {
		res[KeyStdout] = run.stdout.String()
		res[KeyStderr] = run.stderr.String()
	}

	var exitErr *exec.ExitError
	if run.err != nil && !errors.As(run.err, &exitErr) && !errors.Is(run.err, exec.ErrWaitDelay) {
		return res, fmt.Errorf("wait %q: %w", t.argv[0], run.err)
	}
	if t.opts.RequireSuccess && code != 0 {
		return res, &ExitError{Code: code, Command: t.Command()}
	}
	return res, nil
}

// stop gives the process no grace period: SIGTERM is followed right away
// by SIGKILL.
func (t *LocalTask) stop(ctx context.Context) error {
	run := t.run.Load()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	default:
	}
	lg.FromContext(ctx).Debug("terminating process", lg.String("task", t.id), lg.Int("pid", run.cmd.Process.Pid))
	return terminateProcess(run.cmd)
}

func (t *LocalTask) reset(context.Context) error {
	t.run.Store(nil)
	return nil
}

package task

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skip on windows: needs /bin/sh")
	}
}

func TestLocalTaskCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	task := NewLocalTask(nil, []string{"echo", "hello"}, ProcessOptions{CaptureOutput: true})

	require.NoError(t, task.Start(ctx, true))
	res := task.Results()
	assert.Contains(t, res.Stdout(), "hello")
	assert.Empty(t, res.Stderr())
	code, ok := res.Retcode()
	require.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestLocalTaskCaptureWinsOverQuiet(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	task := NewLocalTask(nil, []string{"sh", "-c", "echo out; echo err >&2"}, ProcessOptions{Quiet: true, CaptureOutput: true})

	require.NoError(t, task.Start(ctx, true))
	assert.Equal(t, "out\n", task.Results().Stdout())
	assert.Equal(t, "err\n", task.Results().Stderr())
}

func TestLocalTaskQuietRecordsOnlyRetcode(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	task := NewLocalTask(nil, []string{"echo", "hidden"}, ProcessOptions{Quiet: true})

	require.NoError(t, task.Start(ctx, true))
	res := task.Results()
	assert.NotContains(t, res, KeyStdout)
	assert.NotContains(t, res, KeyStderr)
	assert.Contains(t, res, KeyRetcode)
}

func TestLocalTaskExitCode(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()

	t.Run("require success", func(t *testing.T) {
		task := NewLocalTask(nil, []string{"sh", "-c", "exit 2"}, ProcessOptions{Quiet: true, RequireSuccess: true})
		require.NoError(t, task.Start(ctx, false))

		err := task.Wait(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonZeroExit)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 2, exitErr.Code)
		assert.Equal(t, StateStopped, task.State())
	})

	t.Run("tolerate failure", func(t *testing.T) {
		task := NewLocalTask(nil, []string{"sh", "-c", "exit 2"}, ProcessOptions{Quiet: true})
		require.NoError(t, task.Start(ctx, false))

		require.NoError(t, task.Wait(ctx))
		code, ok := task.Results().Retcode()
		require.True(t, ok)
		assert.Equal(t, 2, code)
	})
}

func TestLocalTaskSpawnIsQuietWithoutLogger(t *testing.T) {
	skipOnWindows(t)
	var out bytes.Buffer
	log.SetOutput(&out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	for i := 0; i < 3; i++ {
		task := NewLocalTask(nil, []string{"true"}, ProcessOptions{})
		require.NoError(t, task.Start(context.Background(), true))
	}
	assert.Empty(t, out.String())
}

func TestLocalTaskShellMode(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	task := NewLocalTask(nil, []string{"echo", "a", "&&", "echo", "b"}, ProcessOptions{Shell: true, CaptureOutput: true})

	assert.Equal(t, []string{"/bin/sh", "-c", "echo a && echo b"}, task.Command())
	require.NoError(t, task.Start(ctx, true))
	assert.Equal(t, "a\nb\n", task.Results().Stdout())
}

func TestLocalTaskStdinIsNull(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	// cat exits right away on an empty stdin
	task := NewLocalTask(nil, []string{"cat"}, ProcessOptions{CaptureOutput: true})

	done := make(chan error, 1)
	go func() { done <- task.Start(ctx, true) }()
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Empty(t, task.Results().Stdout())
	case <-time.After(5 * time.Second):
		_ = task.Stop(ctx)
		t.Fatal("cat blocked on stdin")
	}
}

func TestLocalTaskStopKillsProcess(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	reg := NewRegistry(lg.Discard)
	task := NewLocalTask(reg, []string{"sleep", "30"}, ProcessOptions{Quiet: true})

	require.NoError(t, task.Start(ctx, false))
	assert.Equal(t, 1, reg.Len())

	begin := time.Now()
	require.NoError(t, task.Stop(ctx))
	assert.Equal(t, StateStopped, task.State())
	assert.Equal(t, 0, reg.Len())

	run := task.run.Load()
	require.NotNil(t, run)
	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived stop")
	}
	assert.Less(t, time.Since(begin), 5*time.Second)
	require.NoError(t, task.Stop(ctx))
}

func TestLocalTaskStopInterruptsWait(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	task := NewLocalTask(nil, []string{"sleep", "30"}, ProcessOptions{Quiet: true})
	require.NoError(t, task.Start(ctx, false))

	waited := make(chan error, 1)
	go func() { waited <- task.Wait(ctx) }()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, task.Stop(ctx))

	select {
	case err := <-waited:
		require.NoError(t, err)
		code, _ := task.Results().Retcode()
		assert.Equal(t, -1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after stop")
	}
}

func TestLocalTaskStopRacingReaper(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	for i := 0; i < 50; i++ {
		task := NewLocalTask(nil, []string{"sleep", "30"}, ProcessOptions{Quiet: true})
		require.NoError(t, task.Start(ctx, false))

		waited := make(chan error, 1)
		go func() { waited <- task.Wait(ctx) }()
		time.Sleep(time.Duration(i%5) * time.Millisecond)
		require.NoError(t, task.Stop(ctx), "iteration %d", i)

		select {
		case err := <-waited:
			require.NoError(t, err, "iteration %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: wait did not return after stop", i)
		}
		assert.Equal(t, StateStopped, task.State())
	}
}

func TestTerminateProcessAlreadyReaped(t *testing.T) {
	skipOnWindows(t)
	cmd := exec.Command("true")
	configureProcess(cmd)
	require.NoError(t, cmd.Run())
	assert.NoError(t, terminateProcess(cmd))
}

func TestLocalTaskWaitHonoursContext(t *testing.T) {
	skipOnWindows(t)
	task := NewLocalTask(nil, []string{"sleep", "30"}, ProcessOptions{Quiet: true})
	require.NoError(t, task.Start(testContext(), false))
	defer task.Stop(testContext())

	ctx, cancel := context.WithTimeout(testContext(), 100*time.Millisecond)
	defer cancel()
	err := task.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStarted, task.State())
}

func TestLocalTaskResetAndRerun(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	task := NewLocalTask(nil, []string{"echo", "again"}, ProcessOptions{CaptureOutput: true})

	for i := 0; i < 2; i++ {
		require.NoError(t, task.Start(ctx, true))
		assert.Equal(t, "again", strings.TrimSpace(task.Results().Stdout()))
		require.NoError(t, task.Reset(ctx))
		assert.Empty(t, task.Results())
		assert.Equal(t, StateIdle, task.State())
	}
}

func TestLocalTaskMissingBinary(t *testing.T) {
	ctx := testContext()
	task := NewLocalTask(nil, []string{"/nonexistent/remtask-binary"}, ProcessOptions{})

	require.Error(t, task.Start(ctx, false))
	assert.Equal(t, StateIdle, task.State())
}

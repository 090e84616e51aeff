package task

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/andrej220/remtask/pkg/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellLogin runs the "remote" script on this machine.
type shellLogin struct{}

func (shellLogin) Command(_, script string) []string { return []string{"sh", "-c", script} }

// fixedLogin ignores the script and runs argv instead.
type fixedLogin []string

func (l fixedLogin) Command(_, _ string) []string { return l }

type cleanupRecorder struct {
	mu      sync.Mutex
	scripts []string
}

func (c *cleanupRecorder) asExecutor() executor.Executor {
	return executor.ExecutorFunc(func(_ context.Context, script string) ([]string, []string, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.scripts = append(c.scripts, script)
		return nil, nil, nil
	})
}

func (c *cleanupRecorder) Scripts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.scripts...)
}

func TestRemoteTaskCommandLine(t *testing.T) {
	task := NewRemoteTask(nil, "h1", []string{"iperf", "-s"}, RemoteOptions{
		Login: SSHLogin{Options: []string{"-o", "BatchMode=yes"}},
	})

	argv := task.Command()
	require.Len(t, argv, 5)
	assert.Equal(t, []string{"ssh", "-o", "BatchMode=yes", "h1"}, argv[:4])
	assert.Equal(t, task.Script(), argv[4])
	assert.True(t, strings.HasPrefix(task.Script(), "( iperf -s ) & pid=$!;"), task.Script())
	assert.Contains(t, task.Script(), "> "+task.Marker())
	assert.True(t, strings.HasSuffix(task.Script(), "wait $pid"))
	assert.Equal(t, "h1", task.Host())
	assert.Equal(t, KindRemote, task.Kind())
}

func TestRemoteTaskMarkerPath(t *testing.T) {
	pattern := regexp.MustCompile(`^/tmp/remtask_procs-[a-z0-9]{8}$`)
	a := NewRemoteTask(nil, "h1", []string{"true"}, RemoteOptions{})
	b := NewRemoteTask(nil, "h1", []string{"true"}, RemoteOptions{})

	assert.Regexp(t, pattern, a.Marker())
	assert.Regexp(t, pattern, b.Marker())
	assert.NotEqual(t, a.Marker(), b.Marker())

	custom := NewRemoteTask(nil, "h1", []string{"true"}, RemoteOptions{MarkerPrefix: "exp"})
	assert.True(t, strings.HasPrefix(custom.Marker(), "/tmp/exp-"))
}

func TestMarkerSuffixRejectsBiasedBytes(t *testing.T) {
	// 252..255 would wrap onto a-d; they must be skipped, not folded.
	src := bytes.NewReader([]byte{252, 0, 253, 1, 254, 35, 255, 26, 36, 71, 251, 2, 3, 4, 5, 6})
	suffix, err := markerSuffix(src)
	require.NoError(t, err)
	assert.Equal(t, "ab90a99c", suffix)

	_, err = markerSuffix(bytes.NewReader([]byte{255, 255, 255}))
	assert.Error(t, err)
}

func TestRemoteTaskKeepChildrenRunsPlainCommand(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	cleanup := &cleanupRecorder{}
	task := NewRemoteTask(nil, "h1", []string{"echo", "hi"}, RemoteOptions{
		ProcessOptions:     ProcessOptions{CaptureOutput: true},
		KeepRemoteChildren: true,
		Login:              shellLogin{},
		Cleanup:            cleanup.asExecutor(),
	})

	assert.Equal(t, "echo hi", task.Script())
	require.NoError(t, task.Start(ctx, true))
	assert.Equal(t, "hi\n", task.Results().Stdout())
	assert.Empty(t, cleanup.Scripts())
}

func TestRemoteTaskStopKillsRemoteChildren(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	cleanup := &cleanupRecorder{}
	task := NewRemoteTask(nil, "h1", []string{"sleep", "30"}, RemoteOptions{
		ProcessOptions: ProcessOptions{Quiet: true},
		Login:          fixedLogin{"sleep", "30"},
		Cleanup:        cleanup.asExecutor(),
	})

	require.NoError(t, task.Start(ctx, false))
	require.NoError(t, task.Stop(ctx))
	assert.Equal(t, StateStopped, task.State())

	scripts := cleanup.Scripts()
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0], "kill -9")
	assert.Contains(t, scripts[0], "cat "+task.Marker())
	assert.Contains(t, scripts[0], "rm -f "+task.Marker())

	require.NoError(t, task.Stop(ctx))
	assert.Len(t, cleanup.Scripts(), 1)
}

func TestRemoteTaskCleanupFailureIsIgnored(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	failing := executor.ExecutorFunc(func(context.Context, string) ([]string, []string, error) {
		return nil, []string{"ssh: connect to host h1: Connection refused"}, assert.AnError
	})
	task := NewRemoteTask(nil, "h1", []string{"true"}, RemoteOptions{
		ProcessOptions: ProcessOptions{Quiet: true},
		Login:          fixedLogin{"true"},
		Cleanup:        failing,
	})

	require.NoError(t, task.Start(ctx, true))
	assert.Equal(t, StateStopped, task.State())
}

func TestRemoteTaskRunsWrappedScript(t *testing.T) {
	skipOnWindows(t)
	ctx := testContext()
	cleanup := &cleanupRecorder{}
	task := NewRemoteTask(nil, "h1", []string{"exit", "3"}, RemoteOptions{
		ProcessOptions: ProcessOptions{Quiet: true},
		Login:          shellLogin{},
		Cleanup:        cleanup.asExecutor(),
	})
	t.Cleanup(func() { os.Remove(task.Marker()) })

	require.NoError(t, task.Start(ctx, true))
	code, ok := task.Results().Retcode()
	require.True(t, ok)
	assert.Equal(t, 3, code, "login shell reports the user command's status")
	assert.Len(t, cleanup.Scripts(), 1)
}

package host

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/andrej220/remtask/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name   string
		target string
		argv   []string
		want   []string
	}{
		{"local", Local, []string{"ls", "-l"}, []string{"ls", "-l"}},
		{"remote", "h1", []string{"ls", "-l", "/tmp"}, []string{"ssh", "h1", "ls -l /tmp"}},
		{"remote with user", "root@h2", []string{"uptime"}, []string{"ssh", "root@h2", "uptime"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildCommand(tt.target, tt.argv))
		})
	}
}

func TestLocalHostRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs echo")
	}
	ctx := lg.Attach(context.Background(), lg.Discard)
	h := NewLocal(nil)
	assert.True(t, h.IsLocal())
	assert.Equal(t, "localhost", h.String())

	tk := h.Run([]string{"echo", "hi"}, task.ProcessOptions{CaptureOutput: true})
	assert.Equal(t, task.KindLocal, tk.Kind())
	require.NoError(t, tk.Start(ctx, true))
	assert.Equal(t, "hi\n", tk.Results().Stdout())
}

func TestRemoteHostRun(t *testing.T) {
	h := NewRemote(nil, "h1", task.RemoteOptions{KeepRemoteChildren: true})
	tk := h.Run([]string{"uptime"}, task.ProcessOptions{Quiet: true})

	remote, ok := tk.(*task.RemoteTask)
	require.True(t, ok)
	assert.Equal(t, "h1", remote.Host())
	assert.Equal(t, []string{"ssh", "h1", "uptime"}, remote.Command())
	assert.True(t, remote.Options().Quiet)
}

func TestFileTransfer(t *testing.T) {
	h := NewRemote(nil, "h1", task.RemoteOptions{})

	send := h.SendFile("/etc/motd", "", task.ProcessOptions{})
	assert.Equal(t, []string{"rsync", "-ut", "/etc/motd", "h1:/etc/motd"}, send.(*task.LocalTask).Command())

	get := h.GetFile("/var/log/out", "out.log", task.ProcessOptions{})
	assert.Equal(t, []string{"rsync", "-ut", "h1:/var/log/out", "out.log"}, get.(*task.LocalTask).Command())
}

func TestFileTransferUsesLoginOptions(t *testing.T) {
	h := NewRemote(nil, "h1", task.RemoteOptions{
		Login: task.SSHLogin{Options: []string{"-p", "2222"}},
	})
	send := h.SendFile("a", "b", task.ProcessOptions{})
	assert.Equal(t, []string{"rsync", "-ut", "-e", "ssh -p 2222", "a", "h1:b"}, send.(*task.LocalTask).Command())
}

func TestLocalFileTransfer(t *testing.T) {
	if _, err := os.Stat("/usr/bin/rsync"); err != nil {
		t.Skip("rsync not installed")
	}
	ctx := lg.Attach(context.Background(), lg.Discard)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	tk := NewLocal(task.NewRegistry(lg.Discard)).SendFile(src, dst, task.ProcessOptions{Quiet: true, RequireSuccess: true})
	require.NoError(t, tk.Start(ctx, true))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

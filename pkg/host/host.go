// Package host wraps a machine, this one or a remote login target, behind
// one small interface for running commands and moving files.
package host

import (
	"strings"

	"github.com/andrej220/remtask/pkg/task"
)

// Local is the target name of the controlling machine.
const Local = ""

// BuildCommand returns the argv that runs argv on target: argv itself for
// Local, otherwise an ssh invocation with the command joined by spaces.
func BuildCommand(target string, argv []string) []string {
	if target == Local {
		return append([]string(nil), argv...)
	}
	return task.SSHLogin{}.Command(target, strings.Join(argv, " "))
}

// Host creates tasks bound to one machine. Every task it returns is Idle.
type Host struct {
	name   string
	reg    *task.Registry
	remote task.RemoteOptions
}

// NewLocal returns the host the program runs on.
func NewLocal(reg *task.Registry) *Host {
	return &Host{name: Local, reg: reg}
}

// NewRemote returns a host reached through a remote login. The stream
// options in opts are replaced per call.
func NewRemote(reg *task.Registry, name string, opts task.RemoteOptions) *Host {
	return &Host{name: name, reg: reg, remote: opts}
}

// Name returns the login target, or Local.
func (h *Host) Name() string { return h.name }

func (h *Host) IsLocal() bool { return h.name == Local }

func (h *Host) String() string {
	if h.IsLocal() {
		return "localhost"
	}
	return h.name
}

// Run returns a task executing argv on the host.
func (h *Host) Run(argv []string, opts task.ProcessOptions) task.Task {
	if h.IsLocal() {
		return task.NewLocalTask(h.reg, argv, opts)
	}
	ropts := h.remote
	ropts.ProcessOptions = opts
	return task.NewRemoteTask(h.reg, h.name, argv, ropts)
}

// SendFile copies src from this machine to dst on the host. An empty dst
// means the same path as src.
func (h *Host) SendFile(src, dst string, opts task.ProcessOptions) task.Task {
	if dst == "" {
		dst = src
	}
	return h.rsync(src, h.path(dst), opts)
}

// GetFile copies src from the host to dst on this machine. An empty dst
// means the same path as src.
func (h *Host) GetFile(src, dst string, opts task.ProcessOptions) task.Task {
	if dst == "" {
		dst = src
	}
	return h.rsync(h.path(src), dst, opts)
}

func (h *Host) path(p string) string {
	if h.IsLocal() {
		return p
	}
	return h.name + ":" + p
}

// rsync runs locally in both directions; only update newer files and keep
// modification times.
func (h *Host) rsync(from, to string, opts task.ProcessOptions) task.Task {
	argv := []string{"rsync", "-ut"}
	if rsh := h.remoteShell(); rsh != "" {
		argv = append(argv, "-e", rsh)
	}
	argv = append(argv, from, to)
	opts.Shell = false
	return task.NewLocalTask(h.reg, argv, opts)
}

// remoteShell mirrors a customised ssh login for rsync's transport.
func (h *Host) remoteShell() string {
	if h.IsLocal() {
		return ""
	}
	login, ok := h.remote.Login.(task.SSHLogin)
	if !ok || (login.Binary == "" && len(login.Options) == 0) {
		return ""
	}
	bin := login.Binary
	if bin == "" {
		bin = "ssh"
	}
	return strings.Join(append([]string{bin}, login.Options...), " ")
}

package task

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/andrej220/remtask/pkg/executor"
)

const (
	DefaultMarkerPrefix = "remtask_procs"
	markerAlphabet      = "abcdefghijklmnopqrstuvwxyz0123456789"
	markerSuffixLen     = 8
	cleanupTimeout      = 30 * time.Second
)

// Login builds the argument vector of a remote-login invocation that runs
// script on host.
type Login interface {
	Command(host, script string) []string
}

// SSHLogin runs scripts through the OpenSSH client.
type SSHLogin struct {
	Binary  string   // defaults to "ssh"
	Options []string // inserted before the host, e.g. "-o", "BatchMode=yes"
}

func (l SSHLogin) Command(host, script string) []string {
	bin := l.Binary
	if bin == "" {
		bin = "ssh"
	}
	argv := make([]string, 0, len(l.Options)+3)
	argv = append(argv, bin)
	argv = append(argv, l.Options...)
	return append(argv, host, script)
}

// RemoteOptions configures a RemoteTask.
type RemoteOptions struct {
	ProcessOptions

	// KeepRemoteChildren disables killing the processes the command left
	// on the remote host when the task is stopped.
	KeepRemoteChildren bool
	// Login builds the remote-login command. Defaults to SSHLogin{}.
	Login Login
	// Cleanup runs the stop-time kill script on the host. Defaults to a
	// CommandExecutor spawning Login.
	Cleanup executor.Executor
	// MarkerPrefix names the marker file /tmp/<prefix>-<random>.
	MarkerPrefix string
}

// RemoteTask runs a command on another machine through a remote-login
// client. The local process is the login client; with remote-child killing
// enabled the process groups started by the command are recorded in a
// marker file on the host and killed by a second connection on stop.
type RemoteTask struct {
	LocalTask

	host    string
	command string
	script  string
	marker  string
	ropts   RemoteOptions
}

// NewRemoteTask returns an Idle task running argv, joined by spaces, on host.
func NewRemoteTask(reg *Registry, host string, argv []string, opts RemoteOptions) *RemoteTask {
	return newRemoteTask(reg, host, strings.Join(argv, " "), opts)
}

func newRemoteTask(reg *Registry, host, command string, opts RemoteOptions) *RemoteTask {
	if opts.Login == nil {
		opts.Login = SSHLogin{}
	}
	if opts.MarkerPrefix == "" {
		opts.MarkerPrefix = DefaultMarkerPrefix
	}
	// the login client gets the script as one argument; a local shell
	// would only get in the way
	opts.Shell = false

	t := &RemoteTask{
		host:    host,
		command: command,
		marker:  markerPath(opts.MarkerPrefix),
	}
	if opts.Cleanup == nil {
		login := opts.Login
		opts.Cleanup = executor.NewCommandExecutor(func(script string) []string {
			return login.Command(host, script)
		})
	}
	t.ropts = opts

	t.script = command
	if t.killsChildren() {
		t.script = fmt.Sprintf("( %s ) & pid=$!; ps -o pgid= -s $$ | sort -u > %s; wait $pid", command, t.marker)
	}
	t.setup(opts.Login.Command(host, t.script), opts.ProcessOptions)
	t.bind(reg, t)
	return t
}

func (t *RemoteTask) Kind() Kind { return KindRemote }

// Host returns the target the command runs on.
func (t *RemoteTask) Host() string { return t.host }

// Script returns the shell text handed to the login client.
func (t *RemoteTask) Script() string { return t.script }

// Marker returns the path of the remote marker file.
func (t *RemoteTask) Marker() string { return t.marker }

func (t *RemoteTask) String() string {
	return fmt.Sprintf("RemoteTask(state=%s, host=%s, command=%q)", t.State(), t.host, t.command)
}

func (t *RemoteTask) killsChildren() bool { return !t.ropts.KeepRemoteChildren }

// cleanupScript force-kills every process group recorded in the marker and
// removes the marker.
func (t *RemoteTask) cleanupScript() string {
	return fmt.Sprintf("for g in $(cat %[1]s 2>/dev/null); do kill -9 -- -$g 2>/dev/null; done; rm -f %[1]s", t.marker)
}

func (t *RemoteTask) stop(ctx context.Context) error {
	err := t.LocalTask.stop(ctx)
	if t.killsChildren() {
		t.killRemote(ctx)
	}
	return err
}

// killRemote is best effort: a stop issued before the command reached the
// bookkeeping step finds no marker and kills nothing.
func (t *RemoteTask) killRemote(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	stdout, stderr, err := t.ropts.Cleanup.Run(ctx, t.cleanupScript())
	lg.FromContext(ctx).Debug("remote cleanup finished",
		lg.String("task", t.id),
		lg.String("host", t.host),
		lg.String("marker", t.marker),
		lg.Strings("stdout", stdout),
		lg.Strings("stderr", stderr),
		lg.Any("error", err))
}

func markerPath(prefix string) string {
	suffix, err := markerSuffix(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("task: reading random bytes: %v", err))
	}
	return "/tmp/" + prefix + "-" + suffix
}

// markerSuffix draws markerSuffixLen characters from markerAlphabet. Bytes
// at or above the largest multiple of the alphabet size are rejected so
// every character is equally likely.
func markerSuffix(r io.Reader) (string, error) {
	limit := 256 - 256%len(markerAlphabet)
	out := make([]byte, 0, markerSuffixLen)
	buf := make([]byte, markerSuffixLen)
	for len(out) < markerSuffixLen {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, markerAlphabet[int(c)%len(markerAlphabet)])
			if len(out) == markerSuffixLen {
				break
			}
		}
	}
	return string(out), nil
}

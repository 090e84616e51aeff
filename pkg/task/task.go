// Package task runs shell commands, locally or through a remote login
// session, as composable units of work.
//
// Every task follows the same lifecycle:
//
//	Idle --Start--> Started --Stop--> Stopped --Reset--> Idle
//
// Wait blocks until the work is done, records Results and stops the task.
// Leaf tasks (LocalTask, RemoteTask) own one OS process; composite tasks
// (Parallel, Sequential) delegate to their children. Every task that is
// Started is tracked by a Registry so that Registry.Drain can tear down
// anything still running when the controlling program exits.
package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/google/uuid"
)

// State is the lifecycle state of a task.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Kind identifies the task variant.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
	KindParallel
	KindSequential
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindParallel:
		return "parallel"
	case KindSequential:
		return "sequential"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result keys filled by process tasks.
const (
	KeyStdout  = "stdout"
	KeyStderr  = "stderr"
	KeyRetcode = "retcode"
)

// Results holds what a task produced. It stays empty until the task has
// been waited on and is cleared by Reset.
type Results map[string]any

// Stdout returns the captured standard output, or "" if none was captured.
func (r Results) Stdout() string {
	s, _ := r[KeyStdout].(string)
	return s
}

// Stderr returns the captured standard error, or "" if none was captured.
func (r Results) Stderr() string {
	s, _ := r[KeyStderr].(string)
	return s
}

// Retcode returns the exit code and whether one was recorded.
func (r Results) Retcode() (int, bool) {
	code, ok := r[KeyRetcode].(int)
	return code, ok
}

// Task is the lifecycle contract shared by every variant.
type Task interface {
	ID() string
	Kind() Kind
	State() State
	Results() Results

	// Start is legal only from Idle. With wait set it also performs Wait.
	Start(ctx context.Context, wait bool) error
	// Wait is legal only from Started. It blocks until the work is done,
	// records Results and stops the task.
	Wait(ctx context.Context) error
	// Stop tears the task down. It is a no-op on a Stopped task.
	Stop(ctx context.Context) error
	// Reset is legal only from Stopped and returns the task to Idle.
	Reset(ctx context.Context) error
}

// variant is the per-kind behaviour driven by lifecycle. The set of
// implementations is closed: LocalTask, RemoteTask, Parallel, Sequential.
type variant interface {
	Task
	start(ctx context.Context) error
	wait(ctx context.Context) (Results, error)
	stop(ctx context.Context) error
	reset(ctx context.Context) error
}

// lifecycle implements the state machine of Task. It is embedded by every
// variant; mu is held for the whole of each state transition.
type lifecycle struct {
	mu      sync.Mutex
	id      string
	state   State
	gen     uint64 // bumped by Reset
	results Results
	reg     *Registry
	self    variant
}

func (l *lifecycle) bind(reg *Registry, self variant) {
	l.id = uuid.NewString()
	l.reg = reg
	l.self = self
}

func (l *lifecycle) ID() string { return l.id }

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) Results() Results {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.results)
}

func (l *lifecycle) logger(ctx context.Context) lg.Logger {
	return lg.FromContext(ctx).With(lg.String("task", l.id), lg.String("kind", l.self.Kind().String()))
}

func (l *lifecycle) Start(ctx context.Context, wait bool) error {
	if err := l.startLocked(ctx); err != nil {
		return err
	}
	if wait {
		return l.Wait(ctx)
	}
	return nil
}

func (l *lifecycle) startLocked(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return &StateError{Op: "start", State: l.state}
	}
	if err := l.self.start(ctx); err != nil {
		return err
	}
	l.state = StateStarted
	l.reg.Add(l.self)
	l.logger(ctx).Debug("task started")
	return nil
}

// Wait releases the lock while blocking so that Stop, from the caller or
// from Registry.Drain, can interrupt the work being waited on.
func (l *lifecycle) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStarted {
		st := l.state
		l.mu.Unlock()
		return &StateError{Op: "wait", State: st}
	}
	gen := l.gen
	l.mu.Unlock()

	res, err := l.self.wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// abandoned wait; the task keeps running
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return &StateError{Op: "wait", State: l.state}
	}
	if len(res) > 0 {
		l.results = res
	}
	if stopErr := l.stopLocked(ctx); stopErr != nil {
		if err == nil {
			return stopErr
		}
		return errors.Join(err, stopErr)
	}
	return err
}

func (l *lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

// stopLocked moves the task to Stopped even when teardown fails, so a
// failing task never stays registered.
func (l *lifecycle) stopLocked(ctx context.Context) error {
	switch l.state {
	case StateStopped:
		return nil
	case StateIdle:
		return &StateError{Op: "stop", State: l.state}
	}
	err := l.self.stop(ctx)
	l.state = StateStopped
	l.reg.Remove(l.self)
	if err != nil {
		l.logger(ctx).Warn("task stopped with error", lg.Err(err))
		return err
	}
	l.logger(ctx).Debug("task stopped")
	return nil
}

func (l *lifecycle) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateStopped {
		return &StateError{Op: "reset", State: l.state}
	}
	l.results = nil
	l.state = StateIdle
	l.gen++
	return l.self.reset(ctx)
}

// Describe renders a short, human readable description of t.
func Describe(t Task) string {
	if s, ok := t.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%s(id=%s, state=%s)", t.Kind(), t.ID(), t.State())
}

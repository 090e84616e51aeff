package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andrej220/remtask/internal/lg"
)

// Sequential runs its children one after another on a worker goroutine, so
// Start returns before the sequence is finished.
type Sequential struct {
	lifecycle

	tasks []Task
	// gate serialises the worker's "may I start the next child" check with
	// stop marking the run as quitting.
	gate sync.Mutex
	run  atomic.Pointer[seqRun]
}

// seqRun is the one-shot future of a single pass over the children. err is
// written before done is closed.
type seqRun struct {
	done     chan struct{}
	err      error
	quitting bool // guarded by Sequential.gate
}

func NewSequential(reg *Registry, tasks []Task) *Sequential {
	s := &Sequential{tasks: append([]Task(nil), tasks...)}
	s.bind(reg, s)
	return s
}

func (s *Sequential) Kind() Kind { return KindSequential }

func (s *Sequential) Tasks() []Task { return append([]Task(nil), s.tasks...) }

func (s *Sequential) String() string {
	return fmt.Sprintf("Sequential(state=%s, tasks=%s)", s.State(), describeAll(s.tasks))
}

func (s *Sequential) start(ctx context.Context) error {
	run := &seqRun{done: make(chan struct{})}
	s.run.Store(run)
	// the sequence outlives the caller's ctx; stop is the way to end it
	go s.work(context.WithoutCancel(ctx), run)
	return nil
}

func (s *Sequential) work(ctx context.Context, run *seqRun) {
	defer close(run.done)
	defer func() {
		if p := recover(); p != nil {
			run.err = fmt.Errorf("sequential: task panicked: %v", p)
		}
	}()

	logger := lg.FromContext(ctx).With(lg.String("sequence", s.id))
	for i, t := range s.tasks {
		started, err := s.startNext(ctx, run, t)
		if err != nil {
			logger.Debug("sequence aborted", lg.Int("index", i), lg.Err(err))
			run.err = err
			return
		}
		if !started {
			logger.Debug("sequence stopped", lg.Int("index", i))
			return
		}
		if err := t.Wait(ctx); err != nil {
			if s.quitting(run) {
				logger.Debug("sequence stopped", lg.Int("index", i), lg.Err(err))
				return
			}
			logger.Debug("sequence aborted", lg.Int("index", i), lg.Err(err))
			run.err = err
			return
		}
	}
}

func (s *Sequential) startNext(ctx context.Context, run *seqRun, t Task) (bool, error) {
	s.gate.Lock()
	defer s.gate.Unlock()
	if run.quitting {
		return false, nil
	}
	if err := t.Start(ctx, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sequential) quitting(run *seqRun) bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	return run.quitting
}

// wait returns the error of the failed child as is.
func (s *Sequential) wait(ctx context.Context) (Results, error) {
	run := s.run.Load()
	if run == nil {
		return nil, errors.New("wait: sequence was never started")
	}
	select {
	case <-run.done:
		return nil, run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stop keeps the worker from starting another child, then stops children
// in order up to the first one the worker never reached.
func (s *Sequential) stop(ctx context.Context) error {
	if run := s.run.Load(); run != nil {
		s.gate.Lock()
		run.quitting = true
		s.gate.Unlock()
	}

	var errs []error
	for _, t := range s.tasks {
		st := t.State()
		if st != StateStarted && st != StateStopped {
			break
		}
		errs = append(errs, t.Stop(ctx))
	}
	return errors.Join(errs...)
}

// reset skips children left Idle by a stopped sequence.
func (s *Sequential) reset(ctx context.Context) error {
	s.run.Store(nil)
	var errs []error
	for _, t := range s.tasks {
		if t.State() == StateIdle {
			continue
		}
		errs = append(errs, t.Reset(ctx))
	}
	return errors.Join(errs...)
}

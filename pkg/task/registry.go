package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andrej220/remtask/internal/lg"
	"golang.org/x/sync/errgroup"
)

const drainConcurrency = 16

// Registry tracks every task that is currently Started. It is created once
// by the program and handed to every task constructor; Drain is the exit
// hook that stops whatever is still registered.
//
// A nil *Registry is valid and tracks nothing.
type Registry struct {
	tasks  sync.Map // task ID -> Task
	logger lg.Logger
}

func NewRegistry(logger lg.Logger) *Registry {
	if logger == nil {
		logger = lg.Discard
	}
	return &Registry{logger: logger}
}

func (r *Registry) Add(t Task) {
	if r == nil {
		return
	}
	r.tasks.Store(t.ID(), t)
}

func (r *Registry) Remove(t Task) {
	if r == nil {
		return
	}
	r.tasks.Delete(t.ID())
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	n := 0
	if r == nil {
		return n
	}
	r.tasks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns the registered tasks in no particular order.
func (r *Registry) Snapshot() []Task {
	if r == nil {
		return nil
	}
	var out []Task
	r.tasks.Range(func(_, v any) bool {
		out = append(out, v.(Task))
		return true
	})
	return out
}

// Drain stops every registered task. A task whose Stop fails or panics is
// logged and does not keep the others from being stopped; "no such
// process" failures are ignored. The remaining failures are joined into
// the returned error.
func (r *Registry) Drain(ctx context.Context) error {
	snapshot := r.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	r.logger.Info("cleaning up started tasks", lg.Int("count", len(snapshot)))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(drainConcurrency)
	for _, t := range snapshot {
		g.Go(func() error {
			if err := r.stopOne(ctx, t); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) stopOne(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stop %s: panic: %v", t.ID(), p)
			r.logger.Error("cleanup panicked", lg.String("task", t.ID()), lg.Any("panic", p))
		}
	}()

	err = t.Stop(ctx)
	if err == nil || isNoSuchProcess(err) {
		return nil
	}
	r.logger.Warn("cleanup failed", lg.String("task", t.ID()), lg.String("kind", t.Kind().String()), lg.Err(err))
	return fmt.Errorf("stop %s: %w", t.ID(), err)
}

package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ParallelOptions configures a Parallel group.
type ParallelOptions struct {
	// Aggregate merges remote tasks that target the same host into a
	// single login session. Their outputs interleave and the merged retcode
	// is that of the final `wait`.
	Aggregate bool
}

// Parallel starts all of its children without waiting for any of them.
type Parallel struct {
	lifecycle

	tasks []Task
}

func NewParallel(reg *Registry, tasks []Task, opts ParallelOptions) *Parallel {
	p := &Parallel{tasks: append([]Task(nil), tasks...)}
	if opts.Aggregate {
		p.tasks = aggregate(reg, p.tasks)
	}
	p.bind(reg, p)
	return p
}

func (p *Parallel) Kind() Kind { return KindParallel }

// Tasks returns the children in the order they are started, after any
// aggregation.
func (p *Parallel) Tasks() []Task { return append([]Task(nil), p.tasks...) }

func (p *Parallel) String() string {
	return fmt.Sprintf("Parallel(state=%s, tasks=%s)", p.State(), describeAll(p.tasks))
}

func (p *Parallel) start(ctx context.Context) error {
	for i, t := range p.tasks {
		if err := t.Start(ctx, false); err != nil {
			return fmt.Errorf("parallel: start task %d: %w", i, err)
		}
	}
	return nil
}

// wait handles children one by one in listed order; a child that was
// already stopped directly by the caller is skipped.
func (p *Parallel) wait(ctx context.Context) (Results, error) {
	var errs []error
	for _, t := range p.tasks {
		if t.State() == StateStopped {
			continue
		}
		if err := t.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(errs...)
}

func (p *Parallel) stop(ctx context.Context) error {
	var errs []error
	for _, t := range p.tasks {
		errs = append(errs, t.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (p *Parallel) reset(ctx context.Context) error {
	var errs []error
	for _, t := range p.tasks {
		errs = append(errs, t.Reset(ctx))
	}
	return errors.Join(errs...)
}

// aggregate replaces every group of remote tasks sharing a host with one
// remote task running `c1 & c2 & ... & wait`, placed where the first task
// of the group was. Settings come from that first task.
func aggregate(reg *Registry, tasks []Task) []Task {
	byHost := make(map[string][]*RemoteTask)
	for _, t := range tasks {
		if r, ok := t.(*RemoteTask); ok {
			byHost[r.host] = append(byHost[r.host], r)
		}
	}

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		r, ok := t.(*RemoteTask)
		if !ok || len(byHost[r.host]) < 2 {
			out = append(out, t)
			continue
		}
		group := byHost[r.host]
		if group[0] != r {
			continue
		}
		parts := make([]string, 0, len(group)+1)
		for _, member := range group {
			parts = append(parts, member.command+" &")
		}
		parts = append(parts, "wait")
		out = append(out, newRemoteTask(reg, r.host, strings.Join(parts, " "), r.ropts))
	}
	return out
}

func describeAll(tasks []Task) string {
	parts := make([]string, len(tasks))
	for i, t := range tasks {
		parts[i] = Describe(t)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

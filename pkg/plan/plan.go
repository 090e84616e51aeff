// Package plan turns a validated configuration tree into a tree of tasks
// and reports what every leaf produced.
package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/andrej220/remtask/internal/processor"
	"github.com/andrej220/remtask/pkg/config"
	"github.com/andrej220/remtask/pkg/executor"
	"github.com/andrej220/remtask/pkg/host"
	"github.com/andrej220/remtask/pkg/task"
	"golang.org/x/crypto/ssh"
)

// cleanupRetryWindow bounds the native cleanup retries; the task applies
// its own, longer, overall timeout.
const cleanupRetryWindow = 20 * time.Second

// Plan is a built task tree.
type Plan struct {
	Root   task.Task
	leaves []*leaf
	chain  *processor.Chain
}

type leaf struct {
	name string
	node *config.Node
	task task.Task
}

type builder struct {
	reg      *task.Registry
	ssh      config.SSHConfig
	local    *host.Host
	hosts    map[string]*host.Host
	clientCf *ssh.ClientConfig
	cleanups map[string]executor.Executor
	leaves   []*leaf
}

// Build creates the tasks of cfg.Plan. Every task is Idle and tracked by reg
// once started.
func Build(ctx context.Context, reg *task.Registry, cfg *config.Config) (*Plan, error) {
	b := &builder{
		reg:      reg,
		ssh:      cfg.SSH,
		local:    host.NewLocal(reg),
		hosts:    make(map[string]*host.Host),
		cleanups: make(map[string]executor.Executor),
	}
	if cfg.SSH.NativeCleanup {
		cc, err := executor.NewClientConfig(executor.ClientOptions{
			User:           cfg.SSH.Native.User,
			Password:       cfg.SSH.Native.Password,
			IdentityFile:   cfg.SSH.Native.IdentityFile,
			KnownHostsFile: cfg.SSH.Native.KnownHosts,
			Timeout:        cfg.SSH.Native.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("native cleanup: %w", err)
		}
		b.clientCf = cc
	}

	root, err := b.build(cfg.Plan, "plan")
	if err != nil {
		return nil, err
	}
	lg.FromContext(ctx).Debug("plan built",
		lg.String("root", task.Describe(root)),
		lg.Int("leaves", len(b.leaves)),
		lg.Int("hosts", len(b.hosts)))
	return &Plan{Root: root, leaves: b.leaves, chain: processor.NewChain()}, nil
}

func (b *builder) build(n *config.Node, path string) (task.Task, error) {
	switch n.Kind {
	case config.KindLocal:
		return b.addLeaf(n, path, b.local.Run(n.Command, n.ProcessOptions)), nil
	case config.KindRemote:
		return b.addLeaf(n, path, b.remote(n).Run(n.Command, n.ProcessOptions)), nil
	case config.KindSendFile:
		return b.addLeaf(n, path, b.remote(n).SendFile(n.Source, n.Destination, n.ProcessOptions)), nil
	case config.KindGetFile:
		return b.addLeaf(n, path, b.remote(n).GetFile(n.Source, n.Destination, n.ProcessOptions)), nil
	case config.KindParallel, config.KindSequential:
		first := len(b.leaves)
		children := make([]task.Task, 0, len(n.Tasks))
		for i, child := range n.Tasks {
			t, err := b.build(child, fmt.Sprintf("%s.tasks[%d]", path, i))
			if err != nil {
				return nil, err
			}
			children = append(children, t)
		}
		if n.Kind == config.KindSequential {
			return task.NewSequential(b.reg, children), nil
		}
		p := task.NewParallel(b.reg, children, task.ParallelOptions{Aggregate: n.Aggregate})
		if n.Aggregate {
			b.retarget(b.leaves[first:], children, p.Tasks())
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%s: unknown kind %q", path, n.Kind)
	}
}

func (b *builder) addLeaf(n *config.Node, path string, t task.Task) task.Task {
	name := n.Name
	if name == "" {
		name = path
	}
	b.leaves = append(b.leaves, &leaf{name: name, node: n, task: t})
	return t
}

// retarget points leaves whose remote task was merged by aggregation at the
// merged task for the same host.
func (b *builder) retarget(leaves []*leaf, before, after []task.Task) {
	kept := make(map[task.Task]bool, len(after))
	for _, t := range after {
		kept[t] = true
	}
	merged := make(map[string]task.Task)
	for _, t := range after {
		if r, ok := t.(*task.RemoteTask); ok && !contains(before, t) {
			merged[r.Host()] = r
		}
	}
	for _, l := range leaves {
		r, ok := l.task.(*task.RemoteTask)
		if !ok || kept[l.task] || !contains(before, l.task) {
			continue
		}
		if m, ok := merged[r.Host()]; ok {
			l.task = m
		}
	}
}

func contains(tasks []task.Task, t task.Task) bool {
	for _, c := range tasks {
		if c == t {
			return true
		}
	}
	return false
}

func (b *builder) remote(n *config.Node) *host.Host {
	key := n.Host
	if n.KeepRemoteChildren {
		key += "\x00keep"
	}
	if h, ok := b.hosts[key]; ok {
		return h
	}
	h := host.NewRemote(b.reg, n.Host, task.RemoteOptions{
		KeepRemoteChildren: n.KeepRemoteChildren,
		Login:              task.SSHLogin{Binary: b.ssh.Binary, Options: b.ssh.Options},
		Cleanup:            b.cleanup(n.Host),
		MarkerPrefix:       b.ssh.MarkerPrefix,
	})
	b.hosts[key] = h
	return h
}

// cleanup returns the native executor for target, or nil to let the task
// spawn the login client.
func (b *builder) cleanup(target string) executor.Executor {
	if b.clientCf == nil {
		return nil
	}
	if e, ok := b.cleanups[target]; ok {
		return e
	}
	cc := *b.clientCf
	addr := target
	if user, hostname, ok := strings.Cut(target, "@"); ok {
		cc.User = user
		addr = hostname
	}
	addr = executor.JoinHostPort(addr, b.ssh.Native.Port)
	e := executor.NewSSHExecutor(addr, &cc, executor.DefaultResilienceConfig("cleanup-"+addr, cleanupRetryWindow))
	b.cleanups[target] = e
	return e
}

// Run starts the whole tree and waits for it.
func (p *Plan) Run(ctx context.Context) error {
	return p.Root.Start(ctx, true)
}

// Tasks returns the leaf tasks by name.
func (p *Plan) Tasks() map[string]task.Task {
	out := make(map[string]task.Task, len(p.leaves))
	for _, l := range p.leaves {
		out[l.name] = l.task
	}
	return out
}

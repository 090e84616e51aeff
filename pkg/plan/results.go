package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andrej220/remtask/internal/processor"
	"github.com/andrej220/remtask/pkg/config"
)

// Result is what a leaf of the plan produced.
type Result struct {
	Kind    string `json:"kind"`
	Host    string `json:"host,omitempty"`
	State   string `json:"state"`
	Retcode *int   `json:"retcode,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	// Value is the post-processed stdout.
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Results reports every leaf by name. Leaves merged by aggregation share
// the results of the merged task.
func (p *Plan) Results() (map[string]Result, error) {
	out := make(map[string]Result, len(p.leaves))
	var errs []error
	for _, l := range p.leaves {
		res := l.task.Results()
		r := Result{
			Kind:   l.node.Kind,
			Host:   l.node.Host,
			State:  l.task.State().String(),
			Stdout: res.Stdout(),
			Stderr: res.Stderr(),
		}
		if code, ok := res.Retcode(); ok {
			r.Retcode = &code
		}
		value, err := p.postProcess(l.node, res.Stdout())
		if err != nil {
			r.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
		}
		r.Value = value
		out[l.name] = r
	}
	return out, errors.Join(errs...)
}

func (p *Plan) postProcess(n *config.Node, stdout string) (any, error) {
	shape := processor.Shape(n.Output)
	if len(n.PostProcess) == 0 && (shape == "" || shape == processor.ShapeString) {
		return nil, nil
	}
	if stdout == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	lines, err := p.chain.Process(lines, shape, n.PostProcess...)
	if err != nil {
		return nil, err
	}
	return processor.Value(lines, shape)
}

// ExitCodes collects the recorded exit codes of the leaves, mostly for
// logging a summary.
func ExitCodes(results map[string]Result) map[string]int {
	codes := make(map[string]int, len(results))
	for name, r := range results {
		if r.Retcode != nil {
			codes[name] = *r.Retcode
		}
	}
	return codes
}

// Failed reports whether any leaf exited non-zero.
func Failed(results map[string]Result) bool {
	for _, code := range ExitCodes(results) {
		if code != 0 {
			return true
		}
	}
	return false
}

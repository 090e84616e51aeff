// Package processor post-processes the captured output of a task with a
// configurable chain of named steps.
package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Shape is what a node's output turns into once processed.
type Shape string

const (
	ShapeString Shape = "string"
	ShapeArray  Shape = "array"
	ShapeObject Shape = "object"
)

const (
	TypeTrim         = "trim"
	TypeKeyValue     = "key_value"
	TypeKeyValueJSON = "key_value_json"
	TypeSplitLines   = "split_lines"
)

// Processor transforms output lines.
type Processor interface {
	Process(lines []string, shape Shape) ([]string, error)
	Name() string
}

// Chain holds the registered processors and applies them by name.
type Chain struct {
	processors        map[string]Processor
	allowEmptyResults bool
}

func NewChain() *Chain {
	c := &Chain{
		processors:        make(map[string]Processor),
		allowEmptyResults: true,
	}
	c.Register(&TrimProcessor{})
	c.Register(&SplitLinesProcessor{})
	c.Register(&KeyValueProcessor{})
	c.Register(&KeyValueJSONProcessor{})
	return c
}

func (c *Chain) Register(p Processor) {
	c.processors[p.Name()] = p
}

func validShape(s Shape) bool {
	return s == ShapeString || s == ShapeArray || s == ShapeObject
}

// Process applies the named processors to lines in order.
func (c *Chain) Process(lines []string, shape Shape, names ...string) ([]string, error) {
	if !validShape(shape) {
		return nil, fmt.Errorf("invalid output shape: %q", shape)
	}
	for _, name := range names {
		if _, ok := c.processors[name]; !ok {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	if len(lines) == 0 {
		return lines, nil
	}

	result := lines
	for _, name := range names {
		var err error
		result, err = c.processors[name].Process(result, shape)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
		if len(result) == 0 && !c.allowEmptyResults {
			break
		}
	}
	return result, nil
}

// Value turns processed lines into the value stored for a node: the lines
// joined for strings, the lines themselves for arrays and the parsed
// key/value pairs for objects.
func Value(lines []string, shape Shape) (any, error) {
	switch shape {
	case ShapeArray:
		return append([]string{}, lines...), nil
	case ShapeObject:
		return parseKeyValueLines(lines)
	case ShapeString:
		return strings.Join(lines, "\n"), nil
	default:
		return nil, fmt.Errorf("invalid output shape: %q", shape)
	}
}

// TrimProcessor trims whitespace from each line.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return TypeTrim }

func (p *TrimProcessor) Process(lines []string, _ Shape) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

// parseKeyValueLines reads "key: value" lines; others are skipped.
func parseKeyValueLines(lines []string) (map[string]string, error) {
	kv := make(map[string]string)

	// a single string may carry embedded newlines
	if len(lines) == 1 {
		if split := strings.Split(strings.TrimSpace(lines[0]), "\n"); len(split) > 1 {
			lines = split
		}
	}

	for _, line := range lines {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		kv[key] = strings.TrimSpace(parts[1])
	}
	return kv, nil
}

func sortedKeys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyValueProcessor normalises "key: value" lines, sorted by key.
type KeyValueProcessor struct{}

func (p *KeyValueProcessor) Name() string { return TypeKeyValue }

func (p *KeyValueProcessor) Process(lines []string, shape Shape) ([]string, error) {
	if shape == ShapeArray {
		return lines, nil
	}
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(kv))
	for _, k := range sortedKeys(kv) {
		result = append(result, k+": "+kv[k])
	}
	return result, nil
}

// KeyValueJSONProcessor folds "key: value" lines into one JSON object.
type KeyValueJSONProcessor struct{}

func (p *KeyValueJSONProcessor) Name() string { return TypeKeyValueJSON }

func (p *KeyValueJSONProcessor) Process(lines []string, shape Shape) ([]string, error) {
	if shape != ShapeString {
		return lines, nil
	}
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(kv)
	if err != nil {
		return nil, fmt.Errorf("key_value marshal error: %w", err)
	}
	return []string{string(out)}, nil
}

// SplitLinesProcessor splits every line into whitespace separated fields
// for array output.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return TypeSplitLines }

func (p *SplitLinesProcessor) Process(lines []string, shape Shape) ([]string, error) {
	if shape != ShapeArray {
		return lines, nil
	}
	result := make([]string, 0, len(lines)*3)
	for _, line := range lines {
		result = append(result, strings.Fields(line)...)
	}
	return result, nil
}

// Package processor post-processes remote command output with named,
// chainable line processors (exec --process trim,key_value).
package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Shape tells processors how the output is meant to be read.
type Shape string

const (
	ShapeObject Shape = "object"
	ShapeString Shape = "string"
	ShapeArray  Shape = "array"
)

const (
	ProcessorTypeTrim         string = "trim"
	ProcessorTypeKeyValue     string = "key_value"
	ProcessorJSONTypeKeyValue string = "key_value_json"
	ProcessorTypeSplitLines   string = "split_lines"
	ProcessorTypeDropEmpty    string = "drop_empty"
	ProcessorTypeTail         string = "tail"
)

// Processor transforms output lines.
type Processor interface {
	Process([]string, Shape) ([]string, error)
	Name() string
}

// ProcessorChain holds the registered processors and applies them by name.
type ProcessorChain struct {
	processors        map[string]Processor
	allowEmptyResults bool
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors:        make(map[string]Processor),
		allowEmptyResults: true,
	}
	pc.registerDefaults()
	return pc
}

func (pc *ProcessorChain) registerDefaults() {
	pc.Register(&TrimProcessor{})
	pc.Register(&SplitLinesProcessor{})
	pc.Register(&KeyValueProcessor{})
	pc.Register(&KeyValueJSONProcessor{})
	pc.Register(&DropEmptyProcessor{})
	pc.Register(&TailProcessor{N: DefaultTail})
}

// Register adds or replaces a processor.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Names lists the registered processors.
func (pc *ProcessorChain) Names() []string {
	out := make([]string, 0, len(pc.processors))
	for name := range pc.processors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isValidShape(s Shape) bool {
	return s == ShapeObject || s == ShapeString || s == ShapeArray
}

// Validate checks a shape and processor list without running anything.
func (pc *ProcessorChain) Validate(shape Shape, processorNames ...string) error {
	if !isValidShape(shape) {
		return fmt.Errorf("invalid shape: %q", shape)
	}
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return fmt.Errorf("processor %q not registered", name)
		}
	}
	return nil
}

// Process applies the named processors to lines in order.
func (pc *ProcessorChain) Process(lines []string, shape Shape, processorNames ...string) ([]string, error) {
	if err := pc.Validate(shape, processorNames...); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return lines, nil
	}
	result := lines
	for _, name := range processorNames {
		var err error
		result, err = pc.processors[name].Process(result, shape)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
		if len(result) == 0 && !pc.allowEmptyResults {
			break
		}
	}
	return result, nil
}

// ParseNames splits a comma separated processor list, ignoring blanks.
// A "tail:N" entry registers a tail processor keeping N lines.
func (pc *ProcessorChain) ParseNames(list string) ([]string, error) {
	var names []string
	for _, raw := range strings.Split(list, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if n, ok := strings.CutPrefix(name, ProcessorTypeTail+":"); ok {
			count, err := strconv.Atoi(n)
			if err != nil || count <= 0 {
				return nil, fmt.Errorf("invalid tail count %q", n)
			}
			pc.Register(&TailProcessor{N: count, name: name})
		}
		names = append(names, name)
	}
	return names, nil
}

// TrimProcessor trims whitespace from each line.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }

func (p *TrimProcessor) Process(lines []string, _ Shape) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

func parseKeyValueLines(lines []string) (map[string]string, error) {
	kv := make(map[string]string)

	// a single string may carry embedded newlines
	if len(lines) == 1 {
		inputLines := strings.Split(strings.TrimSpace(lines[0]), "\n")
		if len(inputLines) > 1 {
			lines = inputLines
		}
	}

	for _, line := range lines {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		kv[key] = value
	}
	return kv, nil
}

// KeyValueProcessor normalizes "key: value" lines, sorted by key.
type KeyValueProcessor struct{}

func (p *KeyValueProcessor) Name() string { return ProcessorTypeKeyValue }

func (p *KeyValueProcessor) Process(lines []string, shape Shape) ([]string, error) {
	if shape != ShapeString || len(lines) == 0 {
		return lines, nil
	}
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(kv))
	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s: %s", k, kv[k]))
	}
	return result, nil
}

// KeyValueJSONProcessor folds "key: value" lines into one JSON object.
type KeyValueJSONProcessor struct{}

func (p *KeyValueJSONProcessor) Name() string { return ProcessorJSONTypeKeyValue }

func (p *KeyValueJSONProcessor) Process(lines []string, shape Shape) ([]string, error) {
	if shape == ShapeArray || len(lines) == 0 {
		return lines, nil
	}
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(kv)
	if err != nil {
		return nil, fmt.Errorf("key_value marshal error: %w", err)
	}
	return []string{string(result)}, nil
}

// SplitLinesProcessor splits each line into fields for array output.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return ProcessorTypeSplitLines }

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

type DropEmptyProcessor struct{}

func (p *DropEmptyProcessor) Name() string { return ProcessorTypeDropEmpty }

func (p *DropEmptyProcessor) Process(lines []string, _ Shape) ([]string, error) {
	result := lines[:0:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

const DefaultTail = 10

// TailProcessor keeps the last N lines.
type TailProcessor struct {
	N    int
	name string
}

func (p *TailProcessor) Name() string {
	if p.name != "" {
		return p.name
	}
	return ProcessorTypeTail
}

func (p *TailProcessor) Process(lines []string, _ Shape) ([]string, error) {
	if p.N <= 0 || len(lines) <= p.N {
		return lines, nil
	}
	return lines[len(lines)-p.N:], nil
}

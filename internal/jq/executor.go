// Package jq runs compiled jq programs over plugin data.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single program run (1 second)
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the largest input accepted, measured as JSON (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions with timeout and size limits.
// Compiled programs are cached by expression text.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.RWMutex
	codes map[string]*gojq.Code
}

// NewExecutor creates an executor. Zero arguments take the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		codes:        make(map[string]*gojq.Code),
	}
}

// Execute runs expression against data. A single output is returned as is,
// several outputs as a []any, and no output as nil.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	results, err := e.Run(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Run runs expression against data and returns every output.
func (e *Executor) Run(ctx context.Context, expression string, data any) ([]any, error) {
	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	input, err := e.normalize(data)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(execCtx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("execution timeout after %v", e.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

// Validate compiles expression without running it.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

func (e *Executor) compile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.codes[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	e.mu.Lock()
	e.codes[expression] = code
	e.mu.Unlock()
	return code, nil
}

// normalize checks the size limit and converts Go values into the plain
// JSON shapes gojq accepts ([]string, int64 and structs are not).
func (e *Executor) normalize(data any) (any, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	if int64(len(jsonData)) > e.maxInputSize {
		return nil, fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)",
			len(jsonData), e.maxInputSize)
	}

	var out any
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return out, nil
}

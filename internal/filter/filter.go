// Package filter applies a subscription's delivery filters: an optional
// sampling rate and an optional boolean condition expression evaluated
// against the event payload.
package filter

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates subscription filters. Compiled condition programs are
// cached by expression text, so repeated dispatches to the same subscription
// skip recompilation.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEvaluator creates a filter evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
	}
}

// ValidateCondition checks that a condition expression compiles to a boolean.
// The CRUD surface calls this before storing a subscription so a broken
// expression is rejected synchronously rather than discovered at dispatch.
func ValidateCondition(condition string) error {
	if condition == "" {
		return nil
	}
	if _, err := expr.Compile(condition, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
		return fmt.Errorf("compile condition: %w", err)
	}
	return nil
}

// Sampled reports whether the event is admitted by the sampling rate.
//
// Admission is deterministic per (eventID, subscriptionID): the pair is
// hashed to a point in [0, 1) and compared to the rate. Retries of the same
// logical delivery therefore reach the same decision, and one event is
// sampled independently across subscriptions.
func Sampled(rate *float64, eventID, subscriptionID string) bool {
	if rate == nil {
		return true
	}
	r := *rate
	if r >= 1 {
		return true
	}
	if r <= 0 {
		return false
	}

	h := fnv.New64a()
	h.Write([]byte(eventID))
	h.Write([]byte(":"))
	h.Write([]byte(subscriptionID))
	point := float64(h.Sum64()) / float64(math.MaxUint64)

	return point < r
}

// EvalCondition evaluates the condition expression against the event.
// An empty condition admits everything. Compile and runtime errors are
// returned so the caller can record the delivery as a permanent failure;
// they never panic and never admit the event.
func (e *Evaluator) EvalCondition(condition, eventType string, payload map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	prog, err := e.program(condition)
	if err != nil {
		return false, err
	}

	env := map[string]any{
		"payload":   payload,
		"eventType": eventType,
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	admitted, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return admitted, nil
}

// program returns the cached compiled program for a condition, compiling on
// first use.
func (e *Evaluator) program(condition string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	compiled, err := expr.Compile(condition, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}

	e.mu.Lock()
	e.programs[condition] = compiled
	e.mu.Unlock()

	return compiled, nil
}

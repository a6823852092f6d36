// Package condition evaluates the pre_conditions/post_conditions string
// expressions attached to a task against the shared execution context,
// using CEL (Common Expression Language) so expressions stay sandboxed
// and side-effect free.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// Evaluator compiles and caches CEL programs for condition expressions.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New builds an Evaluator with the variable bindings conditions may
// reference: `factors` (the task's six priority_factors), `resources`
// (its required_resources amounts), `context` (the workflow-style
// output bag accumulated from completed dependencies), and `task`
// (a handful of scalar task fields: id, category, tags).
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("factors", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("resources", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("context", cel.DynType),
		cel.Variable("task", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("build CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Vars is the activation bag passed to Eval.
type Vars struct {
	Factors   map[string]float64
	Resources map[string]float64
	Context   map[string]any
	Task      map[string]any
}

// Eval compiles (once, then cached) and evaluates expr, expecting a bool
// result. A condition that fails to compile or does not evaluate to a
// bool is treated as PreConditionFailed by the caller.
func (e *Evaluator) Eval(expr string, vars Vars) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"factors":   toAnyMap(vars.Factors),
		"resources": toAnyMap(vars.Resources),
		"context":   vars.Context,
		"task":      vars.Task,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}

	val, ok := out.Value().(bool)
	if r, isRef := out.(ref.Val); isRef && !ok {
		if b, isBool := r.Value().(bool); isBool {
			val, ok = b, true
		}
	}
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a bool", expr)
	}
	return val, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, cached := e.programs[expr]
	e.mu.RUnlock()
	if cached {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func toAnyMap(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

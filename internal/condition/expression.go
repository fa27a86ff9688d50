package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExprEvaluator evaluates CEL expressions against the same data map the
// structured conditions see. Policies reach for an expression when the
// operator set is too coarse ("input.amount * input.qty > 10000.0").
//
// Compiled programs are cached by expression text; compilation is the
// expensive part and expressions repeat across evaluations.
type ExprEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewExprEvaluator builds the evaluator. The whole evaluation data map is
// exposed as a single "input" variable.
func NewExprEvaluator() (*ExprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: cel env: %w", err)
	}
	return &ExprEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or reuses) the expression and runs it against data.
// The expression must yield a boolean.
func (e *ExprEvaluator) Evaluate(expression string, data map[string]interface{}) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expression]; !hit {
			ast, issues := e.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("condition: cel compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("condition: cel program: %w", err)
			}
			e.cache[expression] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{"input": data})
	if err != nil {
		return false, fmt.Errorf("condition: cel eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression %q did not yield a boolean", expression)
	}
	return result, nil
}

package cache

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionInput carries the request and response attributes a custom
// cache condition can inspect. Header names are lowercased and only the
// first value of repeated headers and query parameters is exposed.
type ConditionInput struct {
	Method  string
	Path    string
	Query   map[string]string
	Status  int
	Headers map[string]string
}

// ConditionEvaluator compiles and runs the CEL expressions behind the
// custom cache strategy. Expressions see two variables:
//
//	request.method, request.path, request.query
//	response.status, response.headers
//
// Programs are compiled once per expression and reused across requests.
type ConditionEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator creates the evaluation environment.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("response", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache condition environment: %w", err)
	}

	return &ConditionEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks an expression and caches the compiled program. Called
// at configuration load so broken conditions fail the reload instead of
// a request.
func (e *ConditionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval runs the expression against the given attributes. The expression
// must produce a boolean.
func (e *ConditionEvaluator) Eval(expr string, in ConditionInput) (bool, error) {
	prog, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(map[string]interface{}{
		"request": map[string]interface{}{
			"method": in.Method,
			"path":   in.Path,
			"query":  in.Query,
		},
		"response": map[string]interface{}{
			"status":  in.Status,
			"headers": in.Headers,
		},
	})
	if err != nil {
		return false, fmt.Errorf("cache condition %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cache condition %q did not produce a boolean", expr)
	}
	return result, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile cache condition %q: %w", expr, issues.Err())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to compile cache condition %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prog
	e.mu.Unlock()

	return prog, nil
}

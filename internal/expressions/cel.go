package expressions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/taskmesh/pkg/schema"
)

// CELEngine evaluates risk-assessment rules using Google's Common Expression
// Language. Thread-safe: compiled programs are cached and reused across
// goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment.
// The environment exposes the subtask features risk rules operate on:
//   - description: string — the subtask description, lowercased
//   - keywords:    list(string) — capability keywords
//   - payload:     map(string, dyn) — decoded subtask payload
//   - template:    string — originating workflow template, "" if none
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("description", cel.StringType),
		cel.Variable("keywords", cel.ListType(cel.StringType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("template", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvaluateBool compiles (or retrieves from cache) a CEL expression and
// evaluates it against the rule environment. Non-boolean results are rejected.
func (e *CELEngine) EvaluateBool(expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, 4)
	for _, key := range []string{"description", "keywords", "payload", "template"} {
		if v, ok := data[key]; ok {
			activation[key] = v
		}
	}
	if _, ok := activation["description"]; !ok {
		activation["description"] = ""
	}
	if _, ok := activation["keywords"]; !ok {
		activation["keywords"] = []string{}
	}
	if _, ok := activation["payload"]; !ok {
		activation["payload"] = map[string]any{}
	}
	if _, ok := activation["template"]; !ok {
		activation["template"] = ""
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL rule %q must evaluate to bool, got %T", expression, out.Value())
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error in %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

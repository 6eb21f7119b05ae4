package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/taskmesh/pkg/schema"
)

// JQEngine evaluates jq projections over event payloads; the archival job
// uses it to derive the queryable summaries that outlive cold-stored events.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEngine creates a new jq engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// against the input. jq expressions can produce multiple outputs; only the
// first is returned, nil when there is none.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	val, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if jqErr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq evaluation failed for %q: %s", expression, jqErr.Error()).WithCause(jqErr)
	}
	return val, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *JQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[expression] = code
	return code, nil
}

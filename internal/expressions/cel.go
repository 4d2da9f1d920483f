package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/procman/pkg/schema"
)

// CELEngine implements Engine using Google's Common Expression Language.
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment exposes the instance view:
//   - instance:     map(string, dyn), the JSON form of the orchestration instance
//   - parameter:    dyn, the decoded start parameter
//   - custom_state: dyn, the decoded instance custom state
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(ViewInstance, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(ViewParameter, cel.DynType),
		cel.Variable(ViewCustomState, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return string(LanguageCEL)
}

// Evaluate compiles (or fetches from cache) a CEL expression and evaluates it
// against data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, invalidExpression("CEL", "evaluation", expression, err)
	}
	return out.Value(), nil
}

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
		return nil, invalidExpression("CEL", "compile", expression, issues.Err())
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, invalidExpression("CEL", "program", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing view keys so CEL never sees an unbound variable.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 3)
	if v, ok := data[ViewInstance]; ok && v != nil {
		activation[ViewInstance] = v
	} else {
		activation[ViewInstance] = map[string]any{}
	}
	for _, key := range []string{ViewParameter, ViewCustomState} {
		activation[key] = data[key]
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)

// Compile checks expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeInvalidRequest, "empty CEL expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

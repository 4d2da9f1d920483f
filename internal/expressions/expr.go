package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/procman/pkg/schema"
)

// ExprEngine implements Engine using expr-lang/expr. Supports let bindings,
// array builtins (filter, map, count, any, all), nil coalescing (??),
// optional chaining (?.) and pipes.
// Compiled programs are cached and shared across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return string(LanguageExpr)
}

// Evaluate compiles (or fetches from cache) an Expr expression and runs it
// with data as the environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, invalidExpression("expr", "evaluation", expression, err)
	}
	return out, nil
}

// getOrCompile compiles against an untyped view so the cached program does not
// depend on the shape of whichever instance was evaluated first.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{
			ViewInstance:    map[string]any{},
			ViewParameter:   nil,
			ViewCustomState: nil,
		}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, invalidExpression("expr", "compile", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)

// Compile checks expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeInvalidRequest, "empty expr expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

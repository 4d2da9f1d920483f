package expressions

import (
	"context"
	"log/slog"
	"os"

	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

// Query is a custom instance query. An empty Predicate matches every
// instance; Projection, when set, is a jq program applied to each match.
type Query struct {
	Language   Language `json:"language,omitempty"`
	Predicate  string   `json:"predicate,omitempty"`
	Projection string   `json:"projection,omitempty"`
}

// Match is one instance selected by a Query.
type Match struct {
	Instance   *orchestration.Instance
	Projection any
}

// QueryEvaluator selects instances with CEL, Expr or jq predicates.
type QueryEvaluator struct {
	engines map[Language]Engine
	jq      *GoJQEngine
	logger  *slog.Logger
}

// NewQueryEvaluator builds an evaluator with all three engines. A nil logger
// defaults to a stderr text handler.
func NewQueryEvaluator(logger *slog.Logger) (*QueryEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	jq := NewGoJQEngine()
	return &QueryEvaluator{
		engines: map[Language]Engine{
			LanguageCEL:  celEngine,
			LanguageExpr: NewExprEngine(),
			LanguageJQ:   jq,
		},
		jq:     jq,
		logger: logger,
	}, nil
}

// Validate compiles the predicate and projection of q.
func (q *QueryEvaluator) Validate(query Query) error {
	lang, err := ParseLanguage(string(query.Language))
	if err != nil {
		return err
	}
	if query.Predicate != "" {
		if err := q.engines[lang].Compile(query.Predicate); err != nil {
			return err
		}
	}
	if query.Projection != "" {
		if err := q.jq.Compile(query.Projection); err != nil {
			return err
		}
	}
	return nil
}

// Filter returns the instances matching query, in input order. Compile errors
// and non-boolean predicate results fail the whole query with INVALID_REQUEST.
// A predicate that fails at runtime on one instance (a missing key, a type
// mismatch) excludes that instance.
func (q *QueryEvaluator) Filter(ctx context.Context, query Query, instances []*orchestration.Instance) ([]Match, error) {
	if err := q.Validate(query); err != nil {
		return nil, err
	}
	lang, _ := ParseLanguage(string(query.Language))

	var matches []Match
	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view, err := BuildView(inst)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "build query view: %s", err).WithCause(err)
		}

		if query.Predicate != "" {
			ok, err := q.matches(logging.WithInstanceID(ctx, inst.ID().String()), lang, query.Predicate, view)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		m := Match{Instance: inst}
		if query.Projection != "" {
			out, err := q.jq.Evaluate(ctx, query.Projection, view)
			if err != nil {
				return nil, err
			}
			m.Projection = out
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// matches evaluates predicate over view. Runtime failures are logged and
// count as a mismatch; only a non-boolean result is returned as an error.
func (q *QueryEvaluator) matches(ctx context.Context, lang Language, predicate string, view map[string]any) (bool, error) {
	var outs []any
	if lang == LanguageJQ {
		all, err := q.jq.EvaluateAll(ctx, predicate, view)
		if err != nil {
			return false, q.excluded(ctx, predicate, err)
		}
		outs = all
	} else {
		out, err := q.engines[lang].Evaluate(ctx, predicate, view)
		if err != nil {
			return false, q.excluded(ctx, predicate, err)
		}
		outs = []any{out}
	}

	for _, out := range outs {
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeInvalidRequest,
				"predicate %q must evaluate to a boolean, got %T", predicate, out).
				WithDetails(map[string]any{"expression": predicate})
		}
		if b {
			return true, nil
		}
	}
	return false, nil
}

func (q *QueryEvaluator) excluded(ctx context.Context, predicate string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	logging.LogWith(ctx, q.logger).Debug("query predicate failed, instance excluded",
		"predicate", predicate, "error", err)
	return nil
}

package expressions

import (
	"context"

	"github.com/rendis/procman/pkg/schema"
)

// Engine evaluates an expression against a data map.
// Three implementations: CEL, Expr and GoJQ.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Language names a query language accepted by custom instance queries.
type Language string

const (
	LanguageCEL  Language = "cel"
	LanguageExpr Language = "expr"
	LanguageJQ   Language = "jq"
)

// ParseLanguage validates s as a Language. The empty string selects CEL.
func ParseLanguage(s string) (Language, error) {
	switch l := Language(s); l {
	case "":
		return LanguageCEL, nil
	case LanguageCEL, LanguageExpr, LanguageJQ:
		return l, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidRequest, "unknown query language %q", s).
		WithDetails(map[string]any{"supported": []Language{LanguageCEL, LanguageExpr, LanguageJQ}})
}

func invalidExpression(engine, phase, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidRequest,
		"%s %s error in %q: %s", engine, phase, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (stage conditions), GoJQ (metric extraction),
// Expr (gate criterion logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

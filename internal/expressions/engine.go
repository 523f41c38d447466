package expressions

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Engine evaluates expressions against a parameter document.
// Three implementations: CEL (conditions), Expr (templating), GoJQ (filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCacheSize bounds the compiled-program cache of each engine.
const programCacheSize = 1024

func newProgramCache[V any]() *lru.Cache[string, V] {
	c, err := lru.New[string, V](programCacheSize)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return c
}

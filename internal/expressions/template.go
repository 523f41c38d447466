package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowctl/pkg/schema"
)

// Templater renders `${...}` fragments in task configuration. The fragment
// body is an expr expression evaluated against the merged parameters.
type Templater struct {
	expr *ExprEngine
}

// NewTemplater creates a Templater backed by its own Expr engine.
func NewTemplater() *Templater {
	return &Templater{expr: NewExprEngine()}
}

// RenderParams renders every string in doc and returns a new document.
func (t *Templater) RenderParams(ctx context.Context, doc schema.Params, data map[string]any) (schema.Params, error) {
	if doc == nil {
		return schema.Params{}, nil
	}
	out, err := t.Render(ctx, map[string]any(doc), data)
	if err != nil {
		return nil, err
	}
	return schema.Params(out.(map[string]any)), nil
}

// Render walks maps and slices and renders every string it finds.
// A string that is a single `${...}` keeps the type of its value, so
// `count: ${n}` stays a number.
func (t *Templater) Render(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return t.RenderString(ctx, val, data)
	case schema.Params:
		return t.Render(ctx, map[string]any(val), data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := t.Render(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := t.Render(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// RenderString renders one string.
func (t *Templater) RenderString(ctx context.Context, s string, data map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if body, ok := wholeExpression(s); ok {
		return t.expr.Evaluate(ctx, body, data)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := closingBrace(rest, start+2)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "unterminated ${ in %q", s)
		}
		b.WriteString(rest[:start])
		v, err := t.expr.Evaluate(ctx, strings.TrimSpace(rest[start+2:end]), data)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		rest = rest[end+1:]
	}
	return b.String(), nil
}

// wholeExpression reports whether s is exactly one `${...}` fragment.
func wholeExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "${") {
		return "", false
	}
	end := closingBrace(trimmed, 2)
	if end != len(trimmed)-1 {
		return "", false
	}
	return strings.TrimSpace(trimmed[2:end]), true
}

// closingBrace finds the brace that closes a fragment opened before from,
// skipping nested braces and quoted strings.
func closingBrace(s string, from int) int {
	depth := 0
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any, schema.Params:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
	return fmt.Sprint(v)
}

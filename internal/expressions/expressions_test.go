package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowctl/pkg/schema"
)

func TestCELEngine_EvaluateBool(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"params": map[string]any{"env": "prod", "rows": int64(12)},
		"task":   map[string]any{"name": "+wf+check"},
	}

	ok, err := eng.EvaluateBool(ctx, `params.env == "prod" && params.rows > 10`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.EvaluateBool(ctx, `task.name.endsWith("+load")`, data)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = eng.EvaluateBool(ctx, `params.env`, data)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))

	_, err = eng.Evaluate(ctx, `params.env ==`, data)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestCELEngine_MissingVariablesDefaultToEmpty(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := eng.EvaluateBool(context.Background(), `!("flag" in params)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExprEngine_Evaluate(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	v, err := eng.Evaluate(ctx, `count * 2`, map[string]any{"count": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = eng.Evaluate(ctx, `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	_, err = eng.Evaluate(ctx, `1 +`, nil)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestTemplater_Render(t *testing.T) {
	tpl := NewTemplater()
	ctx := context.Background()
	data := map[string]any{
		"session_date": "2026-01-02",
		"count":        3,
		"table":        map[string]any{"name": "events"},
	}

	doc := schema.Params{
		"path":  "/data/${session_date}/${table.name}.csv",
		"n":     "${count}",
		"plain": "no templates",
		"list":  []any{"${count + 1}", 7},
		"nested": map[string]any{
			"sql": "select * from ${table.name} limit ${count}",
		},
	}

	out, err := tpl.RenderParams(ctx, doc, data)
	require.NoError(t, err)
	assert.Equal(t, "/data/2026-01-02/events.csv", out["path"])
	assert.Equal(t, 3, out["n"])
	assert.Equal(t, "no templates", out["plain"])
	assert.Equal(t, []any{4, 7}, out["list"])
	assert.Equal(t, "select * from events limit 3", out["nested"].(map[string]any)["sql"])

	// source document untouched
	assert.Equal(t, "${count}", doc["n"])
}

func TestTemplater_Errors(t *testing.T) {
	tpl := NewTemplater()
	ctx := context.Background()

	_, err := tpl.RenderString(ctx, "value ${count", nil)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))

	_, err = tpl.RenderString(ctx, "${1 +}", nil)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestTemplater_BracesInsideExpression(t *testing.T) {
	tpl := NewTemplater()
	v, err := tpl.RenderString(context.Background(), `${ len({"a": 1}) } and ${"}"}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "1 and }", v)
}

func TestGoJQEngine_Filter(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	type row struct {
		Name  string `json:"full_name"`
		State string `json:"state"`
	}
	rows := []row{{"+wf+a", "success"}, {"+wf+b", "error"}, {"+wf+c", "error"}}

	out, err := eng.Filter(ctx, `.[] | select(.state == "error") | .full_name`, rows)
	require.NoError(t, err)
	assert.Equal(t, []any{"+wf+b", "+wf+c"}, out)

	v, err := eng.Evaluate(ctx, `.a.b`, map[string]any{"a": map[string]any{"b": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = eng.Evaluate(ctx, `$ENV.HOME`, map[string]any{})
	require.NoError(t, err)

	_, err = eng.Evaluate(ctx, `.[`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = eng.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.Error(t, err)
}

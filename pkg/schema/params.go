package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"dario.cat/mergo"
	"github.com/mohae/deepcopy"
)

// Params is a JSON-like parameter document: export, store and state params
// of a task, operator configuration and attempt parameters.
type Params map[string]any

// Clone returns a deep copy. A nil document clones to an empty one.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out, ok := deepcopy.Copy(map[string]any(p)).(map[string]any)
	if !ok {
		return Params{}
	}
	return Params(out)
}

// MergeParams merges documents left to right; later documents win and nested
// maps merge key by key. Inputs are never modified.
func MergeParams(docs ...Params) (Params, error) {
	dst := map[string]any{}
	for _, doc := range docs {
		if len(doc) == 0 {
			continue
		}
		src := map[string]any(doc.Clone())
		if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge params: %w", err)
		}
	}
	return Params(dst), nil
}

// Get looks up a dotted path ("td.database") through nested maps.
func (p Params) Get(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at key as a string, or def.
func (p Params) String(key, def string) string {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value at key as an int, or def when missing or not numeric.
func (p Params) Int(key string, def int) int {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return int(i)
		}
	}
	return def
}

// Bool returns the value at key as a bool, or def.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Duration parses the value at key as a human duration.
func (p Params) Duration(key string) (Duration, bool, error) {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case string:
		d, err := ParseDuration(n)
		return d, true, err
	case float64, int, int64:
		return ParseDurationNumber(n), true, nil
	}
	return 0, true, fmt.Errorf("%s: not a duration: %v", key, v)
}

// ParseDurationNumber treats a bare number as seconds.
func ParseDurationNumber(v any) Duration {
	d, _ := ParseDuration(fmt.Sprint(v))
	return d
}

// MarshalDoc encodes a document for storage. Nil encodes as "{}".
func MarshalDoc(p Params) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// UnmarshalDoc decodes a stored document. Empty input yields an empty doc.
func UnmarshalDoc(data []byte) (Params, error) {
	if len(data) == 0 {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Params:
		return m, true
	}
	return nil, false
}

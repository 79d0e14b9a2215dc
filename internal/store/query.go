package store

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Query filters documents by field. A value is either a literal (equality)
// or an operator object such as {"$gt": 100} or {"$in": ["a", "b"]}.
// Field names may use dots to reach nested objects.
type Query map[string]any

// Supported operators.
const (
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpGt     = "$gt"
	OpGte    = "$gte"
	OpLt     = "$lt"
	OpLte    = "$lte"
	OpIn     = "$in"
	OpNin    = "$nin"
	OpExists = "$exists"
)

// SortField orders results by one field.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Modifiers shape a Find result. It is JSON encodable so it can travel over
// the data proxy.
type Modifiers struct {
	Sort  []SortField `json:"sort,omitempty"`
	Skip  int         `json:"skip,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// Modifier mutates Modifiers.
type Modifier func(*Modifiers)

// Sort orders by field; later Sort modifiers break ties of earlier ones.
func Sort(field string, desc bool) Modifier {
	return func(m *Modifiers) {
		m.Sort = append(m.Sort, SortField{Field: field, Desc: desc})
	}
}

// Limit caps the number of results. Zero means unlimited.
func Limit(n int) Modifier {
	return func(m *Modifiers) { m.Limit = n }
}

// Skip drops the first n results.
func Skip(n int) Modifier {
	return func(m *Modifiers) { m.Skip = n }
}

// With replays a decoded Modifiers value.
func With(mods Modifiers) Modifier {
	return func(m *Modifiers) { *m = mods }
}

// BuildModifiers folds mods into a Modifiers value.
func BuildModifiers(mods ...Modifier) Modifiers {
	var m Modifiers
	for _, mod := range mods {
		mod(&m)
	}
	return m
}

// Match reports whether doc satisfies every clause of q.
func Match(doc Document, q Query) (bool, error) {
	for field, cond := range q {
		value, present := lookup(doc, field)
		ok, err := matchClause(value, present, cond)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Apply filters, sorts and pages docs in memory.
func Apply(docs []Document, q Query, mods Modifiers) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		ok, err := Match(doc, q)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}

	if len(mods.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range mods.Sort {
				a, _ := lookup(out[i], s.Field)
				b, _ := lookup(out[j], s.Field)
				c := compareForSort(a, b)
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if mods.Skip > 0 {
		if mods.Skip >= len(out) {
			return []Document{}, nil
		}
		out = out[mods.Skip:]
	}
	if mods.Limit > 0 && len(out) > mods.Limit {
		out = out[:mods.Limit]
	}
	return out, nil
}

// EqualityFilter returns the clauses of q that are plain equality on a
// literal. Backends use it to push filtering down.
func EqualityFilter(q Query) Document {
	eq := Document{}
	for field, cond := range q {
		if strings.Contains(field, ".") {
			continue
		}
		if _, isOp := operatorObject(cond); isOp {
			continue
		}
		eq[field] = normalize(cond)
	}
	return eq
}

func lookup(doc Document, field string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if d, isDoc := cur.(Document); isDoc {
				m = d
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func operatorObject(cond any) (map[string]any, bool) {
	var m map[string]any
	switch c := cond.(type) {
	case map[string]any:
		m = c
	case Document:
		m = c
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchClause(value any, present bool, cond any) (bool, error) {
	ops, isOp := operatorObject(cond)
	if !isOp {
		return present && equal(value, cond), nil
	}

	for op, arg := range ops {
		var ok bool
		switch op {
		case OpEq:
			ok = present && equal(value, arg)
		case OpNe:
			ok = !present || !equal(value, arg)
		case OpGt, OpGte, OpLt, OpLte:
			if !present {
				return false, nil
			}
			c, comparable := compare(value, arg)
			if !comparable {
				return false, nil
			}
			switch op {
			case OpGt:
				ok = c > 0
			case OpGte:
				ok = c >= 0
			case OpLt:
				ok = c < 0
			case OpLte:
				ok = c <= 0
			}
		case OpIn, OpNin:
			list, isList := toList(arg)
			if !isList {
				return false, fmt.Errorf("%s expects an array", op)
			}
			found := false
			if present {
				for _, candidate := range list {
					if equal(value, candidate) {
						found = true
						break
					}
				}
			}
			ok = found
			if op == OpNin {
				ok = !found
			}
		case OpExists:
			want, isBool := arg.(bool)
			if !isBool {
				return false, fmt.Errorf("%s expects a boolean", op)
			}
			ok = present == want
		default:
			return false, fmt.Errorf("unsupported operator %s", op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func toList(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// normalize maps Go numeric types to float64 so literals written in code
// compare equal to values decoded from JSON.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case fmt.Stringer:
		return n.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return v
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok || x != y {
			return 0, false
		}
		return 0, true
	}
	return 0, false
}

// compareForSort places missing or incomparable values first.
func compareForSort(a, b any) int {
	if c, ok := compare(a, b); ok {
		return c
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return 0
}

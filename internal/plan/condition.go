// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plan

import (
	"reflect"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ronkeiser/wonder/internal/def"
)

// EvalCondition evaluates a transition condition against a context
// snapshot. A nil condition always matches. Missing paths, type
// mismatches and expression errors evaluate to non-match rather than
// failing the run; routing falls through to the next tier or the default
// transition instead.
func EvalCondition(c *def.Condition, snapshot map[string]any) bool {
	if c == nil {
		return true
	}

	switch {
	case c.Comparison != nil:
		return evalComparison(c.Comparison, snapshot)
	case c.Exists != nil:
		_, ok := snapshotValue(snapshot, c.Exists.Path)
		return ok
	case c.InSet != nil:
		v, ok := snapshotValue(snapshot, c.InSet.Path)
		if !ok {
			return false
		}
		for _, allowed := range c.InSet.Values {
			if looseEqual(v, allowed) {
				return true
			}
		}
		return false
	case c.ArrayLength != nil:
		v, ok := snapshotValue(snapshot, c.ArrayLength.Path)
		if !ok {
			return false
		}
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		return compareNumbers(float64(len(arr)), float64(c.ArrayLength.Value), c.ArrayLength.Op)
	case len(c.And) > 0:
		for i := range c.And {
			if !EvalCondition(&c.And[i], snapshot) {
				return false
			}
		}
		return true
	case len(c.Or) > 0:
		for i := range c.Or {
			if EvalCondition(&c.Or[i], snapshot) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !EvalCondition(c.Not, snapshot)
	case c.Expr != "":
		return evalExpr(c.Expr, snapshot)
	}
	return false
}

// evalExpr runs the expression escape hatch. The snapshot's sections are
// the expression environment, so conditions read "state.score > 0.5".
// Anything other than a clean boolean result is a non-match.
func evalExpr(code string, snapshot map[string]any) bool {
	out, err := expr.Eval(code, snapshot)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func evalComparison(c *def.Comparison, snapshot map[string]any) bool {
	left := c.Left
	if left == nil {
		left = &def.Operand{Field: c.Path}
	}
	right := c.Right
	if right == nil {
		right = &def.Operand{Literal: c.Value}
	}

	lv, ok := operandValue(left, snapshot)
	if !ok {
		return false
	}
	rv, ok := operandValue(right, snapshot)
	if !ok {
		return false
	}
	return compareValues(lv, rv, c.Op)
}

// operandValue resolves one comparison operand. A field reference that
// resolves to nothing makes the whole comparison a non-match.
func operandValue(o *def.Operand, snapshot map[string]any) (any, bool) {
	if o.Field != "" {
		return snapshotValue(snapshot, o.Field)
	}
	return o.Literal, true
}

func compareValues(l, r any, op string) bool {
	if lv, lok := toFloat(l); lok {
		if rv, rok := toFloat(r); rok {
			return compareNumbers(lv, rv, op)
		}
		return false
	}

	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		if !ok {
			return false
		}
		return compareStrings(lv, rv, op)
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return false
		}
		switch op {
		case def.OpEq:
			return lv == rv
		case def.OpNeq:
			return lv != rv
		}
		return false
	}
	return false
}

func compareNumbers(l, r float64, op string) bool {
	switch op {
	case def.OpEq:
		return l == r
	case def.OpNeq:
		return l != r
	case def.OpGt:
		return l > r
	case def.OpGte:
		return l >= r
	case def.OpLt:
		return l < r
	case def.OpLte:
		return l <= r
	}
	return false
}

func compareStrings(l, r, op string) bool {
	switch op {
	case def.OpEq:
		return l == r
	case def.OpNeq:
		return l != r
	case def.OpGt:
		return l > r
	case def.OpGte:
		return l >= r
	case def.OpLt:
		return l < r
	case def.OpLte:
		return l <= r
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// looseEqual compares with numeric coercion so YAML ints match JSON
// floats.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// snapshotValue walks the snapshot along a section-qualified dotted path.
func snapshotValue(snapshot map[string]any, path string) (any, bool) {
	var cur any = snapshot
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ronkeiser/wonder/internal/def"
)

func snap() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"topic": "petri nets",
		},
		"state": map[string]any{
			"score":    0.8,
			"count":    int64(3),
			"approved": true,
			"phase":    "review",
			"findings": []any{"a", "b", "c"},
			"nested":   map[string]any{"deep": "value"},
		},
		"output": map[string]any{},
	}
}

func TestEvalCondition_NilMatches(t *testing.T) {
	assert.True(t, EvalCondition(nil, snap()))
}

func TestEvalCondition_Comparison(t *testing.T) {
	cases := []struct {
		name string
		c    def.Comparison
		want bool
	}{
		{"float gte true", def.Comparison{Path: "state.score", Op: def.OpGte, Value: 0.5}, true},
		{"float lt false", def.Comparison{Path: "state.score", Op: def.OpLt, Value: 0.5}, false},
		{"int vs int literal", def.Comparison{Path: "state.count", Op: def.OpEq, Value: 3}, true},
		{"int vs float literal", def.Comparison{Path: "state.count", Op: def.OpEq, Value: 3.0}, true},
		{"string eq", def.Comparison{Path: "state.phase", Op: def.OpEq, Value: "review"}, true},
		{"string neq", def.Comparison{Path: "state.phase", Op: def.OpNeq, Value: "draft"}, true},
		{"bool eq", def.Comparison{Path: "state.approved", Op: def.OpEq, Value: true}, true},
		{"bool ordering is non-match", def.Comparison{Path: "state.approved", Op: def.OpGt, Value: false}, false},
		{"missing path is non-match", def.Comparison{Path: "state.missing", Op: def.OpEq, Value: 1}, false},
		{"type mismatch is non-match", def.Comparison{Path: "state.phase", Op: def.OpEq, Value: 3}, false},
		{"field against field", def.Comparison{
			Left:  &def.Operand{Field: "state.score"},
			Op:    def.OpLt,
			Right: &def.Operand{Field: "state.count"},
		}, true},
		{"string field against field", def.Comparison{
			Left:  &def.Operand{Field: "state.phase"},
			Op:    def.OpNeq,
			Right: &def.Operand{Field: "state.nested.deep"},
		}, true},
		{"literal on the left", def.Comparison{
			Left:  &def.Operand{Literal: 5},
			Op:    def.OpGt,
			Right: &def.Operand{Field: "state.count"},
		}, true},
		{"literal against literal", def.Comparison{
			Left:  &def.Operand{Literal: "a"},
			Op:    def.OpLt,
			Right: &def.Operand{Literal: "b"},
		}, true},
		{"missing field operand is non-match", def.Comparison{
			Left:  &def.Operand{Field: "state.missing"},
			Op:    def.OpEq,
			Right: &def.Operand{Literal: 1},
		}, false},
		{"missing right field operand is non-match", def.Comparison{
			Left:  &def.Operand{Field: "state.count"},
			Op:    def.OpEq,
			Right: &def.Operand{Field: "state.missing"},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvalCondition(&def.Condition{Comparison: &tc.c}, snap()))
		})
	}
}

func TestEvalCondition_Exists(t *testing.T) {
	assert.True(t, EvalCondition(&def.Condition{Exists: &def.Exists{Path: "state.nested.deep"}}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Exists: &def.Exists{Path: "state.nested.missing"}}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Exists: &def.Exists{Path: "state.score.inside"}}, snap()))
}

func TestEvalCondition_InSet(t *testing.T) {
	c := &def.Condition{InSet: &def.InSet{Path: "state.phase", Values: []any{"draft", "review"}}}
	assert.True(t, EvalCondition(c, snap()))

	c = &def.Condition{InSet: &def.InSet{Path: "state.count", Values: []any{1, 2, 3}}}
	assert.True(t, EvalCondition(c, snap()), "numeric coercion across int64/int")

	c = &def.Condition{InSet: &def.InSet{Path: "state.phase", Values: []any{"done"}}}
	assert.False(t, EvalCondition(c, snap()))
}

func TestEvalCondition_ArrayLength(t *testing.T) {
	c := &def.Condition{ArrayLength: &def.ArrayLength{Path: "state.findings", Op: def.OpGte, Value: 3}}
	assert.True(t, EvalCondition(c, snap()))

	c = &def.Condition{ArrayLength: &def.ArrayLength{Path: "state.findings", Op: def.OpGt, Value: 3}}
	assert.False(t, EvalCondition(c, snap()))

	c = &def.Condition{ArrayLength: &def.ArrayLength{Path: "state.phase", Op: def.OpEq, Value: 1}}
	assert.False(t, EvalCondition(c, snap()), "non-array is non-match")
}

func TestEvalCondition_Composition(t *testing.T) {
	gte := def.Condition{Comparison: &def.Comparison{Path: "state.score", Op: def.OpGte, Value: 0.5}}
	approved := def.Condition{Comparison: &def.Comparison{Path: "state.approved", Op: def.OpEq, Value: true}}
	missing := def.Condition{Exists: &def.Exists{Path: "state.missing"}}

	assert.True(t, EvalCondition(&def.Condition{And: []def.Condition{gte, approved}}, snap()))
	assert.False(t, EvalCondition(&def.Condition{And: []def.Condition{gte, missing}}, snap()))
	assert.True(t, EvalCondition(&def.Condition{Or: []def.Condition{missing, approved}}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Or: []def.Condition{missing}}, snap()))
	assert.True(t, EvalCondition(&def.Condition{Not: &missing}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Not: &gte}, snap()))
}

func TestEvalCondition_Expr(t *testing.T) {
	assert.True(t, EvalCondition(&def.Condition{Expr: `state.score > 0.5 && state.phase == "review"`}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Expr: `state.score > 0.9`}, snap()))
	assert.True(t, EvalCondition(&def.Condition{Expr: `len(state.findings) == 3`}, snap()))

	// Errors and non-boolean results are non-matches, not failures.
	assert.False(t, EvalCondition(&def.Condition{Expr: `state.missing.deeper > 1`}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Expr: `state.score`}, snap()))
	assert.False(t, EvalCondition(&def.Condition{Expr: `not valid syntax ((`}, snap()))
}

func TestEvalCondition_Empty(t *testing.T) {
	assert.False(t, EvalCondition(&def.Condition{}, snap()))
}

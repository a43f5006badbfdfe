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

package branch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ronkeiser/wonder/internal/def"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Merge combines branch outputs per the node's merge descriptor, returning
// the value to write at the descriptor's target path. Outputs are merged
// in branch index order regardless of completion order, so merges are
// deterministic. Branches without output (failed, timed out, cancelled)
// are simply absent from outputs.
func Merge(desc *def.MergeDescriptor, outputs []Output) (any, error) {
	sorted := make([]Output, len(outputs))
	copy(sorted, outputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BranchIndex < sorted[j].BranchIndex })

	values := make([]extracted, 0, len(sorted))
	for _, out := range sorted {
		v, ok := sourceValue(out.Doc, desc.Source)
		if !ok {
			continue
		}
		values = append(values, extracted{branchIndex: out.BranchIndex, value: v})
	}

	switch desc.Strategy {
	case def.MergeAppend:
		return mergeAppend(values), nil
	case def.MergeCollect:
		return mergeCollect(values), nil
	case def.MergeObject:
		return mergeObject(desc, values)
	case def.MergeKeyedByBranch:
		return mergeKeyed(values), nil
	case def.MergeLastWins:
		return mergeLastWins(values), nil
	}
	return nil, &wondererr.DefinitionError{
		Kind:    "merge",
		Ref:     desc.Target,
		Message: fmt.Sprintf("unknown merge strategy %q", desc.Strategy),
	}
}

type extracted struct {
	branchIndex int
	value       any
}

// mergeAppend concatenates when every branch produced an array, otherwise
// appends each branch value as one element.
func mergeAppend(values []extracted) []any {
	allArrays := len(values) > 0
	for _, v := range values {
		if _, ok := v.value.([]any); !ok {
			allArrays = false
			break
		}
	}

	result := make([]any, 0, len(values))
	for _, v := range values {
		if allArrays {
			result = append(result, v.value.([]any)...)
		} else {
			result = append(result, v.value)
		}
	}
	return result
}

// mergeCollect lists one element per branch, arrays kept nested.
func mergeCollect(values []extracted) []any {
	result := make([]any, 0, len(values))
	for _, v := range values {
		result = append(result, v.value)
	}
	return result
}

// mergeObject shallow-merges object values; on key collision the higher
// branch index wins.
func mergeObject(desc *def.MergeDescriptor, values []extracted) (map[string]any, error) {
	result := make(map[string]any)
	for _, v := range values {
		obj, ok := v.value.(map[string]any)
		if !ok {
			return nil, &wondererr.ValidationError{
				Path:    desc.Target,
				Message: fmt.Sprintf("merge_object requires object branch values, branch %d produced %T", v.branchIndex, v.value),
			}
		}
		for k, e := range obj {
			result[k] = e
		}
	}
	return result, nil
}

// mergeKeyed maps each branch value under its branch index.
func mergeKeyed(values []extracted) map[string]any {
	result := make(map[string]any, len(values))
	for _, v := range values {
		result[strconv.Itoa(v.branchIndex)] = v.value
	}
	return result
}

// mergeLastWins takes the value of the highest-indexed branch that
// produced one, nil when none did.
func mergeLastWins(values []extracted) any {
	if len(values) == 0 {
		return nil
	}
	return values[len(values)-1].value
}

// sourceValue extracts the merge source from a branch document. An empty
// source means the whole document.
func sourceValue(doc map[string]any, source string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	if source == "" {
		return doc, true
	}
	var cur any = doc
	for _, seg := range strings.Split(source, ".") {
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

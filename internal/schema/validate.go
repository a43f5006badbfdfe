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

package schema

import (
	"fmt"

	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Validate checks that value conforms to the schema. No type coercion is
// performed; the only tolerance is JSON's representation of integers as
// float64, accepted when the fraction is zero.
//
// Errors are *errors.ValidationError carrying the offending path.
func Validate(s *Schema, value any, path string) error {
	switch s.Type {
	case TypeObject:
		return validateObject(s, value, path)
	case TypeArray:
		return validateArray(s, value, path)
	case TypeString:
		return validateString(s, value, path)
	case TypeInteger:
		return validateInteger(value, path)
	case TypeNumber:
		return validateNumber(value, path)
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return typeError(path, "boolean", value)
		}
		return nil
	}
	return &wondererr.ValidationError{Path: path, Message: fmt.Sprintf("unsupported schema type %q", s.Type)}
}

func validateObject(s *Schema, value any, path string) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return typeError(path, "object", value)
	}

	for _, req := range s.Required {
		if _, exists := obj[req]; !exists {
			return &wondererr.ValidationError{Path: path, Message: fmt.Sprintf("missing required field %q", req)}
		}
	}

	for name, v := range obj {
		prop, ok := s.Properties[name]
		if !ok {
			// Extra fields not in the schema are silently allowed; they have
			// no column to land in and are dropped on write.
			continue
		}
		if err := Validate(prop, v, path+"."+name); err != nil {
			return err
		}
	}

	return nil
}

func validateArray(s *Schema, value any, path string) error {
	arr, ok := value.([]any)
	if !ok {
		return typeError(path, "array", value)
	}
	for i, item := range arr {
		if err := Validate(s.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func validateString(s *Schema, value any, path string) error {
	str, ok := value.(string)
	if !ok {
		return typeError(path, "string", value)
	}
	if len(s.Enum) > 0 {
		for _, allowed := range s.Enum {
			if allowed == str {
				return nil
			}
		}
		return &wondererr.ValidationError{Path: path, Message: fmt.Sprintf("value %q not in allowed values %v", str, s.Enum)}
	}
	return nil
}

func validateInteger(value any, path string) error {
	switch v := value.(type) {
	case int, int64:
		return nil
	case float64:
		if v != float64(int64(v)) {
			return &wondererr.ValidationError{Path: path, Message: fmt.Sprintf("expected integer, got %v", v)}
		}
		return nil
	}
	return typeError(path, "integer", value)
}

func validateNumber(value any, path string) error {
	switch value.(type) {
	case float64, float32, int, int64:
		return nil
	}
	return typeError(path, "number", value)
}

func typeError(path, want string, got any) error {
	return &wondererr.ValidationError{Path: path, Message: fmt.Sprintf("expected %s, got %T", want, got)}
}

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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Path: "state.results", Message: "expected array, got string"}
	assert.Equal(t, "validation failed at state.results: expected array, got string", err.Error())

	err = &ValidationError{Message: "empty document"}
	assert.Equal(t, "validation failed: empty document", err.Error())
}

func TestDefinitionError_Error(t *testing.T) {
	err := &DefinitionError{Kind: "task", Ref: "summarize@3", Message: "not found"}
	assert.Contains(t, err.Error(), "task summarize@3")
}

func TestInternalError_Unwrap(t *testing.T) {
	cause := stderrors.New("constraint violated")
	err := &InternalError{Message: "duplicate activation", Cause: cause}
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "duplicate activation")
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	base := stderrors.New("boom")
	wrapped := Wrap(base, "doing thing")
	assert.True(t, stderrors.Is(wrapped, base))
	assert.Equal(t, "doing thing: boom", wrapped.Error())
}

func TestWrapf(t *testing.T) {
	base := stderrors.New("boom")
	wrapped := Wrapf(base, "token %s", "abc")
	assert.Equal(t, "token abc: boom", wrapped.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(&ExecutorError{Kind: "action_failed", Retryable: false}))
	assert.True(t, IsRetryable(&ExecutorError{Kind: "timeout", Retryable: true}))

	// Retryability survives wrapping.
	wrapped := fmt.Errorf("dispatch: %w", &ExecutorError{Kind: "timeout", Retryable: true})
	assert.True(t, IsRetryable(wrapped))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(&ValidationError{Path: "input.value", Message: "required"}))
	assert.True(t, IsValidation(Wrap(&ValidationError{Message: "x"}, "initializing")))
	assert.False(t, IsValidation(stderrors.New("other")))
}

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
	"fmt"
)

// ValidationError represents a value that failed schema validation.
// Path identifies the offending field using dotted context-path syntax.
type ValidationError struct {
	// Path is the dotted path to the field that failed (e.g. "state.results[2].v")
	Path string

	// Message is the human-readable reason the value was rejected
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow", "task", "token", "run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// DefinitionError represents a broken or inconsistent workflow definition:
// a missing node or task reference, a version mismatch, or a structurally
// invalid transition. Definition errors are fatal for the run.
type DefinitionError struct {
	// Kind is the definition entity involved (e.g. "workflow", "node", "transition", "task")
	Kind string

	// Ref identifies the offending entity, usually "<id>@<version>"
	Ref string

	// Message describes what is wrong
	Message string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("definition error in %s %s: %s", e.Kind, e.Ref, e.Message)
	}
	return fmt.Sprintf("definition error in %s: %s", e.Kind, e.Message)
}

// ExecutorError represents a failure reported by an external executor.
// Retryable is advice from the executor; the coordinator owns the retry
// decision.
type ExecutorError struct {
	// Kind is the executor-specific error class (e.g. "timeout", "action_failed")
	Kind string

	// Message is the human-readable error message
	Message string

	// Retryable indicates whether the executor believes a retry could succeed
	Retryable bool
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("executor error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("executor error: %s", e.Message)
}

// SyncTimeoutError represents a synchronization deadline that elapsed before
// the sibling group met its strategy condition.
type SyncTimeoutError struct {
	// SiblingGroup is the group whose deadline elapsed
	SiblingGroup string
}

// Error implements the error interface.
func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("synchronization timeout for sibling group %q", e.SiblingGroup)
}

// LoopLimitError represents a loop transition that exceeded its configured
// maximum iteration count.
type LoopLimitError struct {
	// TransitionID identifies the looping transition
	TransitionID string

	// Max is the configured iteration limit
	Max int
}

// Error implements the error interface.
func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("loop limit exceeded on transition %s (max %d)", e.TransitionID, e.Max)
}

// InternalError represents an integrity violation inside the coordinator,
// such as a duplicate fan-in activation that bypassed the conflict guard.
// Internal errors are fatal and mark the run failed.
type InternalError struct {
	// Message describes the violated invariant
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *InternalError) Unwrap() error {
	return e.Cause
}

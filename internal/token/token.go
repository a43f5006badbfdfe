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

// Package token manages workflow tokens: the units of execution positioned
// at nodes. Tokens are durable rows in the per-run store; status transitions
// are conditional updates so races resolve in SQL, not in memory.
package token

import (
	"time"
)

// Status is a token lifecycle status.
type Status string

const (
	// StatusPending marks a freshly created token not yet dispatched.
	StatusPending Status = "pending"
	// StatusDispatched marks a token sent to an executor, not yet acknowledged.
	StatusDispatched Status = "dispatched"
	// StatusExecuting marks a token acknowledged by an executor.
	StatusExecuting Status = "executing"
	// StatusWaitingForSiblings marks a fan-in token parked until its sibling
	// group meets the synchronization condition.
	StatusWaitingForSiblings Status = "waiting_for_siblings"
	// StatusWaitingForSubworkflow marks a token parked on an external signal
	// (subworkflow completion or a human gate resume).
	StatusWaitingForSubworkflow Status = "waiting_for_subworkflow"
	// StatusCompleted is the successful terminal status.
	StatusCompleted Status = "completed"
	// StatusFailed is the failure terminal status.
	StatusFailed Status = "failed"
	// StatusTimedOut is the timeout terminal status.
	StatusTimedOut Status = "timed_out"
	// StatusCancelled is the cancellation terminal status.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is terminal. Terminal tokens never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// NonTerminal lists every non-terminal status.
func NonTerminal() []Status {
	return []Status{
		StatusPending, StatusDispatched, StatusExecuting,
		StatusWaitingForSiblings, StatusWaitingForSubworkflow,
	}
}

// Token is a unit of execution positioned at a node.
type Token struct {
	// ID is the token's unique identifier.
	ID string

	// RunID identifies the owning run.
	RunID string

	// NodeID is the node the token is positioned at.
	NodeID string

	// PathID is the hierarchical identifier encoding the token's ancestry:
	// "root" for the initial token, then ".<fromNodeId>.<branchIndex>" per
	// fan-out hop ("<fromNodeId>" alone for singletons).
	PathID string

	// ParentTokenID is the token whose completion spawned this one.
	ParentTokenID string

	// SiblingGroup is the fan-out group label, empty for singletons.
	SiblingGroup string

	// BranchIndex is this token's position within its sibling group.
	BranchIndex int

	// BranchTotal is the sibling group size at spawn time.
	BranchTotal int

	// Status is the current lifecycle status.
	Status Status

	// FailureReason carries the failure message for failed tokens.
	FailureReason string

	// RetryCount is the number of executor retries already attempted.
	RetryCount int

	// IterationCounts tracks loop-transition traversals, keyed by
	// transition id.
	IterationCounts map[string]int

	// ArrivedAt is when the token arrived at its node; synchronization
	// timeout clocks start from the earliest sibling arrival.
	ArrivedAt time.Time

	// CreatedAt and UpdatedAt are bookkeeping timestamps.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SiblingCounts summarizes a sibling group's statuses by class.
type SiblingCounts struct {
	// Total is the number of tokens in the group.
	Total int

	// Completed is the number of tokens that completed successfully.
	Completed int

	// Failed counts failed and timed-out tokens.
	Failed int

	// Cancelled counts cancelled tokens.
	Cancelled int

	// Waiting counts tokens in waiting_for_siblings.
	Waiting int

	// InFlight counts pending, dispatched and executing tokens.
	InFlight int
}

// Terminal is the number of tokens in any terminal status.
func (c SiblingCounts) Terminal() int {
	return c.Completed + c.Failed + c.Cancelled
}

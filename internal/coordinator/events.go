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

package coordinator

import "github.com/ronkeiser/wonder/internal/dispatch"

// event is one item on the coordinator's queue. The set is closed; the
// event loop switches over it exhaustively.
type event interface {
	kind() string
}

// evStart begins the run.
type evStart struct {
	input map[string]any
}

func (evStart) kind() string { return "start" }

// evTaskResult is an executor callback.
type evTaskResult struct {
	result dispatch.TaskResult
}

func (evTaskResult) kind() string { return "task_result" }

// evTaskAck is an executor acknowledgement that work began.
type evTaskAck struct {
	tokenID string
}

func (evTaskAck) kind() string { return "task_ack" }

// evSyncTimeout fires when a sibling group's gathering deadline elapses.
type evSyncTimeout struct {
	siblingGroup string
	nodeID       string
}

func (evSyncTimeout) kind() string { return "sync_timeout" }

// evCancel is a user-requested run cancellation.
type evCancel struct{}

func (evCancel) kind() string { return "cancel" }

// evResume releases tokens parked at human gates. An empty tokenID
// resumes every parked token.
type evResume struct {
	tokenID string
	output  map[string]any
}

func (evResume) kind() string { return "resume" }

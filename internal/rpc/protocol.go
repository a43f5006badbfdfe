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

// Package rpc exposes the coordinator over HTTP JSON: run management for
// clients and the callback surface executors report into.
package rpc

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`

	WorkspaceID string `json:"workspace_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`

	Input map[string]any `json:"input,omitempty"`
}

// CreateRunResponse acknowledges run creation.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// ResumeRequest is the body of POST /v1/runs/{id}/resume. An empty
// TokenID resumes every parked token.
type ResumeRequest struct {
	TokenID string         `json:"token_id,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// AckRequest is the body of POST /v1/callbacks/ack: the executor accepted
// a dispatched task and began work.
type AckRequest struct {
	RunID   string `json:"run_id"`
	TokenID string `json:"token_id"`
}

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

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// TaskRequest is one task dispatch to an executor. The executor runs the
// task to completion and reports the result through the coordinator's
// callback endpoint, correlated by run and token id.
type TaskRequest struct {
	RunID   string `json:"run_id"`
	TokenID string `json:"token_id"`
	NodeID  string `json:"node_id"`

	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`

	// Params are the task's static parameters from the definition.
	Params map[string]any `json:"params,omitempty"`

	// Input is the task input document built from the node's input mapping
	// and the token's branch item at dispatch time.
	Input map[string]any `json:"input,omitempty"`

	// TimeoutSeconds bounds the attempt; zero means the executor default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Attempt counts dispatches of this token, starting at 1.
	Attempt int `json:"attempt"`
}

// TaskError is an executor-reported failure. Retryable is advice; the
// coordinator owns the retry decision.
type TaskError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskResult is the executor's callback payload.
type TaskResult struct {
	RunID   string `json:"run_id"`
	TokenID string `json:"token_id"`

	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *TaskError     `json:"error,omitempty"`
}

// ExecutorClient sends task dispatches to an external executor. Dispatch
// returns once the executor accepts the work; results arrive later as
// callback events.
type ExecutorClient interface {
	Dispatch(ctx context.Context, req TaskRequest) error
}

// HTTPExecutor dispatches tasks to an executor service over HTTP JSON,
// rate-limited so a wide fan-out cannot flood the executor.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPExecutor creates an executor client. perSecond <= 0 disables rate
// limiting; a zero timeout defaults to thirty seconds.
func NewHTTPExecutor(endpoint string, perSecond float64, burst int, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Dispatch implements ExecutorClient.
func (e *HTTPExecutor) Dispatch(ctx context.Context, req TaskRequest) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for dispatch slot: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding dispatch for token %s: %w", req.TokenID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatching token %s: %w", req.TokenID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("executor returned %d for token %s", resp.StatusCode, req.TokenID)
	}
	return nil
}

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

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/dispatch"
	"github.com/ronkeiser/wonder/internal/metrics"
	"github.com/ronkeiser/wonder/internal/plan"
	"github.com/ronkeiser/wonder/internal/store"
	"github.com/ronkeiser/wonder/internal/trace"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// RegistryConfig carries the shared dependencies every run gets.
type RegistryConfig struct {
	Definitions def.Resources
	Executor    dispatch.ExecutorClient
	Sink        trace.Sink
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Retry       plan.RetryPolicy

	// DataDir holds the per-run database files. Empty runs everything
	// in memory.
	DataDir string
}

// Registry owns the live coordinators, one per run.
type Registry struct {
	cfg RegistryConfig

	mu   sync.Mutex
	runs map[string]*runEntry
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type runEntry struct {
	coord *Coordinator
	store *store.Store
}

// NewRegistry builds a registry. Close stops every run loop.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = trace.NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg,
		runs:   make(map[string]*runEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartRun creates and starts a run of the referenced workflow; ctx
// bounds the setup work, not the run itself. The returned run id
// identifies the run in every later call.
func (r *Registry) StartRun(ctx context.Context, ref def.Ref, workspaceID, projectID string, input map[string]any) (string, error) {
	wf, err := r.cfg.Definitions.Workflow(ref)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	path := ":memory:"
	if r.cfg.DataDir != "" {
		path = filepath.Join(r.cfg.DataDir, runID+".db")
	}
	st, err := store.Open(store.Config{Path: path, WAL: r.cfg.DataDir != ""})
	if err != nil {
		return "", err
	}

	coord, err := New(ctx, Config{
		RunID:       runID,
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		Workflow:    wf,
		Store:       st,
		Executor:    r.cfg.Executor,
		Sink:        r.cfg.Sink,
		Logger:      r.cfg.Logger,
		Metrics:     r.cfg.Metrics,
		Retry:       r.cfg.Retry,
	})
	if err != nil {
		st.Close()
		return "", err
	}

	r.mu.Lock()
	r.runs[runID] = &runEntry{coord: coord, store: st}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		coord.Run(r.ctx)
	}()

	if err := coord.Start(input); err != nil {
		return "", err
	}
	return runID, nil
}

// Get returns the coordinator for a run.
func (r *Registry) Get(runID string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[runID]
	if !ok {
		return nil, &wondererr.NotFoundError{Resource: "run", ID: runID}
	}
	return entry.coord, nil
}

// HandleTaskResult routes an executor callback to its run.
func (r *Registry) HandleTaskResult(res dispatch.TaskResult) error {
	coord, err := r.Get(res.RunID)
	if err != nil {
		return err
	}
	return coord.HandleTaskResult(res)
}

// Close stops every run loop and closes the per-run stores.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.runs {
		entry.store.Close()
		delete(r.runs, id)
	}
}

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

// Package branch stores per-token task outputs in isolated tables so
// parallel siblings never contend on shared rows. Outputs stay isolated
// until a fan-in merges them into the run context.
package branch

import (
	"context"
	"fmt"
	"strings"

	"github.com/ronkeiser/wonder/internal/schema"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// tablePrefix namespaces branch output tables away from the fixed and
// context tables.
const tablePrefix = "branch_output_"

// TableName derives the branch output table name for a token. UUID dashes
// are stripped so the name stays a plain identifier.
func TableName(tokenID string) string {
	return tablePrefix + strings.ReplaceAll(tokenID, "-", "")
}

// Output is one branch's completed task output.
type Output struct {
	// TokenID identifies the branch.
	TokenID string

	// BranchIndex is the token's position in its sibling group.
	BranchIndex int

	// Doc is the output document.
	Doc map[string]any
}

// Store manages branch output tables for one run. All access flows through
// the run's coordinator, so there is no internal locking.
type Store struct {
	models map[string]*schema.Model
}

// NewStore creates an empty branch store.
func NewStore() *Store {
	return &Store{models: make(map[string]*schema.Model)}
}

// Initialize creates the branch output table for a token from the task's
// output schema. Idempotent, so resumed runs can re-attach to existing
// tables.
func (s *Store) Initialize(ctx context.Context, db schema.DBTX, tokenID string, outputSchema *schema.Schema) error {
	model, ok := s.models[tokenID]
	if !ok {
		// Branch outputs are written whole, so required properties map to
		// NOT NULL columns.
		var err error
		model, err = schema.Generate(TableName(tokenID), outputSchema, schema.Options{RequireNotNull: true})
		if err != nil {
			return fmt.Errorf("generating branch model for token %s: %w", tokenID, err)
		}
		s.models[tokenID] = model
	}
	return model.CreateTables(ctx, db)
}

// Apply validates and writes a token's task output into its branch table.
func (s *Store) Apply(ctx context.Context, db schema.DBTX, tokenID string, doc map[string]any) error {
	model, ok := s.models[tokenID]
	if !ok {
		return &wondererr.NotFoundError{Resource: "branch table", ID: tokenID}
	}
	return model.InsertDocument(ctx, db, doc)
}

// Read returns a token's branch output document, nil when the branch has
// not written output.
func (s *Store) Read(ctx context.Context, db schema.DBTX, tokenID string) (map[string]any, error) {
	model, ok := s.models[tokenID]
	if !ok {
		return nil, &wondererr.NotFoundError{Resource: "branch table", ID: tokenID}
	}
	return model.ReadDocument(ctx, db)
}

// Drop removes a token's branch table and forgets its model.
func (s *Store) Drop(ctx context.Context, db schema.DBTX, tokenID string) error {
	model, ok := s.models[tokenID]
	if !ok {
		return nil
	}
	if err := model.DropTables(ctx, db); err != nil {
		return err
	}
	delete(s.models, tokenID)
	return nil
}

// Has reports whether a branch table is registered for the token.
func (s *Store) Has(tokenID string) bool {
	_, ok := s.models[tokenID]
	return ok
}

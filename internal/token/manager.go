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

package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ronkeiser/wonder/internal/store"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Manager persists tokens in the per-run store.
type Manager struct {
	runID string
}

// NewManager creates a token manager for one run.
func NewManager(runID string) *Manager {
	return &Manager{runID: runID}
}

// CreateParams holds the fields for a new token.
type CreateParams struct {
	ID              string
	NodeID          string
	PathID          string
	ParentTokenID   string
	SiblingGroup    string
	BranchIndex     int
	BranchTotal     int
	IterationCounts map[string]int
}

// Create inserts a new token with status pending.
func (m *Manager) Create(ctx context.Context, db store.DBTX, p CreateParams) (*Token, error) {
	now := time.Now().UTC()
	iterJSON, err := json.Marshal(p.IterationCounts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal iteration counts: %w", err)
	}

	branchTotal := p.BranchTotal
	if branchTotal == 0 {
		branchTotal = 1
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO tokens (id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, iteration_counts, arrived_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, m.runID, p.NodeID, p.PathID, nullString(p.ParentTokenID), nullString(p.SiblingGroup),
		p.BranchIndex, branchTotal, StatusPending, string(iterJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to create token %s: %w", p.ID, err)
	}

	return &Token{
		ID:              p.ID,
		RunID:           m.runID,
		NodeID:          p.NodeID,
		PathID:          p.PathID,
		ParentTokenID:   p.ParentTokenID,
		SiblingGroup:    p.SiblingGroup,
		BranchIndex:     p.BranchIndex,
		BranchTotal:     branchTotal,
		Status:          StatusPending,
		IterationCounts: p.IterationCounts,
		ArrivedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Get retrieves a token by id.
func (m *Manager) Get(ctx context.Context, db store.DBTX, id string) (*Token, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, failure_reason, retry_count,
			iteration_counts, arrived_at, created_at, updated_at
		FROM tokens WHERE id = ?`, id)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, &wondererr.NotFoundError{Resource: "token", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token %s: %w", id, err)
	}
	return tok, nil
}

// UpdateStatus performs a conditional status transition: the token moves to
// toStatus only if its current status is in fromStatuses. Returns true when
// the transition applied. Used as the guard for cancellation and activation.
func (m *Manager) UpdateStatus(ctx context.Context, db store.DBTX, id string, fromStatuses []Status, toStatus Status) (bool, error) {
	if len(fromStatuses) == 0 {
		return false, fmt.Errorf("empty fromStatuses for token %s", id)
	}

	placeholders := strings.Repeat("?, ", len(fromStatuses)-1) + "?"
	args := []any{toStatus, time.Now().UTC().Format(time.RFC3339Nano), id}
	for _, s := range fromStatuses {
		args = append(args, s)
	}

	res, err := db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tokens SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (%s)`, placeholders), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update token %s status: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for token %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkDispatched moves a pending token to dispatched.
func (m *Manager) MarkDispatched(ctx context.Context, db store.DBTX, id string) (bool, error) {
	return m.UpdateStatus(ctx, db, id, []Status{StatusPending}, StatusDispatched)
}

// MarkExecuting moves a dispatched token to executing (executor acknowledge).
func (m *Manager) MarkExecuting(ctx context.Context, db store.DBTX, id string) (bool, error) {
	return m.UpdateStatus(ctx, db, id, []Status{StatusDispatched}, StatusExecuting)
}

// MarkWaiting parks a token in waiting_for_siblings.
func (m *Manager) MarkWaiting(ctx context.Context, db store.DBTX, id string) (bool, error) {
	return m.UpdateStatus(ctx, db, id, []Status{StatusPending, StatusDispatched, StatusExecuting}, StatusWaitingForSiblings)
}

// Complete moves a token to completed. Waiting tokens complete on fan-in
// activation; executing tokens complete on executor result.
func (m *Manager) Complete(ctx context.Context, db store.DBTX, id string) (bool, error) {
	return m.UpdateStatus(ctx, db, id,
		[]Status{StatusPending, StatusDispatched, StatusExecuting, StatusWaitingForSiblings, StatusWaitingForSubworkflow},
		StatusCompleted)
}

// Fail moves a token to failed and records the reason.
func (m *Manager) Fail(ctx context.Context, db store.DBTX, id, reason string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE tokens SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?, ?)`,
		StatusFailed, reason, time.Now().UTC().Format(time.RFC3339Nano), id,
		StatusPending, StatusDispatched, StatusExecuting, StatusWaitingForSiblings, StatusWaitingForSubworkflow)
	if err != nil {
		return false, fmt.Errorf("failed to fail token %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel moves any non-terminal token to cancelled.
func (m *Manager) Cancel(ctx context.Context, db store.DBTX, id string) (bool, error) {
	return m.UpdateStatus(ctx, db, id, NonTerminal(), StatusCancelled)
}

// TimeOut moves any non-terminal token to timed_out.
func (m *Manager) TimeOut(ctx context.Context, db store.DBTX, id string) (bool, error) {
	return m.UpdateStatus(ctx, db, id, NonTerminal(), StatusTimedOut)
}

// IncrementRetry bumps the retry counter and returns the new count.
func (m *Manager) IncrementRetry(ctx context.Context, db store.DBTX, id string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		UPDATE tokens SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? RETURNING retry_count`,
		time.Now().UTC().Format(time.RFC3339Nano), id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for token %s: %w", id, err)
	}
	return count, nil
}

// GetSiblingCounts summarizes the statuses of a sibling group. Each branch
// is represented by its frontier token: the newest token created in the
// group for that branch index. A completed frontier token that has spawned
// children (a branch that descended into a nested fan-out) counts as in
// flight, not completed; the branch is still working.
func (m *Manager) GetSiblingCounts(ctx context.Context, db store.DBTX, siblingGroup string) (SiblingCounts, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.status,
			EXISTS (SELECT 1 FROM tokens c WHERE c.parent_token_id = t.id) AS has_child,
			COUNT(*)
		FROM tokens t
		WHERE t.sibling_group = ?1
		AND t.rowid = (
			SELECT MAX(t2.rowid) FROM tokens t2
			WHERE t2.sibling_group = ?1 AND t2.branch_index = t.branch_index)
		GROUP BY t.status, has_child`, siblingGroup)
	if err != nil {
		return SiblingCounts{}, fmt.Errorf("failed to count siblings in %s: %w", siblingGroup, err)
	}
	defer rows.Close()

	var counts SiblingCounts
	for rows.Next() {
		var status Status
		var hasChild bool
		var n int
		if err := rows.Scan(&status, &hasChild, &n); err != nil {
			return SiblingCounts{}, fmt.Errorf("failed to scan sibling counts: %w", err)
		}
		counts.Total += n
		switch {
		case status == StatusCompleted && hasChild:
			counts.InFlight += n
		case status == StatusCompleted:
			counts.Completed += n
		case status == StatusFailed || status == StatusTimedOut:
			counts.Failed += n
		case status == StatusCancelled:
			counts.Cancelled += n
		case status == StatusWaitingForSiblings:
			counts.Waiting += n
		default:
			counts.InFlight += n
		}
	}
	return counts, rows.Err()
}

// ListByGroup returns the tokens in a sibling group ordered by branch index.
func (m *Manager) ListByGroup(ctx context.Context, db store.DBTX, siblingGroup string) ([]*Token, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, failure_reason, retry_count,
			iteration_counts, arrived_at, created_at, updated_at
		FROM tokens WHERE sibling_group = ? ORDER BY branch_index ASC`, siblingGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling group %s: %w", siblingGroup, err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// GroupOrigin returns the token whose completion spawned a sibling group:
// the parent of the group's first generation. Fan-in continuations rejoin
// this token's group so nested fan-outs unwind level by level.
func (m *Manager) GroupOrigin(ctx context.Context, db store.DBTX, siblingGroup string) (*Token, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, failure_reason, retry_count,
			iteration_counts, arrived_at, created_at, updated_at
		FROM tokens
		WHERE id = (
			SELECT parent_token_id FROM tokens
			WHERE sibling_group = ? AND parent_token_id IS NOT NULL
			ORDER BY rowid ASC LIMIT 1)`, siblingGroup)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, &wondererr.NotFoundError{Resource: "sibling group origin", ID: siblingGroup}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve origin of sibling group %s: %w", siblingGroup, err)
	}
	return tok, nil
}

// ListByStatus returns every token in one of the given statuses.
func (m *Manager) ListByStatus(ctx context.Context, db store.DBTX, statuses ...Status) ([]*Token, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, failure_reason, retry_count,
			iteration_counts, arrived_at, created_at, updated_at
		FROM tokens WHERE status IN (%s) ORDER BY created_at ASC`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens by status: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// CountNonTerminal returns the number of tokens still in flight.
func (m *Manager) CountNonTerminal(ctx context.Context, db store.DBTX) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tokens WHERE status IN (?, ?, ?, ?, ?)`,
		StatusPending, StatusDispatched, StatusExecuting,
		StatusWaitingForSiblings, StatusWaitingForSubworkflow).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal tokens: %w", err)
	}
	return n, nil
}

// CountUnconsumedFailures counts failed and timed-out tokens whose failure
// was never absorbed by a fan-in: tokens outside any sibling group, or in a
// group that never activated. A run cannot complete while any exist.
func (m *Manager) CountUnconsumedFailures(ctx context.Context, db store.DBTX) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tokens
		WHERE status IN (?, ?)
		AND (sibling_group IS NULL
			OR sibling_group NOT IN (SELECT sibling_group FROM fan_in_activations))`,
		StatusFailed, StatusTimedOut).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unconsumed failures: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of tokens in the given status.
func (m *Manager) CountByStatus(ctx context.Context, db store.DBTX, status Status) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tokens by status: %w", err)
	}
	return n, nil
}

// EarliestArrival returns the earliest arrived_at across a sibling group.
// The synchronization timeout clock starts here.
func (m *Manager) EarliestArrival(ctx context.Context, db store.DBTX, siblingGroup string) (time.Time, error) {
	var raw sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT MIN(arrived_at) FROM tokens WHERE sibling_group = ?`, siblingGroup).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read earliest arrival for %s: %w", siblingGroup, err)
	}
	if !raw.Valid {
		return time.Time{}, &wondererr.NotFoundError{Resource: "sibling group", ID: siblingGroup}
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse arrival timestamp: %w", err)
	}
	return t, nil
}

// TryActivateFanIn attempts to claim the single activation slot for a
// sibling group. The first INSERT wins; a primary-key conflict means another
// activation already succeeded. Exactly one caller ever receives true.
func (m *Manager) TryActivateFanIn(ctx context.Context, db store.DBTX, siblingGroup, activatorTokenID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO fan_in_activations (sibling_group, winner_token_id, activated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (sibling_group) DO NOTHING`,
		siblingGroup, activatorTokenID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to activate fan-in for %s: %w", siblingGroup, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read activation result for %s: %w", siblingGroup, err)
	}
	return n > 0, nil
}

// FanInActivated reports whether the sibling group's fan-in already fired.
func (m *Manager) FanInActivated(ctx context.Context, db store.DBTX, siblingGroup string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `
		SELECT 1 FROM fan_in_activations WHERE sibling_group = ?`, siblingGroup).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check fan-in activation for %s: %w", siblingGroup, err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var tok Token
	var parentID, siblingGroup, failureReason, iterJSON sql.NullString
	var arrivedAt, createdAt, updatedAt string

	err := row.Scan(&tok.ID, &tok.RunID, &tok.NodeID, &tok.PathID, &parentID, &siblingGroup,
		&tok.BranchIndex, &tok.BranchTotal, &tok.Status, &failureReason, &tok.RetryCount,
		&iterJSON, &arrivedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		tok.ParentTokenID = parentID.String
	}
	if siblingGroup.Valid {
		tok.SiblingGroup = siblingGroup.String
	}
	if failureReason.Valid {
		tok.FailureReason = failureReason.String
	}
	if iterJSON.Valid && iterJSON.String != "" && iterJSON.String != "null" {
		if err := json.Unmarshal([]byte(iterJSON.String), &tok.IterationCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal iteration counts: %w", err)
		}
	}

	tok.ArrivedAt, _ = time.Parse(time.RFC3339Nano, arrivedAt)
	tok.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	tok.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &tok, nil
}

func scanTokens(rows *sql.Rows) ([]*Token, error) {
	var tokens []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

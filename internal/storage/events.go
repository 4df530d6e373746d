// Copyright 2025 Storyvault Authors
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

package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"storyvault/internal/common"
)

// EventLogFile is the SQLite-backed append-only event log of a data root.
// Events are never updated or deleted; branches are soft-deleted so their
// events stay reachable from other lineages.
type EventLogFile struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// CreateEventLog creates a new event log file with the default branch.
func CreateEventLog(path string, ctx DBContext) (*EventLogFile, error) {
	db, err := openDatabase(path, ctx, FileTypeEvents, eventsSchema, initEventsFile, true)
	if err != nil {
		return nil, err
	}
	el := &EventLogFile{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}

	if _, err := el.InsertBranch(context.Background(), DefaultBranch, ""); err != nil {
		el.Close()
		return nil, err
	}
	return el, nil
}

// OpenEventLog opens an existing event log file.
func OpenEventLog(path string, ctx DBContext) (*EventLogFile, error) {
	db, err := openDatabase(path, ctx, FileTypeEvents, eventsSchema, initEventsFile, false)
	if err != nil {
		return nil, err
	}
	return &EventLogFile{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}, nil
}

// OpenOrCreateEventLog opens an existing event log or creates a new one.
func OpenOrCreateEventLog(path string, ctx DBContext) (*EventLogFile, error) {
	if el, err := OpenEventLog(path, ctx); err == nil {
		return el, nil
	} else if !strings.Contains(err.Error(), "file not found") {
		return nil, err
	}
	return CreateEventLog(path, ctx)
}

// Close closes the database connection
func (el *EventLogFile) Close() error {
	if el.db != nil {
		return el.db.Close()
	}
	return nil
}

// Path returns the database file path
func (el *EventLogFile) Path() string {
	return el.path
}

// RunInTx wraps fn in a single SQLite transaction.
func (el *EventLogFile) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return el.bun.RunInTx(ctx, nil, fn)
}

// --- Events ---

// InsertEventWith appends one immutable event row within a transaction.
func (el *EventLogFile) InsertEventWith(idb bun.IDB, ctx context.Context, m *EventModel) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	_, err := idb.NewInsert().Model(m).Exec(ctx)
	return err
}

// GetEvent retrieves an event by id.
func (el *EventLogFile) GetEvent(ctx context.Context, id string) (*EventModel, error) {
	var m EventModel
	err := el.bun.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AncestorChain returns the ancestor chain of the given event, oldest first
// (forest root through the event itself). A single recursive CTE keeps the
// walk inside SQLite instead of one round-trip per hop.
//
// The UNION (not UNION ALL) makes the walk terminate even on a corrupted
// cyclic chain; callers detect the cycle by checking chain length against
// the depth guard.
func (el *EventLogFile) AncestorChain(ctx context.Context, eventID string) ([]EventModel, error) {
	var chain []EventModel
	err := el.bun.NewRaw(`
		WITH RECURSIVE ancestors(id, parent_event_id, branch_id, kind, entity_id, payload, created_at, depth) AS (
			SELECT id, parent_event_id, branch_id, kind, entity_id, payload, created_at, 0
			FROM events WHERE id = ?
			UNION
			SELECT e.id, e.parent_event_id, e.branch_id, e.kind, e.entity_id, e.payload, e.created_at, a.depth + 1
			FROM events e
			INNER JOIN ancestors a ON e.id = a.parent_event_id
			WHERE a.depth < ?
		)
		SELECT id, parent_event_id, branch_id, kind, entity_id, payload, created_at
		FROM ancestors
		ORDER BY depth DESC
	`, eventID, MaxChainDepth).Scan(ctx, &chain)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, common.ErrNotFound
	}
	return chain, nil
}

// MaxChainDepth bounds ancestor walks. Branch depth is bounded by realistic
// usage; hitting the guard means the parent chain is corrupt. A variable so
// tests can lower it to exercise the cycle guard without a million rows.
var MaxChainDepth = 1_000_000

// IsAncestor reports whether ancestorID appears on the ancestor chain of
// eventID (inclusive: an event is its own ancestor).
func (el *EventLogFile) IsAncestor(ctx context.Context, ancestorID, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var found int
	err := el.bun.NewRaw(`
		WITH RECURSIVE ancestors(id, parent_event_id, depth) AS (
			SELECT id, parent_event_id, 0 FROM events WHERE id = ?
			UNION
			SELECT e.id, e.parent_event_id, a.depth + 1
			FROM events e
			INNER JOIN ancestors a ON e.id = a.parent_event_id
			WHERE a.depth < ?
		)
		SELECT EXISTS(SELECT 1 FROM ancestors WHERE id = ?)
	`, eventID, MaxChainDepth, ancestorID).Scan(ctx, &found)
	if err != nil {
		return false, err
	}
	return found == 1, nil
}

// CountEvents returns the total number of events, optionally for one branch.
func (el *EventLogFile) CountEvents(ctx context.Context, branchID string) (int, error) {
	sel := el.bun.NewSelect().Model((*EventModel)(nil))
	if branchID != "" {
		sel = sel.Where("branch_id = ?", branchID)
	}
	return sel.Count(ctx)
}

// ListEventsByBranch returns a branch's own events, oldest first. This is
// the branch's appended rows only, not its full reachable lineage.
func (el *EventLogFile) ListEventsByBranch(ctx context.Context, branchID string, limit int) ([]EventModel, error) {
	var models []EventModel
	sel := el.bun.NewSelect().
		Model(&models).
		Where("branch_id = ?", branchID).
		Order("created_at").Order("id")
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	return models, nil
}

// --- Branches ---

// InsertBranch creates a branch row pointing at headEventID (may be empty
// for a root branch). Returns common.ErrDuplicateBranch on a live name
// collision.
func (el *EventLogFile) InsertBranch(ctx context.Context, name, headEventID string) (*BranchModel, error) {
	existing, err := el.GetBranchByName(ctx, name)
	if err != nil && err != common.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		return nil, common.ErrDuplicateBranch
	}

	m := &BranchModel{
		ID:          uuid.NewString(),
		Name:        name,
		HeadEventID: headEventID,
		CreatedAt:   time.Now().Unix(),
	}
	if _, err := el.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// GetBranchByName retrieves a live (not soft-deleted) branch by name.
func (el *EventLogFile) GetBranchByName(ctx context.Context, name string) (*BranchModel, error) {
	var m BranchModel
	err := el.bun.NewSelect().
		Model(&m).
		Where("name = ?", name).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetBranch retrieves a branch by id, including soft-deleted ones.
func (el *EventLogFile) GetBranch(ctx context.Context, id string) (*BranchModel, error) {
	var m BranchModel
	err := el.bun.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListBranches returns all live branches ordered by creation time.
func (el *EventLogFile) ListBranches(ctx context.Context) ([]BranchModel, error) {
	var models []BranchModel
	err := el.bun.NewSelect().
		Model(&models).
		Where("deleted_at IS NULL").
		Order("created_at").Order("name").
		Scan(ctx)
	return models, err
}

// UpdateBranchHeadWith advances a branch head within a transaction.
func (el *EventLogFile) UpdateBranchHeadWith(idb bun.IDB, ctx context.Context, branchID, headEventID string) error {
	_, err := idb.NewUpdate().
		Model((*BranchModel)(nil)).
		Set("head_event_id = ?", headEventID).
		Where("id = ?", branchID).
		Exec(ctx)
	return err
}

// SoftDeleteBranch marks a branch deleted. Its events remain; they stay
// reachable from any branch forked below its old head.
func (el *EventLogFile) SoftDeleteBranch(ctx context.Context, name string) error {
	res, err := el.bun.NewUpdate().
		Model((*BranchModel)(nil)).
		Set("deleted_at = ?", time.Now().Unix()).
		Where("name = ?", name).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return common.ErrNotFound
	}
	return nil
}

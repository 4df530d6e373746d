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
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"storyvault/internal/common"
)

// IndexFile is the SQLite-backed relational index of a data root. It is a
// derived cache of the entity files: queryable, never authoritative, and
// fully rebuildable by rescanning the entities directory.
type IndexFile struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// CreateIndex creates a new index database file.
func CreateIndex(path string, ctx DBContext) (*IndexFile, error) {
	db, err := openDatabase(path, ctx, FileTypeIndex, indexSchema, initIndexFile, true)
	if err != nil {
		return nil, err
	}
	return &IndexFile{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}, nil
}

// OpenIndex opens an existing index database file.
func OpenIndex(path string, ctx DBContext) (*IndexFile, error) {
	db, err := openDatabase(path, ctx, FileTypeIndex, indexSchema, initIndexFile, false)
	if err != nil {
		return nil, err
	}
	return &IndexFile{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}, nil
}

// OpenOrCreateIndex opens an existing index file or creates a new one.
func OpenOrCreateIndex(path string, ctx DBContext) (*IndexFile, error) {
	if idx, err := OpenIndex(path, ctx); err == nil {
		return idx, nil
	} else if !strings.Contains(err.Error(), "file not found") {
		return nil, err
	}
	return CreateIndex(path, ctx)
}

// Close closes the database connection
func (ix *IndexFile) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Path returns the database file path
func (ix *IndexFile) Path() string {
	return ix.path
}

// RunInTx wraps fn in a single SQLite transaction. All `...With` methods
// called inside fn share that transaction; nothing is visible until commit.
func (ix *IndexFile) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return ix.bun.RunInTx(ctx, nil, fn)
}

// --- Entity rows ---

// UpsertEntityWith inserts or replaces an entity row and its relationship
// edges within the given transaction. Mutations outside a Write Coordinator
// transaction are a bug, so no non-tx variant exists.
func (ix *IndexFile) UpsertEntityWith(idb bun.IDB, ctx context.Context, m *EntityModel, rels []RelationshipModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("type = EXCLUDED.type").
		Set("name = EXCLUDED.name").
		Set("path = EXCLUDED.path").
		Set("content_hash = EXCLUDED.content_hash").
		Set("parent_id = EXCLUDED.parent_id").
		Set("sort_order = EXCLUDED.sort_order").
		Set("labels = EXCLUDED.labels").
		Set("payload = EXCLUDED.payload").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return err
	}

	// Edges are replaced wholesale; the entity file is the truth for them.
	if _, err := idb.NewDelete().
		Model((*RelationshipModel)(nil)).
		Where("source_id = ?", m.ID).
		Exec(ctx); err != nil {
		return err
	}
	if len(rels) > 0 {
		if _, err := idb.NewInsert().Model(&rels).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEntityWith removes an entity row and its outgoing edges within the
// given transaction.
func (ix *IndexFile) DeleteEntityWith(idb bun.IDB, ctx context.Context, id string) error {
	if _, err := idb.NewDelete().
		Model((*RelationshipModel)(nil)).
		Where("source_id = ?", id).
		Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().
		Model((*EntityModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// GetEntity retrieves a single entity row by id.
func (ix *IndexFile) GetEntity(ctx context.Context, id string) (*EntityRow, error) {
	var m EntityModel
	err := ix.bun.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.ToRow(), nil
}

// GetEntityByPath retrieves a single entity row by file path.
func (ix *IndexFile) GetEntityByPath(ctx context.Context, path string) (*EntityRow, error) {
	var m EntityModel
	err := ix.bun.NewSelect().
		Model(&m).
		Where("path = ?", path).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.ToRow(), nil
}

// EntityQuery narrows a Query call. Zero values mean "no constraint".
// Attrs filters compare json_extract(payload, '$.<key>') against the given
// value, so nested keys use dotted paths ("traits.brave").
type EntityQuery struct {
	Type     string
	ParentID string
	Label    string
	Attrs    map[string]any
	Limit    int
}

// QueryEntities returns entity rows matching the query, ordered by
// (type, sort_order, id). Never a full payload scan: every filter resolves
// through an indexed column or a JSON path predicate.
func (ix *IndexFile) QueryEntities(ctx context.Context, q EntityQuery) ([]*EntityRow, error) {
	var models []EntityModel
	sel := ix.bun.NewSelect().Model(&models)
	if q.Type != "" {
		sel = sel.Where("type = ?", q.Type)
	}
	if q.ParentID != "" {
		sel = sel.Where("parent_id = ?", q.ParentID)
	}
	if q.Label != "" {
		sel = sel.Where("EXISTS (SELECT 1 FROM json_each(labels) WHERE json_each.value = ?)", q.Label)
	}
	for key, val := range q.Attrs {
		sel = sel.Where("json_extract(payload, ?) = ?", "$."+key, val)
	}
	sel = sel.Order("type").Order("sort_order").Order("id")
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}

	rows := make([]*EntityRow, len(models))
	for i := range models {
		rows[i] = models[i].ToRow()
	}
	return rows, nil
}

// QueryEntitiesByTypes returns rows for any of the given types in one query.
func (ix *IndexFile) QueryEntitiesByTypes(ctx context.Context, types []string) ([]*EntityRow, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var models []EntityModel
	err := ix.bun.NewSelect().
		Model(&models).
		Where("type IN (?)", bun.In(types)).
		Order("type").Order("sort_order").Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]*EntityRow, len(models))
	for i := range models {
		rows[i] = models[i].ToRow()
	}
	return rows, nil
}

// Neighbor is one edge incident to a queried entity plus the row at the
// other end.
type Neighbor struct {
	Kind     string
	Outgoing bool
	Row      *EntityRow
}

// Neighbors returns the one-hop neighborhood of an entity: every entity
// connected by an edge in either direction, with the edge kind.
func (ix *IndexFile) Neighbors(ctx context.Context, id string) ([]Neighbor, error) {
	type edge struct {
		SourceID string `bun:"source_id"`
		TargetID string `bun:"target_id"`
		Kind     string `bun:"kind"`
	}
	var edges []edge
	err := ix.bun.NewRaw(`
		SELECT source_id, target_id, kind FROM relationships
		WHERE source_id = ? OR target_id = ?
		ORDER BY kind, source_id, target_id
	`, id, id).Scan(ctx, &edges)
	if err != nil {
		return nil, err
	}

	neighbors := make([]Neighbor, 0, len(edges))
	for _, e := range edges {
		otherID := e.TargetID
		outgoing := true
		if e.SourceID != id {
			otherID = e.SourceID
			outgoing = false
		}
		row, err := ix.GetEntity(ctx, otherID)
		if err == common.ErrNotFound {
			// Dangling edge: target file was never indexed. Skip rather
			// than fail the whole neighborhood.
			continue
		}
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, Neighbor{Kind: e.Kind, Outgoing: outgoing, Row: row})
	}
	return neighbors, nil
}

// CountEntities returns the number of indexed entities, optionally of one type.
func (ix *IndexFile) CountEntities(ctx context.Context, typ string) (int, error) {
	sel := ix.bun.NewSelect().Model((*EntityModel)(nil))
	if typ != "" {
		sel = sel.Where("type = ?", typ)
	}
	return sel.Count(ctx)
}

// TypeCount is one row of the per-type entity census.
type TypeCount struct {
	Type  string `bun:"type"`
	Count int    `bun:"count"`
}

// CountEntitiesByType returns entity counts grouped by type, ordered by type.
func (ix *IndexFile) CountEntitiesByType(ctx context.Context) ([]TypeCount, error) {
	var counts []TypeCount
	err := ix.bun.NewSelect().
		Model((*EntityModel)(nil)).
		ColumnExpr("type, count(*) AS count").
		Group("type").
		Order("type").
		Scan(ctx, &counts)
	if err != nil {
		return nil, fmt.Errorf("count entities by type: %w", err)
	}
	return counts, nil
}

// --- Sync metadata ---

// UpsertSyncMetadataWith records file bookkeeping within a transaction.
func (ix *IndexFile) UpsertSyncMetadataWith(idb bun.IDB, ctx context.Context, m *SyncMetadataModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (path) DO UPDATE").
		Set("entity_id = EXCLUDED.entity_id").
		Set("entity_type = EXCLUDED.entity_type").
		Set("content_hash = EXCLUDED.content_hash").
		Set("mtime_ns = EXCLUDED.mtime_ns").
		Set("indexed_at = EXCLUDED.indexed_at").
		Set("size = EXCLUDED.size").
		Exec(ctx)
	return err
}

// TouchSyncMetadataWith updates only the recorded mtime, for files whose
// content hash is unchanged but whose mtime moved (external touch).
func (ix *IndexFile) TouchSyncMetadataWith(idb bun.IDB, ctx context.Context, path string, mtimeNS int64) error {
	_, err := idb.NewUpdate().
		Model((*SyncMetadataModel)(nil)).
		Set("mtime_ns = ?", mtimeNS).
		Set("indexed_at = ?", time.Now().Unix()).
		Where("path = ?", path).
		Exec(ctx)
	return err
}

// DeleteSyncMetadataWith removes the row for a deleted file.
func (ix *IndexFile) DeleteSyncMetadataWith(idb bun.IDB, ctx context.Context, path string) error {
	_, err := idb.NewDelete().
		Model((*SyncMetadataModel)(nil)).
		Where("path = ?", path).
		Exec(ctx)
	return err
}

// GetSyncMetadata retrieves the bookkeeping row for a path.
func (ix *IndexFile) GetSyncMetadata(ctx context.Context, path string) (*SyncMetadataModel, error) {
	var m SyncMetadataModel
	err := ix.bun.NewSelect().
		Model(&m).
		Where("path = ?", path).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListSyncMetadata returns all bookkeeping rows keyed by path.
func (ix *IndexFile) ListSyncMetadata(ctx context.Context) (map[string]*SyncMetadataModel, error) {
	var models []SyncMetadataModel
	if err := ix.bun.NewSelect().Model(&models).Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]*SyncMetadataModel, len(models))
	for i := range models {
		out[models[i].Path] = &models[i]
	}
	return out, nil
}

// Reset wipes every derived row. Only a forced full reindex calls this.
func (ix *IndexFile) Reset(ctx context.Context) error {
	return ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []any{
			(*RelationshipModel)(nil),
			(*SyncMetadataModel)(nil),
			(*EntityModel)(nil),
		} {
			if _, err := tx.NewDelete().Model(model).Where("1 = 1").Exec(ctx); err != nil {
				return fmt.Errorf("reset index: %w", err)
			}
		}
		return nil
	})
}

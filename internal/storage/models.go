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
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"storyvault/internal/entity"
)

// Bun ORM models for the storyvault database tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// EntityModel represents the entities table (relational index projection)
type EntityModel struct {
	bun.BaseModel `bun:"table:entities"`

	ID          string `bun:"id,pk"`
	Type        string `bun:"type,notnull"`
	Name        string `bun:"name,notnull"`
	Path        string `bun:"path,notnull"`
	ContentHash string `bun:"content_hash,notnull"`
	ParentID    string `bun:"parent_id,nullzero"`
	SortOrder   int64  `bun:"sort_order,notnull"`
	Labels      string `bun:"labels,notnull"`  // JSON array
	Payload     string `bun:"payload,notnull"` // JSON object (entity attrs)
	CreatedAt   int64  `bun:"created_at,notnull"` // Unix timestamp
	UpdatedAt   int64  `bun:"updated_at,notnull"` // Unix timestamp
}

// EntityModelFromEntity projects an entity plus its file bookkeeping into an
// index row. Labels and payload are stored as JSON so queries can use
// json_each / json_extract.
func EntityModelFromEntity(e *entity.Entity, path, contentHash string) (*EntityModel, error) {
	labels, err := json.Marshal(orEmptySlice(e.Labels))
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(orEmptyMap(e.Attrs))
	if err != nil {
		return nil, err
	}
	return &EntityModel{
		ID:          e.ID,
		Type:        e.Type,
		Name:        e.Name,
		Path:        path,
		ContentHash: contentHash,
		ParentID:    e.ParentID,
		SortOrder:   int64(e.SortOrder),
		Labels:      string(labels),
		Payload:     string(payload),
		CreatedAt:   e.CreatedAt.Unix(),
		UpdatedAt:   e.UpdatedAt.Unix(),
	}, nil
}

// EntityRow is the query-facing shape of an index row.
type EntityRow struct {
	ID          string
	Type        string
	Name        string
	Path        string
	ContentHash string
	ParentID    string
	SortOrder   int
	Labels      []string
	Payload     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToRow converts an EntityModel to an EntityRow, decoding the JSON columns.
func (m *EntityModel) ToRow() *EntityRow {
	row := &EntityRow{
		ID:          m.ID,
		Type:        m.Type,
		Name:        m.Name,
		Path:        m.Path,
		ContentHash: m.ContentHash,
		ParentID:    m.ParentID,
		SortOrder:   int(m.SortOrder),
		CreatedAt:   time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt:   time.Unix(m.UpdatedAt, 0).UTC(),
	}
	_ = json.Unmarshal([]byte(m.Labels), &row.Labels)
	_ = json.Unmarshal([]byte(m.Payload), &row.Payload)
	return row
}

// SyncMetadataModel represents the sync_metadata table
type SyncMetadataModel struct {
	bun.BaseModel `bun:"table:sync_metadata"`

	Path        string `bun:"path,pk"`
	EntityID    string `bun:"entity_id,notnull"`
	EntityType  string `bun:"entity_type,notnull"`
	ContentHash string `bun:"content_hash,notnull"`
	MtimeNS     int64  `bun:"mtime_ns,notnull"`
	IndexedAt   int64  `bun:"indexed_at,notnull"` // Unix timestamp
	Size        int64  `bun:"size,notnull"`
}

// RelationshipModel represents the relationships table
type RelationshipModel struct {
	bun.BaseModel `bun:"table:relationships"`

	SourceID string `bun:"source_id,pk"`
	TargetID string `bun:"target_id,pk"`
	Kind     string `bun:"kind,pk"`
}

// EventModel represents the events table. Rows are immutable once written.
type EventModel struct {
	bun.BaseModel `bun:"table:events"`

	ID            string `bun:"id,pk"`
	ParentEventID string `bun:"parent_event_id,nullzero"`
	BranchID      string `bun:"branch_id,notnull"`
	Kind          string `bun:"kind,notnull"`
	EntityID      string `bun:"entity_id,notnull"`
	Payload       string `bun:"payload,notnull"` // JSON
	CreatedAt     int64  `bun:"created_at,notnull"` // Unix timestamp
}

// BranchModel represents the branches table
type BranchModel struct {
	bun.BaseModel `bun:"table:branches"`

	ID          string `bun:"id,pk"`
	Name        string `bun:"name,notnull"`
	HeadEventID string `bun:"head_event_id,nullzero"`
	CreatedAt   int64  `bun:"created_at,notnull"` // Unix timestamp
	DeletedAt   int64  `bun:"deleted_at,nullzero"` // Soft delete marker
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

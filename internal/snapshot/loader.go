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

// Package snapshot batch-loads the entities one request step needs: one
// index query per scoped type, then cache-accelerated hydration of each
// row. The design amortizes a request's context assembly into a handful
// of queries plus only the file reads the cache cannot serve.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"storyvault/internal/cache"
	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/storage"
	"storyvault/internal/store"
)

// Scope describes what one request step needs loaded.
type Scope struct {
	Step         string   `json:"step"`
	ChapterID    string   `json:"chapter_id,omitempty"`
	SceneID      string   `json:"scene_id,omitempty"`
	CharacterIDs []string `json:"character_ids,omitempty"`
	AccessLevel  string   `json:"access_level,omitempty"`
	Budget       int      `json:"budget,omitempty"` // size budget, enforced by the assembler
}

// Metrics records what one Load cost.
type Metrics struct {
	Elapsed    time.Duration `json:"elapsed_ns"`
	Entities   int           `json:"entities"`
	CacheHits  uint64        `json:"cache_hits"`
	CacheMiss  uint64        `json:"cache_misses"`
	StoreReads int           `json:"store_reads"`
}

// Snapshot is the request-scoped bundle of hydrated entities, keyed by
// entity type in the scope's priority order.
type Snapshot struct {
	Scope    Scope
	Sections map[string][]*entity.Entity
	Order    []string // section keys, highest priority first
	Metrics  Metrics
}

// Loader wires the index, cache, and file store into batch loads.
type Loader struct {
	index *storage.IndexFile
	cache *cache.ChangeCache
	store *store.FileStore
}

// NewLoader builds a snapshot loader over an open vault's layers.
func NewLoader(index *storage.IndexFile, c *cache.ChangeCache, s *store.FileStore) *Loader {
	return &Loader{index: index, cache: c, store: s}
}

// Load resolves the scope's types through the scope table, queries the
// index for exactly those types under the scope's filters, and hydrates
// every row through the change cache with the file store as fallback.
func (l *Loader) Load(ctx context.Context, scope Scope) (*Snapshot, error) {
	start := time.Now()
	before := l.cache.Stats()

	types, err := TypesForStep(scope.Step, scope.AccessLevel)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Scope:    scope,
		Sections: make(map[string][]*entity.Entity, len(types)),
		Order:    types,
	}
	storeReads := 0
	for _, typ := range types {
		rows, err := l.queryType(ctx, scope, typ)
		if err != nil {
			return nil, err
		}
		entities := make([]*entity.Entity, 0, len(rows))
		for _, row := range rows {
			e, ok := l.cache.Get(row.Path)
			if !ok {
				e, err = l.store.ReadPath(row.Path)
				if err != nil {
					return nil, err
				}
				l.cache.Put(row.Path, e)
				storeReads++
			}
			entities = append(entities, e)
			snap.Metrics.Entities++
		}
		snap.Sections[typ] = entities
	}

	after := l.cache.Stats()
	snap.Metrics.Elapsed = time.Since(start)
	snap.Metrics.CacheHits = after.Hits - before.Hits
	snap.Metrics.CacheMiss = after.Misses - before.Misses
	snap.Metrics.StoreReads = storeReads
	return snap, nil
}

// queryType builds the per-type index query from the scope's filters.
// Scene-level types narrow to the requested scene or chapter; characters
// narrow to the requested cast. Unfiltered types load whole.
func (l *Loader) queryType(ctx context.Context, scope Scope, typ string) ([]*storage.EntityRow, error) {
	q := storage.EntityQuery{Type: typ}
	switch typ {
	case TypeScene, TypeStoryboard, TypeTranslation:
		if scope.SceneID != "" && typ == TypeScene {
			row, err := l.getTyped(ctx, scope.SceneID, typ)
			if err != nil {
				return nil, err
			}
			return []*storage.EntityRow{row}, nil
		}
		if scope.ChapterID != "" {
			q.ParentID = scope.ChapterID
		}
	case TypeChapter:
		if scope.ChapterID != "" {
			row, err := l.getTyped(ctx, scope.ChapterID, typ)
			if err != nil {
				return nil, err
			}
			return []*storage.EntityRow{row}, nil
		}
	case TypeCharacter:
		if len(scope.CharacterIDs) > 0 {
			rows := make([]*storage.EntityRow, 0, len(scope.CharacterIDs))
			for _, id := range scope.CharacterIDs {
				row, err := l.getTyped(ctx, id, typ)
				if err != nil {
					return nil, err
				}
				rows = append(rows, row)
			}
			return rows, nil
		}
	case TypeChat:
		if scope.SceneID != "" {
			q.ParentID = scope.SceneID
		}
	}
	return l.index.QueryEntities(ctx, q)
}

// getTyped resolves one scoped id and rejects the row when it is not of
// the expected type, so a mistyped scope id cannot load into the wrong
// section.
func (l *Loader) getTyped(ctx context.Context, id, typ string) (*storage.EntityRow, error) {
	row, err := l.index.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Type != typ {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", common.ErrNotFound, id, row.Type, typ)
	}
	return row, nil
}

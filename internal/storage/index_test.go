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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"storyvault/internal/common"
	"storyvault/internal/entity"
)

// testIndex creates a temporary index file for testing.
func testIndex(t *testing.T) *IndexFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	ix, err := CreateIndex(path, DBContextDefault)
	require.NoError(t, err, "failed to create index file")
	t.Cleanup(func() { ix.Close() })
	return ix
}

// upsertTestEntity writes one entity row (plus edges) through a transaction,
// the only way index mutations happen in production.
func upsertTestEntity(t *testing.T, ix *IndexFile, e *entity.Entity) {
	t.Helper()
	ctx := context.Background()
	m, err := EntityModelFromEntity(e, "/data/"+e.Type+"/"+e.ID+".yaml", "hash-"+e.ID)
	require.NoError(t, err)
	var rels []RelationshipModel
	for _, r := range e.Relationships {
		rels = append(rels, RelationshipModel{SourceID: e.ID, TargetID: r.TargetID, Kind: r.Kind})
	}
	err = ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return ix.UpsertEntityWith(tx, ctx, m, rels)
	})
	require.NoError(t, err)
}

func TestCreateIndex(t *testing.T) {
	t.Parallel()

	t.Run("creates new file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "index.db")
		ix, err := CreateIndex(path, DBContextDefault)
		require.NoError(t, err)
		defer ix.Close()
		assert.FileExists(t, path)
		assert.Equal(t, path, ix.Path())
	})

	t.Run("fails when file exists", func(t *testing.T) {
		t.Parallel()
		ix := testIndex(t)
		_, err := CreateIndex(ix.Path(), DBContextDefault)
		assert.Error(t, err)
	})
}

func TestOpenIndex(t *testing.T) {
	t.Parallel()

	t.Run("reopens existing file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "index.db")
		ix, err := CreateIndex(path, DBContextDefault)
		require.NoError(t, err)
		ix.Close()

		ix2, err := OpenIndex(path, DBContextDefault)
		require.NoError(t, err)
		defer ix2.Close()
	})

	t.Run("fails for nonexistent file", func(t *testing.T) {
		t.Parallel()
		_, err := OpenIndex("/nonexistent/index.db", DBContextDefault)
		assert.Error(t, err)
	})

	t.Run("fails for wrong file type", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "events.db")
		el, err := CreateEventLog(path, DBContextDefault)
		require.NoError(t, err)
		el.Close()

		_, err = OpenIndex(path, DBContextDefault)
		assert.Error(t, err)
	})
}

func TestUpsertAndGetEntity(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	e := entity.New("character", "Mira")
	e.Labels = []string{"protagonist"}
	e.Attrs = map[string]any{"age": 13, "home": map[string]any{"city": "Vel"}}
	upsertTestEntity(t, ix, e)

	row, err := ix.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", row.Name)
	assert.Equal(t, "character", row.Type)
	assert.Equal(t, []string{"protagonist"}, row.Labels)
	assert.Equal(t, "Vel", row.Payload["home"].(map[string]any)["city"])

	// Upsert replaces in place.
	e.Name = "Mira Voss"
	upsertTestEntity(t, ix, e)
	row, err = ix.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira Voss", row.Name)

	count, err := ix.CountEntities(ctx, "character")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetEntityNotFound(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)

	_, err := ix.GetEntity(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteEntity(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	e := entity.New("scene", "Opening")
	e.Relationships = []entity.Relationship{{Kind: "features", TargetID: "char-1"}}
	upsertTestEntity(t, ix, e)

	err := ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return ix.DeleteEntityWith(tx, ctx, e.ID)
	})
	require.NoError(t, err)

	_, err = ix.GetEntity(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	neighbors, err := ix.Neighbors(ctx, "char-1")
	require.NoError(t, err)
	assert.Empty(t, neighbors, "edges must go with the entity")
}

func TestQueryEntities(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	chapter := entity.New("chapter", "One")
	upsertTestEntity(t, ix, chapter)

	for i, name := range []string{"Opening", "Chase", "Reveal"} {
		sc := entity.New("scene", name)
		sc.ParentID = chapter.ID
		sc.SortOrder = i
		sc.Attrs = map[string]any{"status": "draft", "beat": name}
		if name == "Reveal" {
			sc.Attrs["status"] = "final"
			sc.Labels = []string{"climax"}
		}
		upsertTestEntity(t, ix, sc)
	}

	t.Run("by type", func(t *testing.T) {
		rows, err := ix.QueryEntities(ctx, EntityQuery{Type: "scene"})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
		assert.Equal(t, "Opening", rows[0].Name, "sorted by sort_order")
	})

	t.Run("by parent", func(t *testing.T) {
		rows, err := ix.QueryEntities(ctx, EntityQuery{ParentID: chapter.ID})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("by label", func(t *testing.T) {
		rows, err := ix.QueryEntities(ctx, EntityQuery{Type: "scene", Label: "climax"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Reveal", rows[0].Name)
	})

	t.Run("by payload attribute", func(t *testing.T) {
		rows, err := ix.QueryEntities(ctx, EntityQuery{
			Type:  "scene",
			Attrs: map[string]any{"status": "draft"},
		})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("limit", func(t *testing.T) {
		rows, err := ix.QueryEntities(ctx, EntityQuery{Type: "scene", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("multiple types", func(t *testing.T) {
		rows, err := ix.QueryEntitiesByTypes(ctx, []string{"chapter", "scene"})
		require.NoError(t, err)
		assert.Len(t, rows, 4)
	})
}

func TestNeighbors(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	char := entity.New("character", "Mira")
	loc := entity.New("location", "Harbor")
	scene := entity.New("scene", "Opening")
	scene.Relationships = []entity.Relationship{
		{Kind: "features", TargetID: char.ID},
		{Kind: "located_in", TargetID: loc.ID},
	}
	upsertTestEntity(t, ix, char)
	upsertTestEntity(t, ix, loc)
	upsertTestEntity(t, ix, scene)

	t.Run("outgoing", func(t *testing.T) {
		neighbors, err := ix.Neighbors(ctx, scene.ID)
		require.NoError(t, err)
		require.Len(t, neighbors, 2)
		for _, n := range neighbors {
			assert.True(t, n.Outgoing)
		}
	})

	t.Run("incoming", func(t *testing.T) {
		neighbors, err := ix.Neighbors(ctx, char.ID)
		require.NoError(t, err)
		require.Len(t, neighbors, 1)
		assert.False(t, neighbors[0].Outgoing)
		assert.Equal(t, "features", neighbors[0].Kind)
		assert.Equal(t, scene.ID, neighbors[0].Row.ID)
	})
}

func TestSyncMetadata(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	m := &SyncMetadataModel{
		Path:        "/data/scene/sc-1.yaml",
		EntityID:    "sc-1",
		EntityType:  "scene",
		ContentHash: "abc",
		MtimeNS:     123456789,
		IndexedAt:   100,
		Size:        42,
	}
	err := ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return ix.UpsertSyncMetadataWith(tx, ctx, m)
	})
	require.NoError(t, err)

	got, err := ix.GetSyncMetadata(ctx, m.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), got.MtimeNS)

	t.Run("touch updates mtime only", func(t *testing.T) {
		err := ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			return ix.TouchSyncMetadataWith(tx, ctx, m.Path, 987654321)
		})
		require.NoError(t, err)

		got, err := ix.GetSyncMetadata(ctx, m.Path)
		require.NoError(t, err)
		assert.Equal(t, int64(987654321), got.MtimeNS)
		assert.Equal(t, "abc", got.ContentHash)
	})

	t.Run("delete", func(t *testing.T) {
		err := ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			return ix.DeleteSyncMetadataWith(tx, ctx, m.Path)
		})
		require.NoError(t, err)

		_, err = ix.GetSyncMetadata(ctx, m.Path)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestTransactionRollback(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	e := entity.New("character", "Ghost")
	m, err := EntityModelFromEntity(e, "/data/character/ghost.yaml", "h")
	require.NoError(t, err)

	boom := assert.AnError
	err = ix.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := ix.UpsertEntityWith(tx, ctx, m, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = ix.GetEntity(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound, "rolled-back upsert must not be visible")
}

func TestReset(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	ctx := context.Background()

	upsertTestEntity(t, ix, entity.New("scene", "Opening"))
	require.NoError(t, ix.Reset(ctx))

	count, err := ix.CountEntities(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

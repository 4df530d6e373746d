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

package assemble

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"storyvault/internal/entity"
	"storyvault/internal/snapshot"
	"storyvault/internal/storage"
)

func testIndex(t *testing.T) *storage.IndexFile {
	t.Helper()
	ix, err := storage.CreateIndex(filepath.Join(t.TempDir(), "index.db"), storage.DBContextDefault)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func indexEntity(t *testing.T, ix *storage.IndexFile, e *entity.Entity) {
	t.Helper()
	m, err := storage.EntityModelFromEntity(e, "/x/"+e.ID+".yaml", "h")
	require.NoError(t, err)
	var rels []storage.RelationshipModel
	for _, r := range e.Relationships {
		rels = append(rels, storage.RelationshipModel{SourceID: e.ID, TargetID: r.TargetID, Kind: r.Kind})
	}
	err = ix.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return ix.UpsertEntityWith(tx, ctx, m, rels)
	})
	require.NoError(t, err)
}

// fakeSnapshot builds a snapshot without going through a loader.
func fakeSnapshot(step string, sections map[string][]*entity.Entity, order []string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Scope:    snapshot.Scope{Step: step},
		Sections: sections,
		Order:    order,
	}
}

func TestAssembleSections(t *testing.T) {
	t.Parallel()
	a := New(testIndex(t))

	scene := entity.New(snapshot.TypeScene, "Opening")
	mira := entity.New(snapshot.TypeCharacter, "Mira")
	snap := fakeSnapshot("draft_scene",
		map[string][]*entity.Entity{
			snapshot.TypeScene:     {scene},
			snapshot.TypeCharacter: {mira},
			snapshot.TypeLocation:  {},
		},
		[]string{snapshot.TypeScene, snapshot.TypeCharacter, snapshot.TypeLocation},
	)

	c, err := a.Assemble(context.Background(), snap, Options{})
	require.NoError(t, err)
	require.Len(t, c.Sections, 2, "empty sections are dropped")
	assert.Equal(t, snapshot.TypeScene, c.Sections[0].Name)
	assert.Less(t, c.Sections[0].Priority, c.Sections[1].Priority)
	assert.Positive(t, c.TotalCost)
	assert.Zero(t, c.TruncatedSections)
}

func TestAssembleTrimsToBudget(t *testing.T) {
	t.Parallel()
	a := New(testIndex(t))

	big := entity.New(snapshot.TypeWorldNote, "Atlas")
	big.Attrs = map[string]any{"text": strings.Repeat("lore ", 500)}
	scene := entity.New(snapshot.TypeScene, "Opening")
	snap := fakeSnapshot("draft_scene",
		map[string][]*entity.Entity{
			snapshot.TypeScene:     {scene},
			snapshot.TypeWorldNote: {big},
		},
		[]string{snapshot.TypeScene, snapshot.TypeWorldNote},
	)

	c, err := a.Assemble(context.Background(), snap, Options{Budget: 200})
	require.NoError(t, err)
	require.Len(t, c.Sections, 1, "world notes trimmed before the scene")
	assert.Equal(t, snapshot.TypeScene, c.Sections[0].Name)
	assert.Equal(t, 1, c.TruncatedSections)
	assert.Equal(t, 1, c.TruncatedEntities)
	assert.LessOrEqual(t, c.TotalCost, 200)

	t.Run("highest priority never trimmed", func(t *testing.T) {
		c, err := a.Assemble(context.Background(), snap, Options{Budget: 1})
		require.NoError(t, err)
		require.Len(t, c.Sections, 1)
		assert.Equal(t, snapshot.TypeScene, c.Sections[0].Name)
	})
}

func TestAssembleNeighborMerge(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)
	a := New(ix)
	ctx := context.Background()

	mira := entity.New(snapshot.TypeCharacter, "Mira")
	harbor := entity.New(snapshot.TypeLocation, "Harbor")
	scene := entity.New(snapshot.TypeScene, "Opening")
	scene.Relationships = []entity.Relationship{
		{Kind: "features", TargetID: mira.ID},
		{Kind: "located_in", TargetID: harbor.ID},
	}
	indexEntity(t, ix, mira)
	indexEntity(t, ix, harbor)
	indexEntity(t, ix, scene)

	snap := fakeSnapshot("draft_scene",
		map[string][]*entity.Entity{
			snapshot.TypeScene:     {scene},
			snapshot.TypeCharacter: {mira},
		},
		[]string{snapshot.TypeScene, snapshot.TypeCharacter},
	)

	c, err := a.Assemble(ctx, snap, Options{IncludeNeighbors: true})
	require.NoError(t, err)
	require.Len(t, c.Sections, 3)
	related := c.Sections[2]
	assert.Equal(t, RelatedSection, related.Name)
	require.Len(t, related.Entities, 1, "already loaded neighbors are not duplicated")
	assert.Equal(t, harbor.ID, related.Entities[0].ID)
	assert.Greater(t, related.Priority, c.Sections[1].Priority, "related trims first")
}

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()
	a := New(testIndex(t))

	mira := entity.New(snapshot.TypeCharacter, "Mira")
	mira.Labels = []string{"protagonist"}
	snap := fakeSnapshot("character_sheet",
		map[string][]*entity.Entity{snapshot.TypeCharacter: {mira}},
		[]string{snapshot.TypeCharacter},
	)
	c, err := a.Assemble(context.Background(), snap, Options{})
	require.NoError(t, err)

	out, err := Render(c, ModeMarkdown)
	require.NoError(t, err)
	assert.Contains(t, out, "# Context: character_sheet")
	assert.Contains(t, out, "### Mira")
	assert.Contains(t, out, "protagonist")
}

func TestRenderJSON(t *testing.T) {
	t.Parallel()

	c := &Context{Step: "chat", Sections: []Section{}}
	out, err := Render(c, ModeJSON)
	require.NoError(t, err)
	assert.Contains(t, out, `"step": "chat"`)
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()
	a := New(testIndex(t))

	scene := entity.New(snapshot.TypeScene, "Opening")
	snap := fakeSnapshot("draft_scene",
		map[string][]*entity.Entity{snapshot.TypeScene: {scene}},
		[]string{snapshot.TypeScene},
	)
	c, err := a.Assemble(context.Background(), snap, Options{})
	require.NoError(t, err)

	out, err := Render(c, ModeTemplate)
	require.NoError(t, err)
	assert.Contains(t, out, "CONTEXT draft_scene")
	assert.Contains(t, out, "- Opening")

	t.Run("custom template", func(t *testing.T) {
		out, err := RenderTemplate(c, "{{.Step}}:{{len .Sections}}")
		require.NoError(t, err)
		assert.Equal(t, "draft_scene:1", out)
	})

	t.Run("bad mode", func(t *testing.T) {
		_, err := Render(c, "xml")
		assert.Error(t, err)
	})
}

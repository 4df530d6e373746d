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

package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/storage"
)

func TestProjectState(t *testing.T) {
	t.Parallel()
	l := testLog(t)
	ctx := context.Background()

	mira := entity.New("character", "Mira")
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, mira)

	scene := entity.New("scene", "Opening")
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, scene)

	mira.Name = "Mira Voss"
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventUpdate, mira)

	payload, err := EncodePayload(nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, storage.DefaultBranch, storage.EventDelete, scene.ID, payload)
	require.NoError(t, err)

	state, err := l.ProjectState(ctx, storage.DefaultBranch)
	require.NoError(t, err)
	require.Len(t, state, 1, "deleted entity must not survive replay")
	assert.Equal(t, "Mira Voss", state[mira.ID].Name, "latest update wins")
}

func TestProjectStateEmptyBranch(t *testing.T) {
	t.Parallel()
	l := testLog(t)

	state, err := l.ProjectState(context.Background(), storage.DefaultBranch)
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestProjectStateIsIdempotent(t *testing.T) {
	t.Parallel()
	l := testLog(t)
	ctx := context.Background()

	e := entity.New("character", "Mira")
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, e)
	e.Attrs = map[string]any{"age": 13}
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventUpdate, e)

	first, err := l.ProjectState(ctx, storage.DefaultBranch)
	require.NoError(t, err)
	second, err := l.ProjectState(ctx, storage.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProjectStateAt(t *testing.T) {
	t.Parallel()
	l := testLog(t)
	ctx := context.Background()

	e := entity.New("character", "Mira")
	ev1 := appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, e)
	e.Name = "Mira Voss"
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventUpdate, e)

	state, err := l.ProjectStateAt(ctx, ev1.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", state[e.ID].Name, "state as of the earlier event")
}

// A corrupted parent chain that loops back on itself must surface as
// ErrCyclicEventGraph, not replay duplicated events. Not parallel: the
// test lowers the chain depth guard so the walk stays small.
func TestProjectStateAtCyclicChain(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	orig := storage.MaxChainDepth
	storage.MaxChainDepth = 16
	defer func() { storage.MaxChainDepth = orig }()

	branch, err := l.Branch(ctx, storage.DefaultBranch)
	require.NoError(t, err)
	payload, err := EncodePayload(entity.New("character", "Mira"))
	require.NoError(t, err)

	// Two well-formed events, then the loop is closed with a raw update;
	// the append path can never produce this shape.
	err = l.File().RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a := &storage.EventModel{ID: "ev-a", BranchID: branch.ID, Kind: storage.EventCreate, EntityID: "char-1", Payload: payload}
		b := &storage.EventModel{ID: "ev-b", ParentEventID: "ev-a", BranchID: branch.ID, Kind: storage.EventUpdate, EntityID: "char-1", Payload: payload}
		if err := l.File().InsertEventWith(tx, ctx, a); err != nil {
			return err
		}
		if err := l.File().InsertEventWith(tx, ctx, b); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE events SET parent_event_id = ? WHERE id = ?`, "ev-b", "ev-a")
		return err
	})
	require.NoError(t, err)

	_, err = l.ProjectStateAt(ctx, "ev-a")
	assert.ErrorIs(t, err, common.ErrCyclicEventGraph)
}

// A character edited on main after a fork: the forked branch keeps the
// pre-fork version, main sees the edit, and the diff names the field.
func TestForkedBranchStateDiverges(t *testing.T) {
	t.Parallel()
	l := testLog(t)
	ctx := context.Background()

	mira := entity.New("character", "Mira")
	mira.Attrs = map[string]any{"motivation": "find her brother"}
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, mira)

	_, err := l.Fork(ctx, storage.DefaultBranch, "what-if", "")
	require.NoError(t, err)

	mira.Attrs = map[string]any{"motivation": "revenge"}
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventUpdate, mira)

	mainState, err := l.ProjectState(ctx, storage.DefaultBranch)
	require.NoError(t, err)
	altState, err := l.ProjectState(ctx, "what-if")
	require.NoError(t, err)

	assert.Equal(t, "revenge", mainState[mira.ID].Attrs["motivation"])
	assert.Equal(t, "find her brother", altState[mira.ID].Attrs["motivation"])

	diff, err := l.CompareBranches(ctx, storage.DefaultBranch, "what-if")
	require.NoError(t, err)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, mira.ID, diff.Changed[0].EntityID)
	assert.Equal(t, []string{"attrs"}, diff.Changed[0].Fields)
}

func TestCompareBranches(t *testing.T) {
	t.Parallel()
	l := testLog(t)
	ctx := context.Background()

	shared := entity.New("character", "Mira")
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, shared)

	_, err := l.Fork(ctx, storage.DefaultBranch, "alt", "")
	require.NoError(t, err)

	onlyMain := entity.New("scene", "Chase")
	appendSnapshot(t, l, storage.DefaultBranch, storage.EventCreate, onlyMain)

	onlyAlt := entity.New("scene", "Quiet Morning")
	appendSnapshot(t, l, "alt", storage.EventCreate, onlyAlt)

	diff, err := l.CompareBranches(ctx, storage.DefaultBranch, "alt")
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, onlyMain.ID, diff.Added[0].EntityID)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, onlyAlt.ID, diff.Removed[0].EntityID)
	assert.Empty(t, diff.Changed, "shared entity is unchanged")

	t.Run("identical branches", func(t *testing.T) {
		diff, err := l.CompareBranches(ctx, storage.DefaultBranch, storage.DefaultBranch)
		require.NoError(t, err)
		assert.True(t, diff.Empty())
	})
}

func TestChangedFieldsIgnoresTimestamps(t *testing.T) {
	t.Parallel()

	a := entity.New("character", "Mira")
	b := a.Clone()
	b.Touch()
	assert.Empty(t, changedFields(a, b))

	b.ParentID = "cast-1"
	b.SortOrder = 2
	assert.Equal(t, []string{"parent_id", "sort_order"}, changedFields(a, b))
}

func TestDiffStatesNilVersusEmptyCollections(t *testing.T) {
	t.Parallel()

	a := entity.New("character", "Mira")
	a.Labels = nil
	a.Attrs = nil
	b := a.Clone()
	b.Labels = []string{}
	b.Attrs = map[string]any{}

	diff := DiffStates(EntityState{a.ID: a}, EntityState{b.ID: b})
	assert.True(t, diff.Empty(), "nil and empty collections are the same content")
}

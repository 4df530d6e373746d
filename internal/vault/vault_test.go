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

package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/storage"
)

// newTestVault initializes and opens a fresh data root.
func newTestVault(t *testing.T) *Vault {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, Init(root))
	v, err := Open(root, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

// saveEntity commits a single entity through a unit of work.
func saveEntity(t *testing.T, v *Vault, e *entity.Entity) {
	t.Helper()
	u := v.NewUnitOfWork(storage.DefaultBranch)
	require.NoError(t, u.Save(e))
	require.NoError(t, u.Commit(context.Background()))
}

func TestInit(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	require.NoError(t, Init(root))
	assert.FileExists(t, common.IndexDBPath(root))
	assert.FileExists(t, common.EventsDBPath(root))
	assert.FileExists(t, common.ConfigPath(root))
	assert.DirExists(t, common.EntitiesRoot(root))

	t.Run("twice fails", func(t *testing.T) {
		assert.ErrorIs(t, Init(root), common.ErrExists)
	})
}

func TestOpenUninitializedRoot(t *testing.T) {
	t.Parallel()

	_, err := Open(t.TempDir(), Options{})
	assert.Error(t, err)
}

func TestOpenSingleWriter(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	_, err := Open(v.Root(), Options{})
	assert.ErrorIs(t, err, common.ErrLocked)

	// Released on close.
	require.NoError(t, v.Close())
	v2, err := Open(v.Root(), Options{})
	require.NoError(t, err)
	v2.Close()
}

func TestGetEntity(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	e := entity.New("character", "Mira")
	e.Attrs = map[string]any{"age": 13}
	saveEntity(t, v, e)

	got, err := v.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", got.Name)

	// Second read is served by the change cache.
	before := v.cache.Stats().Hits
	_, err = v.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, before+1, v.cache.Stats().Hits)

	t.Run("unknown id", func(t *testing.T) {
		_, err := v.GetEntity(ctx, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ctx := context.Background()

	saveEntity(t, v, entity.New("character", "Mira"))
	saveEntity(t, v, entity.New("scene", "Opening"))

	h, err := v.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Entities)
	assert.Equal(t, 2, h.Events)
	assert.Equal(t, 1, h.Branches)
}

func TestOpenRunsStartupSync(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, Init(root))

	v, err := Open(root, Options{})
	require.NoError(t, err)
	e := entity.New("character", "Mira")
	saveEntity(t, v, e)
	require.NoError(t, v.Close())

	// Simulate an external edit while the vault is closed.
	raw, err := v.store.ReadPath(v.store.Path("character", e.ID))
	require.NoError(t, err)
	raw.Name = "Mira Voss"
	_, err = v.store.Write(raw)
	require.NoError(t, err)

	v2, err := Open(root, Options{})
	require.NoError(t, err)
	defer v2.Close()

	row, err := v2.index.GetEntity(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira Voss", row.Name, "external edit indexed on open")
}

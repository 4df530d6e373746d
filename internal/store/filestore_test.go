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

package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyvault/internal/common"
	"storyvault/internal/entity"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	return New(t.TempDir())
}

func TestWriteAndRead(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("character", "Mira")
	e.Labels = []string{"protagonist"}
	path, err := s.Write(e)
	require.NoError(t, err)
	assert.Equal(t, s.Path("character", e.ID), path)

	got, err := s.Read("character", e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "Mira", got.Name)
	assert.Equal(t, []string{"protagonist"}, got.Labels)
}

func TestReadNotFound(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, err := s.Read("character", "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestWriteRejectsInvalidNames(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("Bad Type!", "x")
	_, err := s.Write(e)
	assert.Error(t, err)

	e = entity.New("scene", "x")
	e.ID = "../escape"
	_, err = s.Write(e)
	assert.Error(t, err)
}

func TestWriteLeavesNoTempOnSuccess(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("scene", "Opening")
	_, err := s.Write(e)
	require.NoError(t, err)

	var temps []string
	err = filepath.WalkDir(s.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), common.TempPrefix) {
			temps = append(temps, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, temps)
}

func TestWriteTempThenPromote(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("scene", "Opening")
	tmp, err := s.WriteTemp(e)
	require.NoError(t, err)
	assert.True(t, common.IsTempPath(tmp))

	// Not visible yet.
	_, err = s.Read("scene", e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.Promote(tmp, s.Path("scene", e.ID)))
	got, err := s.Read("scene", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Opening", got.Name)
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("scene", "Opening")
	tmp, err := s.WriteTemp(e)
	require.NoError(t, err)

	require.NoError(t, s.Discard(tmp))
	assert.NoFileExists(t, tmp)

	// Discarding twice is fine.
	assert.NoError(t, s.Discard(tmp))
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("character", "Mira")
	_, err := s.Write(e)
	require.NoError(t, err)

	require.NoError(t, s.Delete("character", e.ID))
	_, err = s.Read("character", e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, s.Delete("character", e.ID), common.ErrNotFound)
}

func TestHash(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	e := entity.New("character", "Mira")
	_, err := s.Write(e)
	require.NoError(t, err)

	h1, err := s.Hash("character", e.ID)
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path("character", e.ID))
	require.NoError(t, err)
	assert.Equal(t, entity.ContentHash(data), h1)
}

func TestWalkEntityFiles(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	for _, name := range []string{"A", "B"} {
		_, err := s.Write(entity.New("scene", name))
		require.NoError(t, err)
	}
	_, err := s.Write(entity.New("character", "Mira"))
	require.NoError(t, err)

	// Stage a temp and a stray file; the walk must skip both.
	tmp, err := s.WriteTemp(entity.New("scene", "Staged"))
	require.NoError(t, err)
	defer s.Discard(tmp)
	stray := filepath.Join(common.EntitiesRoot(s.Root()), "scene", "notes.txt")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))

	var paths []string
	err = s.WalkEntityFiles(func(path string, info fs.FileInfo) error {
		paths = append(paths, path)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, paths, 3)
}

func TestWalkEntityFilesEmptyRoot(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	err := s.WalkEntityFiles(func(string, fs.FileInfo) error {
		t.Fatal("no files expected")
		return nil
	})
	assert.NoError(t, err)
}

func TestCleanupTempFiles(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	old, err := s.WriteTemp(entity.New("scene", "Old"))
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh, err := s.WriteTemp(entity.New("scene", "Fresh"))
	require.NoError(t, err)
	defer s.Discard(fresh)

	removed, err := s.CleanupTempFiles(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)
	assert.FileExists(t, fresh, "fresh temps survive the grace window")
}

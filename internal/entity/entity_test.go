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

package entity

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDSortsByCreation(t *testing.T) {
	t.Parallel()

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = NewID()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "UUIDv7 ids must sort in creation order")
}

func TestNew(t *testing.T) {
	t.Parallel()

	e := New("character", "Mira")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "character", e.Type)
	assert.Equal(t, "Mira", e.Name)
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)
}

func TestClone(t *testing.T) {
	t.Parallel()

	e := New("character", "Mira")
	e.Labels = []string{"protagonist"}
	e.Relationships = []Relationship{{Kind: "appears_in", TargetID: "scene-1"}}
	e.Attrs = map[string]any{
		"traits": map[string]any{"brave": true},
		"ages":   []any{int64(12), int64(13)},
	}

	c := e.Clone()
	require.Equal(t, e, c)

	// Mutating the clone must not leak into the original.
	c.Attrs["traits"].(map[string]any)["brave"] = false
	c.Labels[0] = "villain"
	c.Relationships[0].TargetID = "scene-2"

	assert.Equal(t, true, e.Attrs["traits"].(map[string]any)["brave"])
	assert.Equal(t, "protagonist", e.Labels[0])
	assert.Equal(t, "scene-1", e.Relationships[0].TargetID)
}

func TestRelatedIDs(t *testing.T) {
	t.Parallel()

	e := New("scene", "Opening")
	e.Relationships = []Relationship{
		{Kind: "features", TargetID: "char-1"},
		{Kind: "features", TargetID: "char-2"},
		{Kind: "located_in", TargetID: "loc-1"},
	}

	assert.Equal(t, []string{"char-1", "char-2"}, e.RelatedIDs("features"))
	assert.Equal(t, []string{"char-1", "char-2", "loc-1"}, e.RelatedIDs(""))
	assert.Nil(t, e.RelatedIDs("missing"))
}

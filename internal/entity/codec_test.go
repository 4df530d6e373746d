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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	e := New("character", "Mira")
	e.ParentID = "cast-1"
	e.SortOrder = 3
	e.Labels = []string{"protagonist", "pov"}
	e.Relationships = []Relationship{{Kind: "appears_in", TargetID: "scene-1"}}
	e.Attrs = map[string]any{
		"age": 13,
		"traits": map[string]any{
			"brave":   true,
			"flaws":   []any{"impatient"},
			"summary": "street kid with a telescope",
		},
	}

	data, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.Labels, got.Labels)
	assert.Equal(t, e.Relationships, got.Relationships)
	assert.Equal(t, "street kid with a telescope",
		got.Attrs["traits"].(map[string]any)["summary"])
	assert.Equal(t, e.CreatedAt, got.CreatedAt)
}

func TestEncodeStable(t *testing.T) {
	t.Parallel()

	e := New("scene", "Opening")
	e.Attrs = map[string]any{"beat": "inciting incident", "words": 900}

	a, err := Encode(e)
	require.NoError(t, err)
	b, err := Encode(e)
	require.NoError(t, err)
	assert.Equal(t, a, b, "unchanged entity must re-encode byte-identically")
}

func TestEncodeRejectsIncomplete(t *testing.T) {
	t.Parallel()

	_, err := Encode(&Entity{Type: "scene"})
	assert.Error(t, err)
	_, err = Encode(&Entity{ID: "x"})
	assert.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("{not yaml"))
	assert.Error(t, err)

	// Valid YAML but no identity.
	_, err = Decode([]byte("name: orphan\n"))
	assert.Error(t, err)
}

func TestContentHash(t *testing.T) {
	t.Parallel()

	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	c := ContentHash([]byte("hellp"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

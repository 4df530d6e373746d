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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Encode serializes an entity to its durable YAML form. The struct field
// order fixes the top-level key order, so re-encoding an unchanged entity is
// byte-stable and diffs stay small.
func Encode(e *Entity) ([]byte, error) {
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("entity missing id or type")
	}
	data, err := yaml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses the durable YAML form back into an entity.
func Decode(data []byte) (*Entity, error) {
	var e Entity
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("decode entity: missing id or type")
	}
	e.Attrs = normalizeValue(e.Attrs).(map[string]any)
	return &e, nil
}

// ContentHash returns the sha256 hex digest of an encoded entity document.
// The same hash is stored in sync_metadata and in the entities index row.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeValue rewrites yaml.v3's map[any]any-free output into the
// JSON-compatible shape the index stores (map[string]any all the way down).
// yaml.v3 already decodes mappings with string keys as map[string]any; this
// walk only has to normalize nested slices and maps recursively.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

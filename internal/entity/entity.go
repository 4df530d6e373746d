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

// Package entity defines the domain object model of the store: typed,
// versioned records with a schema-less attribute payload, durable as one
// YAML file per entity.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// Relationship is a typed, directed edge to another entity.
type Relationship struct {
	Kind     string `yaml:"kind" json:"kind"`
	TargetID string `yaml:"target" json:"target"`
}

// Entity is an addressable domain object (character, scene, research note,
// pipeline run, ...). The ID is immutable once assigned; the file location is
// a pure function of Type and ID (common.EntityPath).
//
// Attrs is a schema-less nested payload restricted to YAML/JSON-native values:
// nil, bool, int64/float64, string, []any, map[string]any. Type-specific
// validation, where needed, is layered on top through schema-description
// entities, never baked into the store.
type Entity struct {
	ID            string         `yaml:"id" json:"id"`
	Type          string         `yaml:"type" json:"type"`
	Name          string         `yaml:"name" json:"name"`
	ParentID      string         `yaml:"parent,omitempty" json:"parent,omitempty"`
	SortOrder     int            `yaml:"order,omitempty" json:"order,omitempty"`
	Labels        []string       `yaml:"labels,omitempty" json:"labels,omitempty"`
	Relationships []Relationship `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	Attrs         map[string]any `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	CreatedAt     time.Time      `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `yaml:"updated_at" json:"updated_at"`
}

// NewID returns a fresh entity identifier. UUIDv7 ids sort by creation time,
// which keeps directory listings and index scans in insertion order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails when the entropy source does; fall back to v4
		// rather than propagating an error nobody can act on.
		return uuid.NewString()
	}
	return id.String()
}

// New creates an entity with a fresh id and both timestamps set to now.
func New(typ, name string) *Entity {
	now := time.Now().UTC().Truncate(time.Second)
	return &Entity{
		ID:        NewID(),
		Type:      typ,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps the last-updated timestamp.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC().Truncate(time.Second)
}

// Clone returns a deep copy. Entities cross component boundaries by value,
// never as shared pointers, so cached copies stay immutable.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Labels = append([]string(nil), e.Labels...)
	out.Relationships = append([]Relationship(nil), e.Relationships...)
	out.Attrs = cloneValue(e.Attrs).(map[string]any)
	return &out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// RelatedIDs returns the targets of all relationships of the given kind,
// or of every kind when kind is empty.
func (e *Entity) RelatedIDs(kind string) []string {
	var ids []string
	for _, r := range e.Relationships {
		if kind == "" || r.Kind == kind {
			ids = append(ids, r.TargetID)
		}
	}
	return ids
}

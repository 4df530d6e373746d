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

// Package assemble turns a loaded snapshot into a bounded payload for a
// downstream consumer. It knows about sizes and priorities, not about
// rendering: the same assembled context feeds the template, markdown, and
// raw JSON renderers.
package assemble

import (
	"context"
	"encoding/json"

	"storyvault/internal/entity"
	"storyvault/internal/snapshot"
	"storyvault/internal/storage"
)

// Options tunes one Assemble call.
type Options struct {
	// Budget caps the estimated total cost; 0 means the scope's budget,
	// and if that is also 0 nothing is trimmed.
	Budget int
	// IncludeNeighbors merges one-hop relationship neighbors from the
	// index into a lowest-priority "related" section.
	IncludeNeighbors bool
}

// Section is one named group of entities with its trim priority.
type Section struct {
	Name     string           `json:"name"`
	Priority int              `json:"priority"` // lower trims later
	Entities []*entity.Entity `json:"entities"`
	Cost     int              `json:"cost"`
}

// Context is the assembled, budget-bounded result.
type Context struct {
	Step              string    `json:"step"`
	Sections          []Section `json:"sections"`
	TotalCost         int       `json:"total_cost"`
	TruncatedSections int       `json:"truncated_sections"`
	TruncatedEntities int       `json:"truncated_entities"`
}

// RelatedSection names the synthetic neighbor-merge section.
const RelatedSection = "related"

// Assembler builds contexts from snapshots. The index is only consulted
// for the optional neighbor merge.
type Assembler struct {
	index *storage.IndexFile
}

// New creates an assembler over the given index.
func New(index *storage.IndexFile) *Assembler {
	return &Assembler{index: index}
}

// Assemble converts a snapshot into sections, optionally merges one-hop
// neighbors, estimates per-section cost, and trims lowest-priority
// sections until the total fits the budget. The highest-priority section
// is never trimmed; a budget too small for it is reported through the
// truncation counts rather than producing an empty context.
func (a *Assembler) Assemble(ctx context.Context, snap *snapshot.Snapshot, opts Options) (*Context, error) {
	out := &Context{Step: snap.Scope.Step}

	seen := make(map[string]bool)
	for i, typ := range snap.Order {
		entities := snap.Sections[typ]
		if len(entities) == 0 {
			continue
		}
		for _, e := range entities {
			seen[e.ID] = true
		}
		out.Sections = append(out.Sections, Section{
			Name:     typ,
			Priority: i,
			Entities: entities,
			Cost:     sectionCost(entities),
		})
	}

	if opts.IncludeNeighbors {
		related, err := a.neighborSection(ctx, snap, seen)
		if err != nil {
			return nil, err
		}
		if related != nil {
			related.Priority = len(snap.Order)
			out.Sections = append(out.Sections, *related)
		}
	}

	for _, s := range out.Sections {
		out.TotalCost += s.Cost
	}

	budget := opts.Budget
	if budget == 0 {
		budget = snap.Scope.Budget
	}
	if budget > 0 {
		a.trim(out, budget)
	}
	return out, nil
}

// trim drops whole sections from the lowest priority upward until the
// context fits.
func (a *Assembler) trim(c *Context, budget int) {
	for c.TotalCost > budget && len(c.Sections) > 1 {
		lowest := 0
		for i := range c.Sections {
			if c.Sections[i].Priority > c.Sections[lowest].Priority {
				lowest = i
			}
		}
		dropped := c.Sections[lowest]
		c.Sections = append(c.Sections[:lowest], c.Sections[lowest+1:]...)
		c.TotalCost -= dropped.Cost
		c.TruncatedSections++
		c.TruncatedEntities += len(dropped.Entities)
	}
}

// neighborSection collects one-hop neighbors of every loaded entity that
// the snapshot does not already contain. Neighbors come back as index
// rows; the section carries their indexed projection, not a file read.
func (a *Assembler) neighborSection(ctx context.Context, snap *snapshot.Snapshot, seen map[string]bool) (*Section, error) {
	var related []*entity.Entity
	for _, typ := range snap.Order {
		for _, e := range snap.Sections[typ] {
			neighbors, err := a.index.Neighbors(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if seen[n.Row.ID] {
					continue
				}
				seen[n.Row.ID] = true
				related = append(related, rowEntity(n.Row))
			}
		}
	}
	if len(related) == 0 {
		return nil, nil
	}
	return &Section{
		Name:     RelatedSection,
		Entities: related,
		Cost:     sectionCost(related),
	}, nil
}

// rowEntity projects an index row back into entity shape. Relationships
// are not reconstructed; a neighbor is context, not a traversal root.
func rowEntity(row *storage.EntityRow) *entity.Entity {
	return &entity.Entity{
		ID:        row.ID,
		Type:      row.Type,
		Name:      row.Name,
		ParentID:  row.ParentID,
		SortOrder: row.SortOrder,
		Labels:    row.Labels,
		Attrs:     row.Payload,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// sectionCost estimates the payload size of a section in tokens, using
// the common four-bytes-per-token heuristic over the JSON encoding.
func sectionCost(entities []*entity.Entity) int {
	total := 0
	for _, e := range entities {
		data, err := json.Marshal(e)
		if err != nil {
			// Unencodable attrs still occupy space; charge a flat guess.
			total += 64
			continue
		}
		total += (len(data) + 3) / 4
	}
	return total
}

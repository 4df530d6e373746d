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
	"encoding/json"
	"reflect"
	"sort"

	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/storage"
)

// EntityState is the entity-id keyed state of a lineage after replay.
type EntityState map[string]*entity.Entity

// ProjectState replays the named branch's lineage oldest-first and returns
// the resulting entity state. Replay is deterministic and idempotent: the
// same lineage always yields the same state.
func (l *Log) ProjectState(ctx context.Context, branchName string) (EntityState, error) {
	chain, err := l.History(ctx, branchName, 0)
	if err != nil {
		return nil, err
	}
	return replay(chain)
}

// ProjectStateAt replays the ancestor chain of a single event, yielding
// the state as of that event.
func (l *Log) ProjectStateAt(ctx context.Context, eventID string) (EntityState, error) {
	chain, err := l.file.AncestorChain(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(chain) >= storage.MaxChainDepth {
		return nil, common.ErrCyclicEventGraph
	}
	return replay(chain)
}

func replay(chain []storage.EventModel) (EntityState, error) {
	state := make(EntityState)
	for _, ev := range chain {
		switch ev.Kind {
		case storage.EventCreate, storage.EventUpdate:
			e, err := DecodePayload(ev.Payload)
			if err != nil {
				return nil, err
			}
			state[ev.EntityID] = e
		case storage.EventDelete:
			delete(state, ev.EntityID)
		}
	}
	return state, nil
}

// EntityChange describes one entity that differs between two branches.
// Fields lists the changed top-level fields for modified entities.
type EntityChange struct {
	EntityID string   `json:"entity_id"`
	Type     string   `json:"type,omitempty"`
	Name     string   `json:"name,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

// BranchDiff is the entity-level difference between two branch states,
// from the first branch's point of view.
type BranchDiff struct {
	Added   []EntityChange `json:"added"`
	Removed []EntityChange `json:"removed"`
	Changed []EntityChange `json:"changed"`
}

// Empty reports whether the two states were identical.
func (d *BranchDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// CompareBranches projects both branches and diffs the resulting states.
// "Added" entities exist on branchA but not branchB.
func (l *Log) CompareBranches(ctx context.Context, branchA, branchB string) (*BranchDiff, error) {
	stateA, err := l.ProjectState(ctx, branchA)
	if err != nil {
		return nil, err
	}
	stateB, err := l.ProjectState(ctx, branchB)
	if err != nil {
		return nil, err
	}
	return DiffStates(stateA, stateB), nil
}

// DiffStates computes the entity-level diff between two replayed states.
func DiffStates(stateA, stateB EntityState) *BranchDiff {
	diff := &BranchDiff{
		Added:   []EntityChange{},
		Removed: []EntityChange{},
		Changed: []EntityChange{},
	}
	for id, a := range stateA {
		b, ok := stateB[id]
		if !ok {
			diff.Added = append(diff.Added, EntityChange{EntityID: id, Type: a.Type, Name: a.Name})
			continue
		}
		if fields := changedFields(a, b); len(fields) > 0 {
			diff.Changed = append(diff.Changed, EntityChange{EntityID: id, Type: a.Type, Name: a.Name, Fields: fields})
		}
	}
	for id, b := range stateB {
		if _, ok := stateA[id]; !ok {
			diff.Removed = append(diff.Removed, EntityChange{EntityID: id, Type: b.Type, Name: b.Name})
		}
	}
	sortChanges(diff.Added)
	sortChanges(diff.Removed)
	sortChanges(diff.Changed)
	return diff
}

// changedFields compares the durable fields of two entity snapshots.
// Timestamps are excluded; two snapshots that differ only in UpdatedAt
// describe the same content.
func changedFields(a, b *entity.Entity) []string {
	var fields []string
	if a.Name != b.Name {
		fields = append(fields, "name")
	}
	if a.Type != b.Type {
		fields = append(fields, "type")
	}
	if a.ParentID != b.ParentID {
		fields = append(fields, "parent_id")
	}
	if a.SortOrder != b.SortOrder {
		fields = append(fields, "sort_order")
	}
	if !equalJSON(a.Labels, b.Labels) {
		fields = append(fields, "labels")
	}
	if !equalJSON(a.Relationships, b.Relationships) {
		fields = append(fields, "relationships")
	}
	if !equalJSON(a.Attrs, b.Attrs) {
		fields = append(fields, "attrs")
	}
	return fields
}

// equalJSON compares through a JSON round trip so nil and empty
// collections compare equal and numeric attr types normalize.
func equalJSON(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	var av, bv any
	if json.Unmarshal(aj, &av) != nil || json.Unmarshal(bj, &bv) != nil {
		return string(aj) == string(bj)
	}
	if av == nil {
		av = map[string]any{}
	}
	if bv == nil {
		bv = map[string]any{}
	}
	return reflect.DeepEqual(normalizeEmpty(av), normalizeEmpty(bv))
}

func normalizeEmpty(v any) any {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return map[string]any{}
		}
	case map[string]any:
		if len(t) == 0 {
			return map[string]any{}
		}
	}
	return v
}

func sortChanges(changes []EntityChange) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].EntityID < changes[j].EntityID
	})
}

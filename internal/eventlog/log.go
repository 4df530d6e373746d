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

// Package eventlog implements the hash-linked, branchable change history.
// Every committed write appends an event whose parent is the branch head at
// commit time, so each branch head transitively reaches the branch's full
// lineage back to the forest root. Forking a branch is creating a new head
// pointer at any event on an existing lineage; no entity files or events
// are copied.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/storage"
)

// Log exposes branch and event operations over an event log file.
type Log struct {
	file *storage.EventLogFile
}

// New wraps an open event log file.
func New(file *storage.EventLogFile) *Log {
	return &Log{file: file}
}

// File returns the underlying storage handle, used by the write
// coordinator to run appends inside its own transaction.
func (l *Log) File() *storage.EventLogFile {
	return l.file
}

// NewEventID returns a fresh event id. UUIDv7 keeps ids roughly ordered by
// creation time, which makes raw event listings readable.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EncodePayload serializes an entity snapshot for a create or update
// event. Delete events carry an empty object.
func EncodePayload(e *entity.Entity) (string, error) {
	if e == nil {
		return "{}", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload deserializes an event payload back into an entity.
func DecodePayload(payload string) (*entity.Entity, error) {
	var e entity.Entity
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &e, nil
}

// AppendWith appends one event to branch inside the caller's transaction
// and advances the branch head. The event's parent is the branch's current
// head, which is what chains events into a lineage. The caller passes the
// branch model it read at commit start; the head update is written through
// the same transaction so concurrent appends to one branch serialize on
// the database.
func (l *Log) AppendWith(idb bun.IDB, ctx context.Context, branch *storage.BranchModel, kind, entityID, payload string) (*storage.EventModel, error) {
	m := &storage.EventModel{
		ID:            NewEventID(),
		ParentEventID: branch.HeadEventID,
		BranchID:      branch.ID,
		Kind:          kind,
		EntityID:      entityID,
		Payload:       payload,
	}
	if err := l.file.InsertEventWith(idb, ctx, m); err != nil {
		return nil, err
	}
	if err := l.file.UpdateBranchHeadWith(idb, ctx, branch.ID, m.ID); err != nil {
		return nil, err
	}
	branch.HeadEventID = m.ID
	return m, nil
}

// Append appends a single event to the named branch in its own
// transaction. The write coordinator uses AppendWith instead; this is the
// convenience form for tooling and tests.
func (l *Log) Append(ctx context.Context, branchName, kind, entityID, payload string) (*storage.EventModel, error) {
	branch, err := l.file.GetBranchByName(ctx, branchName)
	if err != nil {
		return nil, err
	}
	var m *storage.EventModel
	err = l.file.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		m, err = l.AppendWith(tx, ctx, branch, kind, entityID, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Fork creates a branch named newName whose head is forkPoint, an event on
// the source branch's lineage. An empty forkPoint means the source head.
// Returns common.ErrInvalidForkPoint when the event is not reachable from
// the source head, and common.ErrDuplicateBranch on a live name collision.
func (l *Log) Fork(ctx context.Context, sourceName, newName, forkPoint string) (*storage.BranchModel, error) {
	src, err := l.file.GetBranchByName(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	if forkPoint == "" {
		forkPoint = src.HeadEventID
	}
	if forkPoint != "" {
		ok, err := l.file.IsAncestor(ctx, forkPoint, src.HeadEventID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: event %s is not on branch %s", common.ErrInvalidForkPoint, forkPoint, sourceName)
		}
	}
	return l.file.InsertBranch(ctx, newName, forkPoint)
}

// DeleteBranch soft-deletes a branch. The default branch cannot be
// deleted; the events of a deleted branch remain reachable from any
// branch forked below its old head.
func (l *Log) DeleteBranch(ctx context.Context, name string) error {
	if name == storage.DefaultBranch {
		return fmt.Errorf("branch %s cannot be deleted", storage.DefaultBranch)
	}
	return l.file.SoftDeleteBranch(ctx, name)
}

// Branches returns all live branches.
func (l *Log) Branches(ctx context.Context) ([]storage.BranchModel, error) {
	return l.file.ListBranches(ctx)
}

// Branch returns a live branch by name.
func (l *Log) Branch(ctx context.Context, name string) (*storage.BranchModel, error) {
	return l.file.GetBranchByName(ctx, name)
}

// History returns the named branch's full lineage oldest-first, i.e. the
// ancestor chain of its head across fork points. limit > 0 keeps only the
// newest limit events.
func (l *Log) History(ctx context.Context, branchName string, limit int) ([]storage.EventModel, error) {
	branch, err := l.file.GetBranchByName(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if branch.HeadEventID == "" {
		return nil, nil
	}
	chain, err := l.file.AncestorChain(ctx, branch.HeadEventID)
	if err != nil {
		return nil, err
	}
	if len(chain) >= storage.MaxChainDepth {
		return nil, common.ErrCyclicEventGraph
	}
	if limit > 0 && len(chain) > limit {
		chain = chain[len(chain)-limit:]
	}
	return chain, nil
}

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
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/eventlog"
	"storyvault/internal/storage"
	"storyvault/internal/util"
)

type uowState int

const (
	uowBuffering uowState = iota
	uowCommitting
	uowCommitted
	uowRolledBack
)

// Change is one buffered mutation, exposed after commit for the derived
// index push.
type Change struct {
	EntityID string
	Entity   *entity.Entity // nil for deletes
	Type     string
	Delete   bool
}

// stagedFile is a temp file waiting for its commit-time rename.
type stagedFile struct {
	tmpPath   string
	finalPath string
	hash      string
	mtimeNS   int64
	size      int64
}

// UnitOfWork buffers entity saves and deletes and commits them atomically:
// all index rows, all events, and all file renames land together or not at
// all. Mutations buffered after Commit or Rollback are rejected.
//
// Not safe for concurrent use; one unit of work belongs to one request.
type UnitOfWork struct {
	v      *Vault
	branch string

	mu      sync.Mutex
	state   uowState
	order   []string // entity ids in first-buffered order
	saves   map[string]*entity.Entity
	deletes map[string]string // id -> type

	// testFail, when set, injects a failure before the named commit step.
	testFail func(step string) error
}

// NewUnitOfWork starts an empty unit of work targeting the named branch.
func (v *Vault) NewUnitOfWork(branch string) *UnitOfWork {
	return &UnitOfWork{
		v:       v,
		branch:  branch,
		saves:   make(map[string]*entity.Entity),
		deletes: make(map[string]string),
	}
}

func (u *UnitOfWork) checkBuffering() error {
	switch u.state {
	case uowBuffering:
		return nil
	case uowRolledBack:
		return common.ErrRolledBack
	default:
		return fmt.Errorf("%w: unit of work is no longer open", common.ErrCommitFailed)
	}
}

// Save buffers a create-or-update of e. The entity is cloned at buffer
// time so later caller mutations do not leak into the commit. A later Save
// of the same id replaces the earlier one; a Save cancels a buffered
// Delete of the same id.
func (u *UnitOfWork) Save(e *entity.Entity) error {
	if err := common.ValidateType(e.Type); err != nil {
		return err
	}
	if err := common.ValidateID(e.ID); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkBuffering(); err != nil {
		return err
	}
	if _, seen := u.saves[e.ID]; !seen {
		if _, seen = u.deletes[e.ID]; !seen {
			u.order = append(u.order, e.ID)
		}
	}
	delete(u.deletes, e.ID)
	c := e.Clone()
	c.Touch()
	u.saves[e.ID] = c
	return nil
}

// Delete buffers a delete of the entity with the given id. The entity must
// exist in the index or be buffered in this unit of work.
func (u *UnitOfWork) Delete(ctx context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkBuffering(); err != nil {
		return err
	}
	typ := ""
	if buffered, ok := u.saves[id]; ok {
		typ = buffered.Type
	} else {
		row, err := u.v.index.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		typ = row.Type
	}
	if _, seen := u.saves[id]; !seen {
		if _, seen = u.deletes[id]; !seen {
			u.order = append(u.order, id)
		}
	}
	delete(u.saves, id)
	u.deletes[id] = typ
	return nil
}

// Empty reports whether nothing is buffered.
func (u *UnitOfWork) Empty() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.saves) == 0 && len(u.deletes) == 0
}

// Rollback discards all buffered mutations. Nothing has touched disk yet,
// so this only flips state.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == uowCommitted {
		return fmt.Errorf("cannot roll back a committed unit of work")
	}
	u.state = uowRolledBack
	u.saves = nil
	u.deletes = nil
	u.order = nil
	return nil
}

func (u *UnitOfWork) fail(step string) error {
	if u.testFail == nil {
		return nil
	}
	return u.testFail(step)
}

// Commit makes every buffered mutation durable:
//
//  1. stage: each saved entity is encoded into a temp file next to its
//     final path, hashed, and statted.
//  2. database: inside one event log transaction, a nested index
//     transaction upserts rows and sync metadata (or removes them for
//     deletes) and commits; then one event per change is appended and the
//     branch head advances. The event log commit is the decision point.
//     Index mutations are idempotent upserts, so the narrow window where
//     the index committed but the events did not is safe to retry and is
//     otherwise repaired by the startup sync.
//  3. rename: temps move onto their final paths and deleted files are
//     removed. Rename failures past the decision point are repaired by
//     the startup sync, not rolled back.
//
// On any failure before the decision point, staged temps are discarded
// and both databases roll back; the caller may retry with a fresh unit of
// work. Commit on an empty unit of work is a no-op that still finalizes
// the state.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkBuffering(); err != nil {
		return err
	}
	u.state = uowCommitting

	if len(u.saves) == 0 && len(u.deletes) == 0 {
		u.state = uowCommitted
		return nil
	}

	u.v.commitMu.Lock()
	defer u.v.commitMu.Unlock()

	branch, err := u.v.events.GetBranchByName(ctx, u.branch)
	if err != nil {
		u.state = uowRolledBack
		return fmt.Errorf("%w: branch %s: %v", common.ErrCommitFailed, u.branch, err)
	}

	staged := make(map[string]stagedFile, len(u.saves))
	discardStaged := func() {
		for _, s := range staged {
			u.v.store.Discard(s.tmpPath)
		}
	}

	if err := u.fail("stage"); err != nil {
		u.state = uowRolledBack
		return fmt.Errorf("%w: %v", common.ErrCommitFailed, err)
	}
	for id, e := range u.saves {
		tmp, err := u.v.store.WriteTemp(e)
		if err != nil {
			discardStaged()
			u.state = uowRolledBack
			return fmt.Errorf("%w: stage %s: %v", common.ErrCommitFailed, id, err)
		}
		info, err := os.Stat(tmp)
		if err != nil {
			u.v.store.Discard(tmp)
			discardStaged()
			u.state = uowRolledBack
			return fmt.Errorf("%w: stat staged %s: %v", common.ErrCommitFailed, id, err)
		}
		data, err := os.ReadFile(tmp)
		if err != nil {
			u.v.store.Discard(tmp)
			discardStaged()
			u.state = uowRolledBack
			return fmt.Errorf("%w: read staged %s: %v", common.ErrCommitFailed, id, err)
		}
		staged[id] = stagedFile{
			tmpPath:   tmp,
			finalPath: u.v.store.Path(e.Type, e.ID),
			hash:      entity.ContentHash(data),
			mtimeNS:   info.ModTime().UnixNano(),
			size:      info.Size(),
		}
	}

	changes := make([]Change, 0, len(u.order))

	// Event kinds are decided against pre-commit state, before any upsert
	// muddies the lookup.
	kinds := make(map[string]string, len(u.order))
	for _, id := range u.order {
		ch := Change{EntityID: id}
		if e, ok := u.saves[id]; ok {
			ch.Entity, ch.Type = e, e.Type
		} else {
			ch.Type, ch.Delete = u.deletes[id], true
		}
		kind, err := u.eventKind(ctx, ch)
		if err != nil {
			discardStaged()
			u.state = uowRolledBack
			return fmt.Errorf("%w: %v", common.ErrCommitFailed, err)
		}
		kinds[id] = kind
		changes = append(changes, ch)
	}

	// Transient "database is locked" errors roll the phase back and retry
	// it. The inner index transaction is all idempotent upserts and
	// deletes, so a retry after the index committed but before the event
	// log did simply re-applies the same rows.
	dbPhase := func() error {
		return u.v.events.RunInTx(ctx, func(ctx context.Context, etx bun.Tx) error {
			err := u.v.index.RunInTx(ctx, func(ctx context.Context, itx bun.Tx) error {
				if err := u.fail("index"); err != nil {
					return err
				}
				for _, ch := range changes {
					if ch.Delete {
						if err := u.v.index.DeleteEntityWith(itx, ctx, ch.EntityID); err != nil {
							return err
						}
						if err := u.v.index.DeleteSyncMetadataWith(itx, ctx, u.v.store.Path(ch.Type, ch.EntityID)); err != nil {
							return err
						}
						continue
					}
					s := staged[ch.EntityID]
					m, err := storage.EntityModelFromEntity(ch.Entity, s.finalPath, s.hash)
					if err != nil {
						return err
					}
					var rels []storage.RelationshipModel
					for _, r := range ch.Entity.Relationships {
						rels = append(rels, storage.RelationshipModel{SourceID: ch.EntityID, TargetID: r.TargetID, Kind: r.Kind})
					}
					if err := u.v.index.UpsertEntityWith(itx, ctx, m, rels); err != nil {
						return err
					}
					if err := u.v.index.UpsertSyncMetadataWith(itx, ctx, &storage.SyncMetadataModel{
						Path:        s.finalPath,
						EntityID:    ch.EntityID,
						EntityType:  ch.Type,
						ContentHash: s.hash,
						MtimeNS:     s.mtimeNS,
						IndexedAt:   time.Now().Unix(),
						Size:        s.size,
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			if err := u.fail("events"); err != nil {
				return err
			}
			b := *branch
			for _, ch := range changes {
				payload, err := eventlog.EncodePayload(ch.Entity)
				if err != nil {
					return err
				}
				if _, err := u.v.log.AppendWith(etx, ctx, &b, kinds[ch.EntityID], ch.EntityID, payload); err != nil {
					return err
				}
			}
			// The event log commit right after this return is the
			// decision point for the whole unit of work.
			return u.fail("commit-events")
		})
	}
	if err := util.Retry(ctx, dbPhase, util.DatabaseRetryOptions(ctx)...); err != nil {
		discardStaged()
		u.state = uowRolledBack
		return fmt.Errorf("%w: %v", common.ErrCommitFailed, err)
	}

	// Decision point passed: both databases agree. Renames and deletes
	// from here on are repaired, never rolled back.
	u.state = uowCommitted
	var renameErrs []error
	if err := u.fail("rename"); err != nil {
		renameErrs = append(renameErrs, err)
	} else {
		for _, id := range u.order {
			if s, ok := staged[id]; ok {
				if err := u.v.store.Promote(s.tmpPath, s.finalPath); err != nil {
					renameErrs = append(renameErrs, err)
					continue
				}
				u.v.cache.Invalidate(s.finalPath)
			} else {
				typ := u.deletes[id]
				if err := u.v.store.Delete(typ, id); err != nil && !errors.Is(err, common.ErrNotFound) {
					renameErrs = append(renameErrs, err)
					continue
				}
				u.v.cache.Invalidate(u.v.store.Path(typ, id))
			}
		}
	}
	if len(renameErrs) > 0 {
		log.Errorf("[UOW] %d file operation(s) failed after commit, run check/reindex: %v", len(renameErrs), renameErrs[0])
		return fmt.Errorf("%w: committed with %d unapplied file change(s): %v", common.ErrIO, len(renameErrs), renameErrs[0])
	}

	u.v.pushDerived(changes)
	return nil
}

// eventKind decides create vs update vs delete for one change. The sync
// metadata read goes through the pooled read connection, which still sees
// the pre-transaction state while the commit's write transaction is open,
// so a save of an already-tracked path classifies as an update.
func (u *UnitOfWork) eventKind(ctx context.Context, ch Change) (string, error) {
	if ch.Delete {
		return storage.EventDelete, nil
	}
	_, err := u.v.index.GetSyncMetadata(ctx, u.v.store.Path(ch.Type, ch.EntityID))
	if err == nil {
		return storage.EventUpdate, nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return storage.EventCreate, nil
	}
	return "", err
}

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
	"io/fs"
	"os"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"storyvault/internal/common"
	"storyvault/internal/entity"
	"storyvault/internal/storage"
)

// SyncResult summarizes one incremental sync pass.
type SyncResult struct {
	Unchanged int           `json:"unchanged"`
	Touched   int           `json:"touched"` // mtime moved, content identical
	Changed   int           `json:"changed"`
	New       int           `json:"new"`
	Deleted   int           `json:"deleted"`
	Skipped   int           `json:"skipped"` // unreadable or undecodable files
	Elapsed   time.Duration `json:"elapsed"`
}

// SyncProgress is called after each candidate file is examined.
type SyncProgress func(done, total int)

// candidate is a file whose recorded mtime is missing or stale and whose
// content therefore needs hashing.
type candidate struct {
	path    string
	mtimeNS int64
	size    int64
	meta    *storage.SyncMetadataModel
}

// hashed is a candidate after the parallel hash-and-decode step.
type hashed struct {
	candidate
	hash   string
	entity *entity.Entity // nil when the hash matched the recorded one
	broken bool
}

// Sync reconciles the index with the entity files on disk. Files whose
// recorded mtime matches are skipped without being read; the rest are
// hashed in parallel, and only genuine content changes are re-decoded and
// re-indexed. An mtime change with an identical hash updates bookkeeping
// only. Files present in the index but gone from disk are dropped.
//
// Sync repairs the index, never the event log: externally edited files
// change current state without fabricating history events.
//
// Sync serializes with commits on the vault's write lock. A commit that has
// written its index rows but not yet renamed its staged files looks exactly
// like a deleted entity to a scan; holding the lock keeps that window
// invisible.
func (v *Vault) Sync(ctx context.Context, progress SyncProgress) (*SyncResult, error) {
	v.commitMu.Lock()
	defer v.commitMu.Unlock()
	return v.syncLocked(ctx, progress)
}

func (v *Vault) syncLocked(ctx context.Context, progress SyncProgress) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{}

	known, err := v.index.ListSyncMetadata(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	seen := make(map[string]bool, len(known))
	err = v.store.WalkEntityFiles(func(path string, info fs.FileInfo) error {
		seen[path] = true
		meta := known[path]
		if meta != nil && meta.MtimeNS == info.ModTime().UnixNano() {
			result.Unchanged++
			return nil
		}
		candidates = append(candidates, candidate{
			path:    path,
			mtimeNS: info.ModTime().UnixNano(),
			size:    info.Size(),
			meta:    meta,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	hashedFiles, err := v.hashCandidates(ctx, candidates, progress)
	if err != nil {
		return nil, err
	}

	// All index mutations land in one transaction so a crashed sync leaves
	// the previous consistent index intact.
	err = v.index.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for _, h := range hashedFiles {
			switch {
			case h.broken:
				result.Skipped++
			case h.entity == nil:
				if err := v.index.TouchSyncMetadataWith(tx, ctx, h.path, h.mtimeNS); err != nil {
					return err
				}
				result.Touched++
			default:
				if err := v.applyFileWith(tx, ctx, h); err != nil {
					return err
				}
				if h.meta == nil {
					result.New++
				} else {
					result.Changed++
				}
				v.cache.Invalidate(h.path)
			}
		}
		for path, meta := range known {
			if seen[path] {
				continue
			}
			if err := v.index.DeleteEntityWith(tx, ctx, meta.EntityID); err != nil {
				return err
			}
			if err := v.index.DeleteSyncMetadataWith(tx, ctx, path); err != nil {
				return err
			}
			v.cache.Invalidate(path)
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// hashCandidates reads and hashes stale files with a bounded worker pool.
// Content that matches the recorded hash is not decoded.
func (v *Vault) hashCandidates(ctx context.Context, candidates []candidate, progress SyncProgress) ([]hashed, error) {
	out := make([]hashed, len(candidates))
	var mu sync.Mutex
	done := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h := hashed{candidate: c}
			data, err := os.ReadFile(c.path)
			if err != nil {
				log.Warnf("[SYNC] skipping unreadable %s: %v", c.path, err)
				h.broken = true
			} else {
				h.hash = entity.ContentHash(data)
				if c.meta == nil || c.meta.ContentHash != h.hash {
					e, err := entity.Decode(data)
					if err != nil {
						log.Warnf("[SYNC] skipping undecodable %s: %v", c.path, err)
						h.broken = true
					} else if typ, id, ok := common.TypeAndIDFromPath(v.root, c.path); !ok || e.Type != typ || e.ID != id {
						log.Warnf("[SYNC] skipping %s: file content names %s/%s", c.path, e.Type, e.ID)
						h.broken = true
					} else {
						h.entity = e
					}
				}
			}
			out[i] = h
			if progress != nil {
				mu.Lock()
				done++
				progress(done, len(candidates))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// applyFileWith upserts one externally changed file into the index.
func (v *Vault) applyFileWith(tx bun.Tx, ctx context.Context, h hashed) error {
	m, err := storage.EntityModelFromEntity(h.entity, h.path, h.hash)
	if err != nil {
		return err
	}
	var rels []storage.RelationshipModel
	for _, r := range h.entity.Relationships {
		rels = append(rels, storage.RelationshipModel{SourceID: h.entity.ID, TargetID: r.TargetID, Kind: r.Kind})
	}
	if err := v.index.UpsertEntityWith(tx, ctx, m, rels); err != nil {
		return err
	}
	return v.index.UpsertSyncMetadataWith(tx, ctx, &storage.SyncMetadataModel{
		Path:        h.path,
		EntityID:    h.entity.ID,
		EntityType:  h.entity.Type,
		ContentHash: h.hash,
		MtimeNS:     h.mtimeNS,
		IndexedAt:   time.Now().Unix(),
		Size:        h.size,
	})
}

// Reindex drops every derived row and rebuilds the index from the entity
// files. The event log is untouched. Like Sync, the whole rebuild holds the
// vault's write lock so no commit lands between the reset and the rescan.
func (v *Vault) Reindex(ctx context.Context, progress SyncProgress) (*SyncResult, error) {
	v.commitMu.Lock()
	defer v.commitMu.Unlock()
	if err := v.index.Reset(ctx); err != nil {
		return nil, err
	}
	v.cache.InvalidateAll()
	return v.syncLocked(ctx, progress)
}

// CheckIssue is one inconsistency found by Check.
type CheckIssue struct {
	Kind   string `json:"kind"` // missing_file, stale_row, unindexed_file, orphan_temp
	Path   string `json:"path,omitempty"`
	Entity string `json:"entity_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// CheckReport is the result of a read-only consistency check.
type CheckReport struct {
	Entities int          `json:"entities"`
	Files    int          `json:"files"`
	Issues   []CheckIssue `json:"issues"`
}

// Clean reports whether no issues were found.
func (r *CheckReport) Clean() bool { return len(r.Issues) == 0 }

// Check compares the index against the files on disk without modifying
// either. It reports rows whose file is gone, rows whose recorded mtime is
// stale, files the index does not know, and staged temp files.
func (v *Vault) Check(ctx context.Context) (*CheckReport, error) {
	report := &CheckReport{Issues: []CheckIssue{}}

	count, err := v.index.CountEntities(ctx, "")
	if err != nil {
		return nil, err
	}
	report.Entities = count

	known, err := v.index.ListSyncMetadata(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(known))
	err = v.store.WalkEntityFiles(func(path string, info fs.FileInfo) error {
		report.Files++
		seen[path] = true
		meta := known[path]
		if meta == nil {
			report.Issues = append(report.Issues, CheckIssue{Kind: "unindexed_file", Path: path})
			return nil
		}
		if meta.MtimeNS != info.ModTime().UnixNano() {
			report.Issues = append(report.Issues, CheckIssue{
				Kind: "stale_row", Path: path, Entity: meta.EntityID,
				Detail: "file modified since last index",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for path, meta := range known {
		if !seen[path] {
			report.Issues = append(report.Issues, CheckIssue{Kind: "missing_file", Path: path, Entity: meta.EntityID})
		}
	}

	// Temp files are legitimate mid-commit but never at rest.
	temps, err := v.store.TempFiles()
	if err != nil {
		return nil, err
	}
	for _, tmp := range temps {
		report.Issues = append(report.Issues, CheckIssue{Kind: "orphan_temp", Path: tmp})
	}
	return report, nil
}

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

// Package vault ties the persistence layers of one data root together:
// entity files, change cache, relational index, and event log. It owns the
// single-writer lock and the write coordinator, which is the only path
// that mutates any of the layers.
package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"storyvault/internal/cache"
	"storyvault/internal/common"
	"storyvault/internal/config"
	"storyvault/internal/entity"
	"storyvault/internal/eventlog"
	"storyvault/internal/storage"
	"storyvault/internal/store"
)

// Options tunes Open. The zero value is correct for CLI one-shot use.
type Options struct {
	DBContext storage.DBContext
	// SkipSync skips the startup incremental sync, for callers that run
	// their own (reindex) or want a fast read-only peek.
	SkipSync bool
	// Derived overrides the configured derived index; tests use this.
	Derived DerivedIndex
}

// Vault is an open data root. One process opens a root at a time; the
// flock on .storyvault/vault.lock enforces that.
type Vault struct {
	root    string
	cfg     *config.VaultConfig
	lock    *flock.Flock
	index   *storage.IndexFile
	events  *storage.EventLogFile
	log     *eventlog.Log
	store   *store.FileStore
	cache   *cache.ChangeCache
	derived DerivedIndex

	// commitMu serializes commits with each other and with sync/reindex
	// passes. SQLite would serialize the writes anyway, but the lock keeps
	// event parent chains free of retries and stops a scan from reading the
	// half-applied window between a commit's databases and its renames.
	commitMu sync.Mutex
	// pushWG tracks in-flight async derived-index pushes so Close can
	// drain them.
	pushWG sync.WaitGroup
}

// Init creates a fresh data root: the entities directory, the internal
// directory with config template, an empty index, and an event log whose
// default branch is "main". Fails if the root is already initialized.
func Init(root string) error {
	if _, err := os.Stat(common.IndexDBPath(root)); err == nil {
		return fmt.Errorf("%w: %s is already a storyvault root", common.ErrExists, root)
	}
	for _, dir := range []string{common.EntitiesRoot(root), filepath.Join(root, common.InternalDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", common.ErrIO, dir, err)
		}
	}
	if err := config.WriteDefault(root); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	ix, err := storage.CreateIndex(common.IndexDBPath(root), storage.DBContextDefault)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	ix.Close()
	el, err := storage.CreateEventLog(common.EventsDBPath(root), storage.DBContextDefault)
	if err != nil {
		return fmt.Errorf("create event log: %w", err)
	}
	el.Close()
	log.Infof("[VAULT] initialized data root at %s", root)
	return nil
}

// Open opens an initialized data root, acquires the single-writer lock,
// recovers orphaned temp files, and runs the incremental sync so external
// edits made while the vault was closed are indexed before the first read.
// Returns common.ErrLocked when another process holds the root.
func Open(root string, opts Options) (*Vault, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	storage.SetConfigBusyTimeouts(cfg.ServerBusyTimeout, cfg.CLIBusyTimeout)

	lock := flock.New(common.LockPath(root))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire %s: %v", common.ErrIO, lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is held by another process", common.ErrLocked, lock.Path())
	}

	v := &Vault{
		root:  root,
		cfg:   cfg,
		lock:  lock,
		store: store.New(root),
		cache: cache.NewChangeCache(cfg.CacheSize),
	}
	v.derived = opts.Derived
	if v.derived == nil {
		v.derived = newDerivedIndex(cfg.DerivedIndex)
	}

	v.index, err = storage.OpenIndex(common.IndexDBPath(root), opts.DBContext)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open index: %w", err)
	}
	v.events, err = storage.OpenEventLog(common.EventsDBPath(root), opts.DBContext)
	if err != nil {
		v.index.Close()
		lock.Unlock()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	v.log = eventlog.New(v.events)

	// Crash recovery first: an interrupted commit may have left staged
	// temp files that no one will ever promote.
	if removed, err := v.store.CleanupTempFiles(cfg.TempGraceDuration()); err != nil {
		log.Warnf("[VAULT] temp cleanup: %v", err)
	} else if len(removed) > 0 {
		log.Infof("[VAULT] removed %d orphaned temp file(s)", len(removed))
	}

	if !opts.SkipSync {
		result, err := v.Sync(context.Background(), nil)
		if err != nil {
			v.close()
			return nil, fmt.Errorf("startup sync: %w", err)
		}
		if result.Changed+result.New+result.Deleted > 0 {
			log.Infof("[VAULT] startup sync: %d changed, %d new, %d deleted, %d unchanged",
				result.Changed, result.New, result.Deleted, result.Unchanged)
		}
	}
	return v, nil
}

func (v *Vault) close() {
	if v.events != nil {
		v.events.Close()
	}
	if v.index != nil {
		v.index.Close()
	}
	if v.lock != nil {
		v.lock.Unlock()
	}
}

// Close drains async derived-index pushes, closes both databases, and
// releases the single-writer lock.
func (v *Vault) Close() error {
	v.pushWG.Wait()
	v.close()
	return nil
}

// Root returns the data root path.
func (v *Vault) Root() string { return v.root }

// Config returns the loaded vault configuration.
func (v *Vault) Config() *config.VaultConfig { return v.cfg }

// Index returns the relational index.
func (v *Vault) Index() *storage.IndexFile { return v.index }

// Events returns the event log domain layer.
func (v *Vault) Events() *eventlog.Log { return v.log }

// Store returns the entity file store.
func (v *Vault) Store() *store.FileStore { return v.store }

// Cache returns the change cache.
func (v *Vault) Cache() *cache.ChangeCache { return v.cache }

// GetEntity loads one entity through cache and file store, resolving the
// file path through the index.
func (v *Vault) GetEntity(ctx context.Context, id string) (*entity.Entity, error) {
	row, err := v.index.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.HydrateRow(row)
}

// HydrateRow loads the full entity behind an index row, preferring the
// change cache and filling it on a miss.
func (v *Vault) HydrateRow(row *storage.EntityRow) (*entity.Entity, error) {
	if e, ok := v.cache.Get(row.Path); ok {
		return e, nil
	}
	e, err := v.store.ReadPath(row.Path)
	if err != nil {
		return nil, err
	}
	v.cache.Put(row.Path, e)
	return e, nil
}

// Health is the ops-surface liveness summary.
type Health struct {
	Root     string      `json:"root"`
	Entities int         `json:"entities"`
	Events   int         `json:"events"`
	Branches int         `json:"branches"`
	Cache    cache.Stats `json:"cache"`
}

// Health reports basic counters for the open root.
func (v *Vault) Health(ctx context.Context) (*Health, error) {
	entities, err := v.index.CountEntities(ctx, "")
	if err != nil {
		return nil, err
	}
	events, err := v.events.CountEvents(ctx, "")
	if err != nil {
		return nil, err
	}
	branches, err := v.events.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	return &Health{
		Root:     v.root,
		Entities: entities,
		Events:   events,
		Branches: len(branches),
		Cache:    v.cache.Stats(),
	}, nil
}

// pushDerived fires the async best-effort derived index update for a
// committed change. Never blocks the caller on the external service.
func (v *Vault) pushDerived(changes []Change) {
	if _, ok := v.derived.(nopDerivedIndex); ok {
		return
	}
	v.pushWG.Add(1)
	go func() {
		defer v.pushWG.Done()
		ctx := context.Background()
		for _, ch := range changes {
			var err error
			if ch.Delete {
				err = v.derived.RemoveEntity(ctx, ch.EntityID)
			} else {
				err = v.derived.PushEntity(ctx, ch.Entity)
			}
			if err != nil {
				log.Warnf("[DERIVED] push %s failed: %v", ch.EntityID, err)
			}
		}
	}()
}

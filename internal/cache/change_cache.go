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

package cache

import (
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"storyvault/internal/entity"
)

// DefaultCapacity bounds the cache when the caller passes 0.
const DefaultCapacity = 1024

type cacheEntry struct {
	entity     *entity.Entity
	mtime      time.Time
	lastAccess time.Time
}

// ChangeCache is a bounded, LRU-evicting entity cache keyed by file path.
// A single stat syscall per Get replaces a full read-and-parse of the
// entity file, which is what makes batch snapshot loads cheap on the
// "many reads, few writes" access pattern.
//
// Thread-safe: the LRU is guarded by a mutex; stat runs outside it.
type ChangeCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *cacheEntry]

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewChangeCache creates a cache holding at most capacity entries
// (DefaultCapacity when capacity <= 0).
func NewChangeCache(capacity int) *ChangeCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &ChangeCache{}
	// NewWithEvict never fails for a positive size.
	c.lru, _ = lru.NewWithEvict[string, *cacheEntry](capacity, func(string, *cacheEntry) {
		c.evictions++
	})
	return c
}

// Get returns the cached entity for path iff the file's current mtime
// matches the mtime recorded at fill time. Any mismatch, including a stat
// failure for a vanished file, evicts the entry and counts as a miss.
// Returns a clone so callers can never mutate the cached copy.
func (c *ChangeCache) Get(path string) (*entity.Entity, bool) {
	if Disabled {
		return nil, false
	}

	// Stat before taking the lock; it is the expensive part.
	info, statErr := os.Stat(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.lru.Get(path)
	if !ok {
		c.misses++
		return nil, false
	}
	if statErr != nil || !info.ModTime().Equal(ent.mtime) {
		c.lru.Remove(path)
		c.misses++
		return nil, false
	}
	ent.lastAccess = time.Now()
	c.hits++
	return ent.entity.Clone(), true
}

// Put stores an entity under path, recording the file's current mtime.
// If the file cannot be statted the entry is not stored; there is no
// mtime to validate against later.
func (c *ChangeCache) Put(path string, e *entity.Entity) {
	if Disabled {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(path, &cacheEntry{
		entity:     e.Clone(),
		mtime:      info.ModTime(),
		lastAccess: time.Now(),
	})
}

// Invalidate unconditionally removes the entry for path. The Write
// Coordinator calls this right after a committed rename so the next read
// re-hydrates from the just-written file even on filesystems with coarse
// mtime resolution.
func (c *ChangeCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(path)
}

// InvalidateAll clears the cache. Only a forced full resync uses this.
func (c *ChangeCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the current number of entries.
func (c *ChangeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns current cache statistics.
func (c *ChangeCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

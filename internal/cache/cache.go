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

// Package cache provides the modification-time-validated entity cache that
// sits in front of the entity file store.
//
// Design principles:
//  1. The mtime comparison IS the invalidation channel: a cached entry is
//     served only when a fresh stat of its file returns the same mtime that
//     was recorded at fill time, so the cache stays correct even when an
//     external editor rewrites a file behind our back.
//  2. Purely a performance layer: every caller must behave identically
//     with the cache disabled (STORYVAULT_CACHE=0).
package cache

import "os"

// Disabled controls whether all caching mechanisms are disabled.
// Set via STORYVAULT_CACHE=0 environment variable.
// When true:
// - ChangeCache.Get() always returns a miss
// - ChangeCache.Put() is a no-op
//
// Useful for testing and debugging to verify logic works correctly without
// caching, and to isolate cache-related bugs.
var Disabled = os.Getenv("STORYVAULT_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// InvalidateAll clears all entries from the cache.
	InvalidateAll()
}

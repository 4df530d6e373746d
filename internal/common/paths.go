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

package common

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Data root layout. Every location below is a pure function of the root
// directory plus entity type and id, so readers and writers agree on paths
// without any lookup table.
const (
	EntitiesDir  = "entities"
	InternalDir  = ".storyvault"
	IndexDBName  = "index.db"
	EventsDBName = "events.db"
	ConfigName   = "config.yaml"
	LockName     = "vault.lock"

	// TempPrefix marks staged-but-not-renamed entity files. Orphans older
	// than the recovery grace window are discarded on startup.
	TempPrefix = ".tmp-"
)

var identPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateType checks that an entity type is usable as a directory name.
func ValidateType(typ string) error {
	if !identPattern.MatchString(typ) {
		return fmt.Errorf("invalid entity type %q", typ)
	}
	return nil
}

// ValidateID checks that an entity id is usable as a file name.
func ValidateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid entity id %q", id)
	}
	return nil
}

// EntityPath returns the durable file path for an entity.
func EntityPath(root, typ, id string) string {
	return filepath.Join(root, EntitiesDir, typ, id+".yaml")
}

// EntitiesRoot returns the directory holding all entity files.
func EntitiesRoot(root string) string {
	return filepath.Join(root, EntitiesDir)
}

// IndexDBPath returns the relational index database file path.
func IndexDBPath(root string) string {
	return filepath.Join(root, InternalDir, IndexDBName)
}

// EventsDBPath returns the event log database file path.
func EventsDBPath(root string) string {
	return filepath.Join(root, InternalDir, EventsDBName)
}

// ConfigPath returns the per-root config file path.
func ConfigPath(root string) string {
	return filepath.Join(root, InternalDir, ConfigName)
}

// LockPath returns the single-writer lock file path.
func LockPath(root string) string {
	return filepath.Join(root, InternalDir, LockName)
}

// IsTempPath reports whether path names a staged temp file.
func IsTempPath(path string) bool {
	return strings.HasPrefix(filepath.Base(path), TempPrefix)
}

// TypeAndIDFromPath inverts EntityPath: given a path under the entities
// directory it returns the entity type and id. The second return is false for
// paths outside the layout (temp files, stray files, wrong extension).
func TypeAndIDFromPath(root, path string) (typ, id string, ok bool) {
	rel, err := filepath.Rel(EntitiesRoot(root), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	typ = parts[0]
	name := parts[1]
	if IsTempPath(name) || !strings.HasSuffix(name, ".yaml") {
		return "", "", false
	}
	id = strings.TrimSuffix(name, ".yaml")
	if ValidateType(typ) != nil || ValidateID(id) != nil {
		return "", "", false
	}
	return typ, id, true
}

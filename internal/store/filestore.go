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

// Package store persists entities as one human-editable YAML file per
// entity under <root>/entities/<type>/<id>.yaml. Writes are atomic: the
// payload lands in a same-directory temp file first and only a successful
// rename makes it visible, so a reader never observes a half-written file.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyvault/internal/common"
	"storyvault/internal/entity"
)

// FileStore reads and writes entity files under a data root.
type FileStore struct {
	root string
}

// New creates a FileStore over root. It does not touch the filesystem;
// directories are created lazily on first write.
func New(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the data root path.
func (s *FileStore) Root() string {
	return s.root
}

// Path returns the canonical file path for an entity.
func (s *FileStore) Path(typ, id string) string {
	return common.EntityPath(s.root, typ, id)
}

// Read loads and decodes the entity stored at the canonical path for
// (typ, id). Returns common.ErrNotFound when no file exists.
func (s *FileStore) Read(typ, id string) (*entity.Entity, error) {
	return s.ReadPath(s.Path(typ, id))
}

// ReadPath loads and decodes the entity file at path.
func (s *FileStore) ReadPath(path string) (*entity.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrIO, path, err)
	}
	e, err := entity.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return e, nil
}

// Write encodes e and atomically replaces its entity file. Equivalent to
// WriteTemp followed immediately by Promote; callers that need to stage
// several files before any becomes visible use the two-step form.
func (s *FileStore) Write(e *entity.Entity) (string, error) {
	tmp, err := s.WriteTemp(e)
	if err != nil {
		return "", err
	}
	final := s.Path(e.Type, e.ID)
	if err := s.Promote(tmp, final); err != nil {
		return "", err
	}
	return final, nil
}

// WriteTemp encodes e into a temp file in the entity's final directory
// and returns the temp path. The temp file shares the destination
// directory so the later rename is a same-filesystem atomic operation.
func (s *FileStore) WriteTemp(e *entity.Entity) (string, error) {
	if err := common.ValidateType(e.Type); err != nil {
		return "", err
	}
	if err := common.ValidateID(e.ID); err != nil {
		return "", err
	}
	data, err := entity.Encode(e)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(s.Path(e.Type, e.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", common.ErrIO, dir, err)
	}

	tmp := filepath.Join(dir, common.TempPrefix+e.ID+"-"+uuid.NewString()[:8])
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create temp %s: %v", common.ErrIO, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: write temp %s: %v", common.ErrIO, tmp, err)
	}
	// Flush to disk before the rename makes the file visible, otherwise a
	// crash could leave a visible but empty entity file.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: sync temp %s: %v", common.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: close temp %s: %v", common.ErrIO, tmp, err)
	}
	return tmp, nil
}

// Promote atomically renames a staged temp file onto its final path.
func (s *FileStore) Promote(tmpPath, finalPath string) error {
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %v", common.ErrIO, tmpPath, finalPath, err)
	}
	return nil
}

// Discard removes a staged temp file. Missing files are not an error;
// rollback after a partial failure may race with crash recovery cleanup.
func (s *FileStore) Discard(tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", common.ErrIO, tmpPath, err)
	}
	return nil
}

// Delete removes an entity file. Returns common.ErrNotFound when the file
// does not exist.
func (s *FileStore) Delete(typ, id string) error {
	path := s.Path(typ, id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return common.ErrNotFound
		}
		return fmt.Errorf("%w: remove %s: %v", common.ErrIO, path, err)
	}
	return nil
}

// Stat returns file info for an entity's canonical path.
func (s *FileStore) Stat(typ, id string) (os.FileInfo, error) {
	info, err := os.Stat(s.Path(typ, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: stat: %v", common.ErrIO, err)
	}
	return info, nil
}

// Hash returns the content hash of the raw bytes currently on disk for
// (typ, id), without decoding.
func (s *FileStore) Hash(typ, id string) (string, error) {
	data, err := os.ReadFile(s.Path(typ, id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", common.ErrNotFound
		}
		return "", fmt.Errorf("%w: read: %v", common.ErrIO, err)
	}
	return entity.ContentHash(data), nil
}

// WalkEntityFiles calls fn for every entity file under the data root,
// skipping temp files and non-YAML strays. fn receives the absolute path
// and the file info.
func (s *FileStore) WalkEntityFiles(fn func(path string, info fs.FileInfo) error) error {
	entitiesRoot := common.EntitiesRoot(s.root)
	err := filepath.WalkDir(entitiesRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, common.TempPrefix) || !strings.HasSuffix(name, ".yaml") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(path, info)
	})
	if err != nil {
		return fmt.Errorf("%w: walk %s: %v", common.ErrIO, entitiesRoot, err)
	}
	return nil
}

// TempFiles lists all staged temp files currently under the data root.
func (s *FileStore) TempFiles() ([]string, error) {
	var temps []string
	entitiesRoot := common.EntitiesRoot(s.root)
	err := filepath.WalkDir(entitiesRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), common.TempPrefix) {
			temps = append(temps, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list temps: %v", common.ErrIO, err)
	}
	return temps, nil
}

// CleanupTempFiles removes orphaned temp files under the data root that
// are older than grace. Fresh temps are left alone since an in-flight
// commit may still promote them. Returns the paths removed.
func (s *FileStore) CleanupTempFiles(grace time.Duration) ([]string, error) {
	var removed []string
	cutoff := time.Now().Add(-grace)
	entitiesRoot := common.EntitiesRoot(s.root)
	err := filepath.WalkDir(entitiesRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), common.TempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed = append(removed, path)
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("%w: cleanup temps: %v", common.ErrIO, err)
	}
	return removed, nil
}

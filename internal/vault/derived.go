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
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"storyvault/internal/config"
	"storyvault/internal/entity"
)

// DerivedIndex receives entity changes after a commit becomes durable.
// Pushes are best-effort: a failing push is logged and dropped, never
// retried into the commit path. The relational index plus the entity
// files remain the only sources of truth.
type DerivedIndex interface {
	PushEntity(ctx context.Context, e *entity.Entity) error
	RemoveEntity(ctx context.Context, id string) error
}

// nopDerivedIndex is used when no external index is configured.
type nopDerivedIndex struct{}

func (nopDerivedIndex) PushEntity(context.Context, *entity.Entity) error { return nil }
func (nopDerivedIndex) RemoveEntity(context.Context, string) error       { return nil }

// derivedClass is the Weaviate class holding entity projections.
const derivedClass = "StoryEntity"

// derivedPushTimeout bounds each push so a hung index server cannot pile
// up goroutines behind it.
const derivedPushTimeout = 5 * time.Second

// weaviateDerivedIndex pushes flattened entity snapshots to a Weaviate
// instance for semantic search.
type weaviateDerivedIndex struct {
	client *weaviate.Client
}

// newDerivedIndex builds the configured derived index, or the no-op one.
// A misconfigured client degrades to no-op rather than failing the vault.
func newDerivedIndex(cfg config.DerivedIndexConfig) DerivedIndex {
	if !cfg.Enabled {
		return nopDerivedIndex{}
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	})
	if err != nil {
		log.Warnf("[DERIVED] disabled, client setup failed: %v", err)
		return nopDerivedIndex{}
	}
	log.Debugf("[DERIVED] weaviate index enabled at %s://%s", cfg.Scheme, cfg.Host)
	return &weaviateDerivedIndex{client: client}
}

func (w *weaviateDerivedIndex) PushEntity(ctx context.Context, e *entity.Entity) error {
	ctx, cancel := context.WithTimeout(ctx, derivedPushTimeout)
	defer cancel()

	props := map[string]any{
		"entityId":  e.ID,
		"type":      e.Type,
		"name":      e.Name,
		"parentId":  e.ParentID,
		"labels":    e.Labels,
		"updatedAt": e.UpdatedAt.Format(time.RFC3339),
	}
	// Replace-then-create keeps the object id stable as the entity id, so
	// repeated pushes of the same entity never duplicate.
	err := w.client.Data().Updater().
		WithClassName(derivedClass).
		WithID(e.ID).
		WithProperties(props).
		Do(ctx)
	if err == nil {
		return nil
	}
	_, err = w.client.Data().Creator().
		WithClassName(derivedClass).
		WithID(e.ID).
		WithProperties(props).
		Do(ctx)
	return err
}

func (w *weaviateDerivedIndex) RemoveEntity(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, derivedPushTimeout)
	defer cancel()
	return w.client.Data().Deleter().
		WithClassName(derivedClass).
		WithID(id).
		Do(ctx)
}

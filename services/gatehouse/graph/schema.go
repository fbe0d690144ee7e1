// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// EntityClassName is the Weaviate class holding synced change entities.
const EntityClassName = "ChangeEntity"

// entityClass returns the class definition for synced entities.
//
// Entities are plain records addressed by natural key; nothing here is
// vectorized, so the class disables the vectorizer entirely.
func entityClass() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       EntityClassName,
		Description: "Entities produced by approved changes, addressed by natural key",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "entityKey",
				DataType:        []string{"text"},
				Description:     "Natural key; unique within the class",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "kind",
				DataType:        []string{"text"},
				Description:     "Entity kind (skill, config, module, ...)",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "propertiesJson",
				DataType:    []string{"text"},
				Description: "Entity properties, JSON-encoded",
			},
			{
				Name:        "relationshipsJson",
				DataType:    []string{"text"},
				Description: "Outbound edges (predicate, target key), JSON-encoded",
			},
			{
				Name:        "createdAt",
				DataType:    []string{"date"},
				Description: "First sync time",
			},
			{
				Name:        "updatedAt",
				DataType:    []string{"date"},
				Description: "Most recent sync time",
			},
		},
	}
}

// EnsureSchema creates the ChangeEntity class if it does not exist.
// Idempotent; called once at syncer startup.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	_, err := client.Schema().ClassGetter().WithClassName(EntityClassName).Do(ctx)
	if err == nil {
		slog.Debug("graph schema already present", "class", EntityClassName)
		return nil
	}

	slog.Info("creating graph schema", "class", EntityClassName)
	if err := client.Schema().ClassCreator().WithClass(entityClass()).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", EntityClassName, err)
	}
	return nil
}

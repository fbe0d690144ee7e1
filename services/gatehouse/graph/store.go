// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package graph persists synced change entities to Weaviate.

Entities are addressed by natural key (entityKey), not by Weaviate UUID:
the UUID is derived deterministically from the key, so creates are
idempotent and a replayed queue message lands on the same object. Writes
go through a circuit breaker and bounded retries; failures come back
classified as TransportError (retryable) or PermanentError (not).

Thread Safety: Store is safe for concurrent use.
*/
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/resilience"
)

const tracerName = "gatehouse/graph"

// ErrNotFound is returned when no entity carries the requested key.
var ErrNotFound = errors.New("graph: entity not found")

// Config configures the entity store.
type Config struct {
	// URL is the Weaviate endpoint, with or without scheme. Required.
	URL string

	// Timeout bounds each individual store call. Defaults to 10s.
	Timeout time.Duration

	// Breaker configures the circuit breaker guarding the store.
	Breaker resilience.BreakerConfig

	// Retry configures per-operation retries inside the breaker.
	Retry resilience.RetryConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Entity is a stored entity with its sync stamps.
type Entity struct {
	datatypes.SyncEntity
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the resilient Weaviate-backed entity store.
type Store struct {
	client  *weaviate.Client
	config  Config
	logger  *slog.Logger
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
}

// NewStore connects to Weaviate. It does not probe the endpoint; use
// Ready for that.
func NewStore(config Config) (*Store, error) {
	config = config.withDefaults()
	if config.URL == "" {
		return nil, errors.New("graph: URL is required")
	}

	cfg := weaviate.Config{Host: config.URL, Scheme: "http"}
	if host, ok := strings.CutPrefix(config.URL, "https://"); ok {
		cfg.Scheme = "https"
		cfg.Host = host
	} else if host, ok := strings.CutPrefix(config.URL, "http://"); ok {
		cfg.Host = host
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("graph: create weaviate client: %w", err)
	}

	retry := config.Retry
	if retry.Logger == nil {
		retry.Logger = config.Logger
	}
	config.Retry = retry

	return &Store{
		client:  client,
		config:  config,
		logger:  config.Logger.With(slog.String("component", "graph")),
		breaker: resilience.NewCircuitBreaker("graph", config.Breaker),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Client exposes the underlying Weaviate client for schema management.
func (s *Store) Client() *weaviate.Client { return s.client }

// Breaker exposes the store's circuit breaker for status reporting.
func (s *Store) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Ready reports whether the store answers its readiness probe.
func (s *Store) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	isReady, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return classifyError("graph.ready", err)
	}
	if !isReady {
		return &TransportError{Op: "graph.ready", Err: errors.New("endpoint reports not ready")}
	}
	return nil
}

// Upsert merges entity into the existing object with the same key, or
// creates one when the key is new.
func (s *Store) Upsert(ctx context.Context, entity datatypes.SyncEntity) error {
	if err := entity.Validate(); err != nil {
		return &PermanentError{Op: "graph.upsert", Reason: "invalid entity", Err: err}
	}

	return s.execute(ctx, "graph.upsert", entity.Key, func(ctx context.Context) error {
		id, found, err := s.lookupID(ctx, entity.Key)
		if err != nil {
			return err
		}

		props, err := entityProperties(entity)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		props["updatedAt"] = now

		if found {
			return s.client.Data().Updater().
				WithClassName(EntityClassName).
				WithID(id).
				WithProperties(props).
				WithMerge().
				Do(ctx)
		}

		props["createdAt"] = now
		_, err = s.client.Data().Creator().
			WithClassName(EntityClassName).
			WithID(DeterministicID(entity.Key)).
			WithProperties(props).
			Do(ctx)
		return err
	})
}

// BatchOutcome reports per-entity failures from UpsertBatch, keyed by
// entity key. An empty map means every entity landed.
type BatchOutcome map[string]error

// UpsertBatch writes several entities in one request.
//
// Existing objects keep their createdAt stamp: the batch first resolves
// which keys already exist with a single query, then issues one batched
// write. Failures are attributed per entity so callers can dead-letter
// exactly the messages that lost.
func (s *Store) UpsertBatch(ctx context.Context, entities []datatypes.SyncEntity) (BatchOutcome, error) {
	outcome := make(BatchOutcome)
	if len(entities) == 0 {
		return outcome, nil
	}
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			outcome[e.Key] = &PermanentError{Op: "graph.upsertBatch", Reason: "invalid entity", Err: err}
		}
	}

	var valid []datatypes.SyncEntity
	for _, e := range entities {
		if _, bad := outcome[e.Key]; !bad {
			valid = append(valid, e)
		}
	}
	if len(valid) == 0 {
		return outcome, nil
	}

	err := s.execute(ctx, "graph.upsertBatch", fmt.Sprintf("%d entities", len(valid)), func(ctx context.Context) error {
		created, err := s.lookupCreatedAt(ctx, keysOf(valid))
		if err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		idToKey := make(map[string]string, len(valid))
		objects := make([]*models.Object, 0, len(valid))
		for _, e := range valid {
			props, err := entityProperties(e)
			if err != nil {
				outcome[e.Key] = err
				continue
			}
			props["updatedAt"] = now
			if createdAt, ok := created[e.Key]; ok {
				props["createdAt"] = createdAt
			} else {
				props["createdAt"] = now
			}

			id := DeterministicID(e.Key)
			idToKey[id] = e.Key
			objects = append(objects, &models.Object{
				Class:      EntityClassName,
				ID:         strfmt.UUID(id),
				Properties: props,
			})
		}
		if len(objects) == 0 {
			return nil
		}

		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return err
		}

		for _, item := range resp {
			key := idToKey[string(item.ID)]
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				continue
			}
			reason := "batch item failed"
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				reason = item.Result.Errors.Error[0].Message
			}
			outcome[key] = &PermanentError{Op: "graph.upsertBatch", Reason: reason}
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}

	if len(outcome) > 0 {
		s.logger.Warn("batch upsert had per-entity failures", "failed", len(outcome), "total", len(entities))
	}
	return outcome, nil
}

// Get fetches the entity with the given natural key.
func (s *Store) Get(ctx context.Context, key string) (*Entity, error) {
	if key == "" {
		return nil, &PermanentError{Op: "graph.get", Reason: "empty key"}
	}

	var entity *Entity
	err := s.execute(ctx, "graph.get", key, func(ctx context.Context) error {
		result, err := s.client.GraphQL().Get().
			WithClassName(EntityClassName).
			WithFields(
				graphql.Field{Name: "entityKey"},
				graphql.Field{Name: "kind"},
				graphql.Field{Name: "propertiesJson"},
				graphql.Field{Name: "relationshipsJson"},
				graphql.Field{Name: "createdAt"},
				graphql.Field{Name: "updatedAt"},
			).
			WithWhere(keyFilter(key)).
			WithLimit(1).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return &PermanentError{Op: "graph.get", Reason: result.Errors[0].Message}
		}

		objects := objectsFrom(result)
		if len(objects) == 0 {
			return ErrNotFound
		}
		entity, err = parseEntity(objects[0])
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// Delete removes the entity with the given key. Deleting a missing key
// returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.execute(ctx, "graph.delete", key, func(ctx context.Context) error {
		id, found, err := s.lookupID(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return s.client.Data().Deleter().
			WithClassName(EntityClassName).
			WithID(id).
			Do(ctx)
	})
}

// DeterministicID derives the Weaviate UUID for a natural key. The same
// key always maps to the same object.
func DeterministicID(key string) string {
	hash := sha256.Sum256([]byte("gatehouse/entity/" + key))
	id, err := uuid.FromBytes(hash[:16])
	if err != nil {
		// 16 bytes can always form a UUID; defensive fallback only.
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
	}
	return id.String()
}

// -----------------------------------------------------------------------------
// internals
// -----------------------------------------------------------------------------

// execute runs fn under breaker, retries, per-call timeout, and a span.
func (s *Store) execute(ctx context.Context, op, subject string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("graph.subject", subject),
	))
	defer span.End()

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
			defer cancel()
			return classifyError(op, fn(opCtx))
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "graph operation failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// lookupID resolves a natural key to its Weaviate UUID.
func (s *Store) lookupID(ctx context.Context, key string) (string, bool, error) {
	result, err := s.client.GraphQL().Get().
		WithClassName(EntityClassName).
		WithFields(
			graphql.Field{Name: "_additional { id }"},
			graphql.Field{Name: "entityKey"},
		).
		WithWhere(keyFilter(key)).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", false, err
	}
	if len(result.Errors) > 0 {
		return "", false, &PermanentError{Op: "graph.lookup", Reason: result.Errors[0].Message}
	}

	objects := objectsFrom(result)
	if len(objects) == 0 {
		return "", false, nil
	}

	additional, ok := objects[0]["_additional"].(map[string]interface{})
	if !ok {
		return "", false, &PermanentError{Op: "graph.lookup", Reason: "response missing _additional"}
	}
	id, ok := additional["id"].(string)
	if !ok {
		return "", false, &PermanentError{Op: "graph.lookup", Reason: "response missing object id"}
	}
	return id, true, nil
}

// lookupCreatedAt resolves createdAt stamps for the subset of keys that
// already exist, in one query.
func (s *Store) lookupCreatedAt(ctx context.Context, keys []string) (map[string]string, error) {
	where := filters.Where().
		WithPath([]string{"entityKey"}).
		WithOperator(filters.ContainsAny).
		WithValueText(keys...)

	result, err := s.client.GraphQL().Get().
		WithClassName(EntityClassName).
		WithFields(
			graphql.Field{Name: "entityKey"},
			graphql.Field{Name: "createdAt"},
		).
		WithWhere(where).
		WithLimit(len(keys)).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, &PermanentError{Op: "graph.lookup", Reason: result.Errors[0].Message}
	}

	created := make(map[string]string)
	for _, obj := range objectsFrom(result) {
		key, _ := obj["entityKey"].(string)
		createdAt, _ := obj["createdAt"].(string)
		if key != "" && createdAt != "" {
			created[key] = createdAt
		}
	}
	return created, nil
}

func keyFilter(key string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"entityKey"}).
		WithOperator(filters.Equal).
		WithValueString(key)
}

// objectsFrom unwraps the GraphQL Get response envelope.
func objectsFrom(result *models.GraphQLResponse) []map[string]interface{} {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data[EntityClassName].([]interface{})
	if !ok {
		return nil
	}
	objects := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if obj, ok := r.(map[string]interface{}); ok {
			objects = append(objects, obj)
		}
	}
	return objects
}

func entityProperties(entity datatypes.SyncEntity) (map[string]interface{}, error) {
	propsJSON, err := json.Marshal(entity.Properties)
	if err != nil {
		return nil, &PermanentError{Op: "graph.encode", Reason: "properties not JSON-encodable", Err: err}
	}
	relsJSON, err := json.Marshal(entity.Relationships)
	if err != nil {
		return nil, &PermanentError{Op: "graph.encode", Reason: "relationships not JSON-encodable", Err: err}
	}
	return map[string]interface{}{
		"entityKey":         entity.Key,
		"kind":              entity.Kind,
		"propertiesJson":    string(propsJSON),
		"relationshipsJson": string(relsJSON),
	}, nil
}

func parseEntity(obj map[string]interface{}) (*Entity, error) {
	entity := &Entity{}
	entity.Key, _ = obj["entityKey"].(string)
	entity.Kind, _ = obj["kind"].(string)

	if raw, ok := obj["propertiesJson"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &entity.Properties); err != nil {
			return nil, &PermanentError{Op: "graph.decode", Reason: "stored properties corrupt", Err: err}
		}
	}
	if raw, ok := obj["relationshipsJson"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &entity.Relationships); err != nil {
			return nil, &PermanentError{Op: "graph.decode", Reason: "stored relationships corrupt", Err: err}
		}
	}
	if raw, ok := obj["createdAt"].(string); ok {
		entity.CreatedAt, _ = time.Parse(time.RFC3339, raw)
	}
	if raw, ok := obj["updatedAt"].(string); ok {
		entity.UpdatedAt, _ = time.Parse(time.RFC3339, raw)
	}
	return entity, nil
}

func keysOf(entities []datatypes.SyncEntity) []string {
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.Key
	}
	return keys
}

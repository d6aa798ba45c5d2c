package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/cache"
)

// EntityLookup is the part of EntityStore the resolver reads from
type EntityLookup interface {
	Exists(ctx context.Context, model, key string) (bool, error)
	Keys(ctx context.Context, model string) ([]string, error)
}

// CachedResolver answers reference lookups from the cache before asking the database.
// Only positive answers are cached so a dependency becomes visible as soon as it is stored.
type CachedResolver struct {
	entities EntityLookup
	cache    cache.Cache
	logger   *logrus.Entry
}

// NewCachedResolver creates a CachedResolver
func NewCachedResolver(entities EntityLookup, c cache.Cache) *CachedResolver {
	return &CachedResolver{
		entities: entities,
		cache:    c,
		logger:   logrus.WithField("component", "resolver"),
	}
}

func lookupKey(model, key string) string { return "entity:" + model + ":" + key }

func bulkKey(model string) string { return "entitymap:" + model }

// Exists implements mapping.RefResolver
func (r *CachedResolver) Exists(ctx context.Context, model, key string) (bool, error) {
	if ok, err := r.cache.Exists(ctx, lookupKey(model, key)); err != nil {
		r.logger.WithError(err).Debug("Cache lookup failed")
	} else if ok {
		return true, nil
	}
	if keys, err := r.bulk(ctx, model); err == nil && slices.Contains(keys, key) {
		return true, nil
	}

	ok, err := r.entities.Exists(ctx, model, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := r.cache.Set(ctx, lookupKey(model, key), []byte("1"), cache.EntityLookupTTL); err != nil {
		r.logger.WithError(err).Debug("Failed to cache lookup")
	}
	return true, nil
}

// Remember caches a known entity, typically right after it has been persisted
func (r *CachedResolver) Remember(ctx context.Context, model, key string) {
	if err := r.cache.Set(ctx, lookupKey(model, key), []byte("1"), cache.EntityLookupTTL); err != nil {
		r.logger.WithError(err).Debug("Failed to cache lookup")
	}
}

// Preload stores the full key set of model as a bulk map
func (r *CachedResolver) Preload(ctx context.Context, model string) (int, error) {
	keys, err := r.entities.Keys(ctx, model)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return 0, err
	}
	if err := r.cache.Set(ctx, bulkKey(model), b, cache.BulkMapTTL); err != nil {
		return 0, err
	}
	r.logger.WithField("model", model).WithField("keys", len(keys)).Debug("Preloaded entity map")
	return len(keys), nil
}

func (r *CachedResolver) bulk(ctx context.Context, model string) ([]string, error) {
	b, err := r.cache.Get(ctx, bulkKey(model))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.logger.WithError(err).Debug("Bulk map lookup failed")
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

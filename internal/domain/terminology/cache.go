package terminology

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// cacheClient is the subset of *redis.Client the lookup cache needs.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

const procedureKeyPrefix = "revcycle:code:procedure:"

// CachedProcedureRepository is a read-through Redis cache in front of a
// ProcedureRepository. Cache failures fall back to the underlying repository.
type CachedProcedureRepository struct {
	inner  ProcedureRepository
	client cacheClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedProcedureRepository(inner ProcedureRepository, client cacheClient, ttl time.Duration, logger zerolog.Logger) *CachedProcedureRepository {
	return &CachedProcedureRepository{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (r *CachedProcedureRepository) Search(ctx context.Context, query string, limit int) ([]*ProcedureCode, error) {
	return r.inner.Search(ctx, query, limit)
}

func (r *CachedProcedureRepository) GetByCode(ctx context.Context, code string) (*ProcedureCode, error) {
	key := procedureKeyPrefix + code

	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p ProcedureCode
		if err := json.Unmarshal(raw, &p); err == nil {
			return &p, nil
		}
		r.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		r.logger.Warn().Err(err).Str("key", key).Msg("code cache read failed")
	}

	p, err := r.inner.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("code cache write failed")
		}
	}
	return p, nil
}

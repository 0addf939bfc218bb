package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const reportGenerationKey = "reports:generation"

// ReportGeneration returns the current cache generation; 0 when never bumped.
func (r *Repository) ReportGeneration(ctx context.Context) (int64, error) {
	if r.rdb == nil {
		return 0, ErrCacheDisabled
	}
	gen, err := r.rdb.Get(ctx, reportGenerationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// BumpReportGeneration invalidates every cached report at once.
func (r *Repository) BumpReportGeneration(ctx context.Context) error {
	if r.rdb == nil {
		return ErrCacheDisabled
	}
	return r.rdb.Incr(ctx, reportGenerationKey).Err()
}

// CacheReport writes v as JSON.
func (r *Repository) CacheReport(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if r.rdb == nil {
		return ErrCacheDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key, b, ttl).Err()
}

// GetCachedReport reads a cached report into dst; redis.Nil on a miss.
func (r *Repository) GetCachedReport(ctx context.Context, key string, dst interface{}) error {
	if r.rdb == nil {
		return ErrCacheDisabled
	}
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

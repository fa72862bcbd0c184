// Package cache keeps permit registry rows in Redis so repeated reports of
// the same billboard do not hit Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"billboard-sentinel/internal/domain/billboard"
	"billboard-sentinel/internal/repository"
	"billboard-sentinel/internal/utils"
)

type PermitFinder interface {
	FindPermit(ctx context.Context, licenseID string) (*repository.Permit, error)
}

type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// PermitCache caches registry rows by license id only. Validity and the
// location match are evaluated on every lookup against the caller's own time
// and coordinates. Misses and errors are never cached and Redis failures only
// cost a registry round trip.
type PermitCache struct {
	rdb        store
	inner      PermitFinder
	ttl        time.Duration
	toleranceM float64
	now        func() time.Time
	log        zerolog.Logger
}

func NewPermitCache(rdb *redis.Client, inner PermitFinder, ttl time.Duration, toleranceM float64, log zerolog.Logger) *PermitCache {
	return newPermitCache(rdb, inner, ttl, toleranceM, log)
}

func newPermitCache(rdb store, inner PermitFinder, ttl time.Duration, toleranceM float64, log zerolog.Logger) *PermitCache {
	return &PermitCache{rdb: rdb, inner: inner, ttl: ttl, toleranceM: toleranceM, now: time.Now, log: log}
}

// Connect opens a Redis client and checks it responds.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (c *PermitCache) LookupPermit(ctx context.Context, licenseID string, at *billboard.Coordinates) (billboard.PermitRecord, error) {
	normalized := utils.NormalizeLicenseID(licenseID)
	if normalized == "" {
		return billboard.PermitRecord{Status: billboard.LookupNotFound, Detail: "empty license id"}, nil
	}

	permit, err := c.permit(ctx, normalized)
	if errors.Is(err, repository.ErrNotFound) {
		return billboard.PermitRecord{LicenseID: normalized, Status: billboard.LookupNotFound}, nil
	}
	if err != nil {
		return billboard.PermitRecord{}, err
	}
	return repository.EvaluatePermit(*permit, at, c.now(), c.toleranceM), nil
}

func (c *PermitCache) permit(ctx context.Context, normalized string) (*repository.Permit, error) {
	key := permitKey(normalized)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p repository.Permit
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
		c.log.Warn().Str("key", key).Msg("discarding undecodable cached permit")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("key", key).Msg("permit cache read failed")
	}

	p, err := c.inner.FindPermit(ctx, normalized)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err == nil {
		err = c.rdb.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("permit cache write failed")
	}
	return p, nil
}

func permitKey(normalized string) string {
	return "permit:" + normalized
}

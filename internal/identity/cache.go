package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "journey:identity:"

// Source is anything that can resolve display names, typically a Directory.
type Source interface {
	PatientDisplayName(ctx context.Context, patientID string) (string, error)
	StaffDisplayName(ctx context.Context, staffID string) (string, error)
}

// CachedLookup keeps resolved names in redis for ttl. Redis failures are
// logged and fall through to the source.
type CachedLookup struct {
	source Source
	client redis.Cmdable
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedLookup(source Source, client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *CachedLookup {
	return &CachedLookup{
		source: source,
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "identity_cache").Logger(),
	}
}

func (c *CachedLookup) PatientDisplayName(ctx context.Context, patientID string) (string, error) {
	return c.lookup(ctx, "patient", patientID, c.source.PatientDisplayName)
}

func (c *CachedLookup) StaffDisplayName(ctx context.Context, staffID string) (string, error) {
	return c.lookup(ctx, "staff", staffID, c.source.StaffDisplayName)
}

func (c *CachedLookup) lookup(ctx context.Context, kind, id string, load func(context.Context, string) (string, error)) (string, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, kind, id)

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("key", key).Msg("identity cache read failed")
	}

	name, err := load(ctx, id)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", nil
	}
	if err := c.client.Set(ctx, key, name, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("identity cache write failed")
	}
	return name, nil
}

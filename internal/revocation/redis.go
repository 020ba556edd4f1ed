// Package revocation keeps one "invalidated before" instant per user in Redis.
// Any token issued strictly before that instant is treated as revoked.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements auth.Revocations on Redis.
type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// New returns a Store whose keys expire after ttl. Use the refresh-token lifetime or longer:
// once every token issued before a cutoff has expired on its own the key is no longer needed.
// A non-positive ttl keeps keys forever.
func New(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key holding userID's cutoff.
func Key(userID string) string {
	return "user:" + userID + ":tokens:invalidated_before"
}

// InvalidateAllBefore stores cutoff, truncated to the second, replacing any previous value.
func (s *Store) InvalidateAllBefore(ctx context.Context, userID string, cutoff time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("revocation: user id is required")
	}
	value := cutoff.UTC().Truncate(time.Second).Format(time.RFC3339)
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, Key(userID), value, ttl).Err(); err != nil {
		return fmt.Errorf("revocation: set cutoff: %w", err)
	}
	return nil
}

// Cutoff returns the stored cutoff. ok is false when none is set.
func (s *Store) Cutoff(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("revocation: get cutoff: %w", err)
	}
	cutoff, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("revocation: parse cutoff %q: %w", raw, err)
	}
	return cutoff.UTC(), true, nil
}

// IsInvalidated reports whether a token issued at issuedAt falls before the user's cutoff.
func (s *Store) IsInvalidated(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	cutoff, ok, err := s.Cutoff(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return issuedAt.UTC().Truncate(time.Second).Before(cutoff), nil
}

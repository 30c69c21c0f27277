// Package sessionstore persists browser session state (cookies, tokens,
// storage snapshots) per account in Redis. The pool saves a snapshot before
// destroying an instance and seeds new instances from the stored blob, so a
// session survives instance eviction and worker restarts.
//
// The blob is opaque here: the browser engine owns its shape.
package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "fmd:session:"

// Store reads and writes per-account session blobs with a TTL.
type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func New(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger.Named("sessionstore")}
}

func key(accountID string) string {
	return keyPrefix + accountID
}

// Load returns the stored session blob for the account. A missing session is
// not an error: it returns (nil, nil) and means a fresh login is required.
func (s *Store) Load(ctx context.Context, accountID string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, key(accountID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", accountID, err)
	}
	return raw, nil
}

// Save stores the session blob, resetting the TTL.
func (s *Store) Save(ctx context.Context, accountID string, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, key(accountID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session for %s: %w", accountID, err)
	}
	s.logger.Debug("Session saved",
		zap.String("account_id", accountID),
		zap.Int("bytes", len(blob)))
	return nil
}

// Delete removes the stored session, typically after an explicit logout or a
// session the site has invalidated.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	if err := s.rdb.Del(ctx, key(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", accountID, err)
	}
	return nil
}

// ExtendTTL refreshes the expiry on an existing session without rewriting
// the blob. Extending a missing session is a no-op.
func (s *Store) ExtendTTL(ctx context.Context, accountID string) error {
	if err := s.rdb.Expire(ctx, key(accountID), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to extend session ttl for %s: %w", accountID, err)
	}
	return nil
}

// Package lock provides distributed mutual exclusion for the Relay platform.
// Locks are rows in the shared PostgreSQL store: acquisition is an atomic
// set-if-not-exists (an upsert that only overwrites expired rows) with a TTL,
// and release is compare-and-delete keyed by the holder, so a slow holder
// whose TTL lapsed can never delete a newer owner's lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/azevedojoel/relay/internal/database"
)

const (
	// acquireSQL claims the key if it is free or its previous holder expired.
	// The WHERE clause on the conflict update makes expiry takeover atomic.
	acquireSQL = `
		INSERT INTO locks (key, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at <= now()`

	// releaseSQL deletes the key only if the caller still holds it.
	releaseSQL = `DELETE FROM locks WHERE key = $1 AND holder = $2`

	// renewSQL extends the TTL only for the current holder.
	renewSQL = `
		UPDATE locks SET expires_at = $3
		WHERE key = $1 AND holder = $2 AND expires_at > now()`

	// holderSQL reads the current unexpired holder of a key.
	holderSQL = `SELECT holder FROM locks WHERE key = $1 AND expires_at > now()`
)

// Service grants TTL-bounded exclusive locks keyed by string.
type Service interface {
	// Acquire attempts to take the lock for key on behalf of holder.
	// Returns true if the lock was taken, false if another holder owns it.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release deletes the lock only if holder still owns it (compare-and-delete).
	// Returns true if the lock was released by this call.
	Release(ctx context.Context, key, holder string) (bool, error)

	// Renew extends the TTL for the current holder.
	// Returns false if the holder no longer owns the lock.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Holder returns the current unexpired holder of key, or "" if free.
	Holder(ctx context.Context, key string) (string, error)
}

// AgentKey builds the lock key guarding concurrent runs of one agent.
func AgentKey(namespace, agentID string) string {
	return fmt.Sprintf("%s:agent-lock:%s", namespace, agentID)
}

type service struct {
	db *database.DB
}

// NewService creates a lock service backed by the shared database.
func NewService(db *database.DB) Service {
	return &service{db: db}
}

func (s *service) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	result, err := s.db.Pool().Exec(ctx, acquireSQL, key, holder, time.Now().UTC().Add(ttl))
	if err != nil {
		if database.IsDuplicate(err) {
			// Conflict update was filtered out: an unexpired holder exists.
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *service) Release(ctx context.Context, key, holder string) (bool, error) {
	result, err := s.db.Pool().Exec(ctx, releaseSQL, key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *service) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	result, err := s.db.Pool().Exec(ctx, renewSQL, key, holder, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %q: %w", key, err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *service) Holder(ctx context.Context, key string) (string, error) {
	var holder string
	err := s.db.Pool().QueryRow(ctx, holderSQL, key).Scan(&holder)
	if err != nil {
		if database.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read lock %q: %w", key, err)
	}
	return holder, nil
}

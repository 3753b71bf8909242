package database

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Advisory lock keys for batch operations. Each batch operation takes a
// session-scoped advisory lock so a second concurrent invocation observes the
// first and skips the work instead of duplicating it.
const (
	LockCreateMissing = "unification:create-missing"
	LockRebuildGroups = "grouping:rebuild"
)

// lockID maps a lock name to a stable signed 64-bit key for pg_advisory_lock.
func lockID(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAdvisoryLock attempts to take a session-scoped advisory lock without
// blocking. Returns false if another session holds it.
func TryAdvisoryLock(ctx context.Context, q Querier, name string) (bool, error) {
	var acquired bool
	err := q.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID(name)).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to acquire advisory lock %s: %w", name, err)
	}
	return acquired, nil
}

// AdvisoryUnlock releases a lock taken by TryAdvisoryLock on the same session.
func AdvisoryUnlock(ctx context.Context, q Querier, name string) error {
	var released bool
	err := q.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockID(name)).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock %s: %w", name, err)
	}
	if !released {
		return fmt.Errorf("advisory lock %s was not held by this session", name)
	}
	return nil
}

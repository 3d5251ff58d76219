package postgres

import (
	"context"
	"fmt"
)

// TryLock takes a session-level advisory lock named by key on a dedicated
// connection. The returned release function unlocks and returns the
// connection to the pool; it is nil when the lock was not acquired.
func (s *PostgresStore) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock %q: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// the lock must be released on the session that holds it
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key)
		conn.Release()
	}
	return release, true, nil
}

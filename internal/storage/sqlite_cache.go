package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetVersionCache implements Store.GetVersionCache.
// Entries older than ttl are treated as absent; a ttl of zero disables
// expiry.
func (s *SQLiteStore) GetVersionCache(ctx context.Context, userID, repo, tag string, ttl time.Duration) (VersionCacheEntry, bool, error) {
	var entry VersionCacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, repo, tag, digest, version, resolved_at
		FROM version_cache
		WHERE user_id = ? AND repo = ? AND tag = ?
	`, userID, repo, tag).Scan(&entry.UserID, &entry.Repo, &entry.Tag, &entry.Digest, &entry.Version, &entry.ResolvedAt)

	if err == sql.ErrNoRows {
		return VersionCacheEntry{}, false, nil
	}
	if err != nil {
		return VersionCacheEntry{}, false, fmt.Errorf("failed to query version cache: %w", err)
	}

	if ttl > 0 && entry.ResolvedAt.Before(time.Now().Add(-ttl)) {
		s.log.Debug("version cache expired for %s:%s (resolved %v)", repo, tag, entry.ResolvedAt)
		return VersionCacheEntry{}, false, nil
	}
	return entry, true, nil
}

// SaveVersionCache implements Store.SaveVersionCache.
func (s *SQLiteStore) SaveVersionCache(ctx context.Context, entry VersionCacheEntry) error {
	return s.retryWithBackoff(ctx, func() error {
		resolvedAt := entry.ResolvedAt
		if resolvedAt.IsZero() {
			resolvedAt = time.Now()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO version_cache (user_id, repo, tag, digest, version, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.UserID, entry.Repo, entry.Tag, entry.Digest, entry.Version, resolvedAt)
		if err != nil {
			return fmt.Errorf("failed to save version cache: %w", err)
		}
		return nil
	})
}

// InvalidateVersionCache implements Store.InvalidateVersionCache.
// Removes entries for (repo, tag) across all users so the next refresh
// re-resolves against the registry.
func (s *SQLiteStore) InvalidateVersionCache(ctx context.Context, repo, tag string) error {
	return s.retryWithBackoff(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM version_cache WHERE repo = ? AND tag = ?
		`, repo, tag)
		if err != nil {
			return fmt.Errorf("failed to invalidate version cache: %w", err)
		}
		if affected, err := result.RowsAffected(); err == nil && affected > 0 {
			s.log.Debug("invalidated %d version cache entries for %s:%s", affected, repo, tag)
		}
		return nil
	})
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetNotificationRecord implements Store.GetNotificationRecord.
func (s *SQLiteStore) GetNotificationRecord(ctx context.Context, userID, dedupKey string) (NotificationDedupRecord, bool, error) {
	var record NotificationDedupRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, dedup_key, dedup_type, created_at
		FROM notification_dedup
		WHERE user_id = ? AND dedup_key = ?
	`, userID, dedupKey).Scan(&record.UserID, &record.DedupKey, &record.Type, &record.CreatedAt)

	if err == sql.ErrNoRows {
		return NotificationDedupRecord{}, false, nil
	}
	if err != nil {
		return NotificationDedupRecord{}, false, fmt.Errorf("failed to query dedup record: %w", err)
	}
	return record, true, nil
}

// SaveNotificationRecord implements Store.SaveNotificationRecord.
func (s *SQLiteStore) SaveNotificationRecord(ctx context.Context, record NotificationDedupRecord) error {
	return s.retryWithBackoff(ctx, func() error {
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO notification_dedup (user_id, dedup_key, dedup_type, created_at)
			VALUES (?, ?, ?, ?)
		`, record.UserID, record.DedupKey, record.Type, createdAt)
		if err != nil {
			return fmt.Errorf("failed to save dedup record: %w", err)
		}
		return nil
	})
}

// DeleteNotificationRecord implements Store.DeleteNotificationRecord.
func (s *SQLiteStore) DeleteNotificationRecord(ctx context.Context, userID, dedupKey string) error {
	return s.retryWithBackoff(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM notification_dedup WHERE user_id = ? AND dedup_key = ?
		`, userID, dedupKey)
		if err != nil {
			return fmt.Errorf("failed to delete dedup record: %w", err)
		}
		return nil
	})
}

// PruneNotificationRecords implements Store.PruneNotificationRecords.
// Only version-fallback records age out; digest-backed records are permanent.
func (s *SQLiteStore) PruneNotificationRecords(ctx context.Context, window time.Duration) (int, error) {
	var pruned int
	err := s.retryWithBackoff(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM notification_dedup
			WHERE dedup_type = ? AND created_at < ?
		`, DedupTypeVersion, time.Now().Add(-window))
		if err != nil {
			return fmt.Errorf("failed to prune dedup records: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		pruned = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.Debug("pruned %d expired version-fallback dedup records", pruned)
	}
	return pruned, nil
}

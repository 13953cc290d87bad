package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendUpgradeRecord implements Store.AppendUpgradeRecord.
func (s *SQLiteStore) AppendUpgradeRecord(ctx context.Context, record UpgradeRecord) error {
	return s.retryWithBackoff(ctx, func() error {
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO upgrade_history
			(id, instance_url, endpoint_id, container_id, container_name, new_container_id,
			 old_image, new_image, old_digest, new_digest, duration_ms, status, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, record.ID, record.InstanceURL, record.EndpointID, record.ContainerID, record.ContainerName,
			record.NewContainerID, record.OldImage, record.NewImage, record.OldDigest, record.NewDigest,
			record.DurationMs, record.Status, nullableString(record.ErrorMessage), createdAt)
		if err != nil {
			return fmt.Errorf("failed to append upgrade record: %w", err)
		}
		return nil
	})
}

// ListUpgradeRecords implements Store.ListUpgradeRecords.
func (s *SQLiteStore) ListUpgradeRecords(ctx context.Context, containerName string, limit int) ([]UpgradeRecord, error) {
	query := `
		SELECT id, instance_url, endpoint_id, container_id, container_name, new_container_id,
		       old_image, new_image, old_digest, new_digest, duration_ms, status, error_message, created_at
		FROM upgrade_history
	`
	args := []interface{}{}
	if containerName != "" {
		query += ` WHERE container_name = ?`
		args = append(args, containerName)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query upgrade history: %w", err)
	}
	defer rows.Close()

	records := make([]UpgradeRecord, 0)
	for rows.Next() {
		var record UpgradeRecord
		var errorMessage sql.NullString
		err := rows.Scan(
			&record.ID, &record.InstanceURL, &record.EndpointID, &record.ContainerID, &record.ContainerName,
			&record.NewContainerID, &record.OldImage, &record.NewImage, &record.OldDigest, &record.NewDigest,
			&record.DurationMs, &record.Status, &errorMessage, &record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upgrade record: %w", err)
		}
		if errorMessage.Valid {
			record.ErrorMessage = errorMessage.String
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upgrade history rows: %w", err)
	}
	return records, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

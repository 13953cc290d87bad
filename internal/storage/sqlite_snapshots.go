package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const snapshotColumns = `container_id, container_name, endpoint_id, instance_url, user_id,
	image_name, image_repo, current_digest, current_tag,
	latest_digest, latest_tag, latest_version, has_update, stack_name,
	uses_network_mode, provides_network, state, status, image_created, checked_at`

// UpsertSnapshots implements Store.UpsertSnapshots.
// All rows are written in one transaction so a reader never sees a
// half-persisted refresh.
func (s *SQLiteStore) UpsertSnapshots(ctx context.Context, snapshots []ContainerSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	return s.retryWithBackoff(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin snapshot transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO container_snapshots (`+snapshotColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot upsert: %w", err)
		}
		defer stmt.Close()

		for _, snap := range snapshots {
			checkedAt := snap.CheckedAt
			if checkedAt.IsZero() {
				checkedAt = time.Now()
			}
			var imageCreated interface{}
			if !snap.ImageCreated.IsZero() {
				imageCreated = snap.ImageCreated
			}
			_, err := stmt.ExecContext(ctx,
				snap.ContainerID, snap.ContainerName, snap.EndpointID, snap.InstanceURL, snap.UserID,
				snap.ImageName, snap.ImageRepo, snap.CurrentDigest, snap.CurrentTag,
				snap.LatestDigest, snap.LatestTag, snap.LatestVersion, snap.HasUpdate, snap.StackName,
				snap.UsesNetworkMode, snap.ProvidesNetwork, snap.State, snap.Status, imageCreated, checkedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert snapshot for %s: %w", snap.ContainerName, err)
			}
		}

		return tx.Commit()
	})
}

// ListSnapshots implements Store.ListSnapshots.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, instanceURL string) ([]ContainerSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM container_snapshots`
	args := []interface{}{}
	if instanceURL != "" {
		query += ` WHERE instance_url = ?`
		args = append(args, instanceURL)
	}
	query += ` ORDER BY instance_url, endpoint_id, container_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	return scanSnapshotRows(rows)
}

// GetSnapshotByIdentity implements Store.GetSnapshotByIdentity.
func (s *SQLiteStore) GetSnapshotByIdentity(ctx context.Context, containerName, instanceURL string, endpointID int) (ContainerSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM container_snapshots
		WHERE container_name = ? AND instance_url = ? AND endpoint_id = ?
	`, containerName, instanceURL, endpointID)

	snap, err := scanSnapshotRow(row)
	if err == sql.ErrNoRows {
		return ContainerSnapshot{}, false, nil
	}
	if err != nil {
		return ContainerSnapshot{}, false, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return snap, true, nil
}

// DeleteMissingSnapshots implements Store.DeleteMissingSnapshots.
func (s *SQLiteStore) DeleteMissingSnapshots(ctx context.Context, instanceURL string, endpointID int, presentNames []string) (int, error) {
	var deleted int
	err := s.retryWithBackoff(ctx, func() error {
		query := `DELETE FROM container_snapshots WHERE instance_url = ? AND endpoint_id = ?`
		args := []interface{}{instanceURL, endpointID}

		if len(presentNames) > 0 {
			placeholders := strings.Repeat("?,", len(presentNames))
			query += ` AND container_name NOT IN (` + placeholders[:len(placeholders)-1] + `)`
			for _, name := range presentNames {
				args = append(args, name)
			}
		}

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete missing snapshots: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.log.Info("removed %d stale snapshots for %s endpoint %d", deleted, instanceURL, endpointID)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshotRow(row rowScanner) (ContainerSnapshot, error) {
	var snap ContainerSnapshot
	var imageCreated sql.NullTime
	err := row.Scan(
		&snap.ContainerID, &snap.ContainerName, &snap.EndpointID, &snap.InstanceURL, &snap.UserID,
		&snap.ImageName, &snap.ImageRepo, &snap.CurrentDigest, &snap.CurrentTag,
		&snap.LatestDigest, &snap.LatestTag, &snap.LatestVersion, &snap.HasUpdate, &snap.StackName,
		&snap.UsesNetworkMode, &snap.ProvidesNetwork, &snap.State, &snap.Status, &imageCreated, &snap.CheckedAt,
	)
	if err != nil {
		return ContainerSnapshot{}, err
	}
	if imageCreated.Valid {
		snap.ImageCreated = imageCreated.Time
	}
	return snap, nil
}

func scanSnapshotRows(rows *sql.Rows) ([]ContainerSnapshot, error) {
	snapshots := make([]ContainerSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snapshots, nil
}

package database

import (
	"context"
	"time"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

// InsertGalleryEntry records one produced artifact.
func (d Datasource) InsertGalleryEntry(ctx context.Context, entry model.GalleryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO nodeflow.gallery (user_id, execution_id, workflow_id, iteration, url, media_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.UserID, entry.ExecutionID, entry.WorkflowID, entry.Iteration, entry.URL, entry.MediaType, entry.CreatedAt)
	if err != nil {
		return mapWriteError(err, "Failed to insert gallery entry")
	}
	return nil
}

// GetGalleryEntries returns the artifacts of an execution ordered by iteration.
func (d Datasource) GetGalleryEntries(ctx context.Context, executionID int64) ([]model.GalleryEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, user_id, execution_id, workflow_id, iteration, url, media_type, created_at
		FROM nodeflow.gallery
		WHERE execution_id = $1
		ORDER BY iteration ASC, id ASC
	`, executionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve gallery entries", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.GalleryEntry
	for rows.Next() {
		var entry model.GalleryEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ExecutionID, &entry.WorkflowID, &entry.Iteration, &entry.URL, &entry.MediaType, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan gallery entry", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

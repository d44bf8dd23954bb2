package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

const workflowCacheTTL = 10 * time.Minute

func workflowCacheKey(id int64) string {
	return fmt.Sprintf("workflows:%d", id)
}

// CreateWorkflow stores a workflow definition.
func (d Datasource) CreateWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error) {
	definition, err := json.Marshal(wf.Definition)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal workflow definition", err)
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}

	err = d.Conn.QueryRowContext(ctx, `
		INSERT INTO nodeflow.workflows (user_id, name, definition, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, wf.UserID, wf.Name, definition, wf.CreatedAt).Scan(&wf.ID)
	if err != nil {
		return nil, mapWriteError(err, "Failed to create workflow")
	}
	return &wf, nil
}

// GetWorkflow retrieves a workflow by id, serving repeated reads from the cache.
func (d Datasource) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Get workflow")
	defer span.End()

	if d.Cache != nil {
		var cached model.Workflow
		err := d.Cache.Get(ctx, workflowCacheKey(id), &cached)
		if err == nil && cached.ID == id {
			return &cached, nil
		}
	}

	var wf model.Workflow
	var definition []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, user_id, name, definition, created_at
		FROM nodeflow.workflows
		WHERE id = $1
	`, id).Scan(&wf.ID, &wf.UserID, &wf.Name, &definition, &wf.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Workflow with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve workflow", err)
	}
	if err := json.Unmarshal(definition, &wf.Definition); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode workflow definition", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, workflowCacheKey(id), wf, workflowCacheTTL); err != nil {
			log.Printf("Failed to cache workflow: %v", err)
		}
	}
	return &wf, nil
}

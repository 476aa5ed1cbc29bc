package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ActivityStatus string

const (
	ActivityStarted   ActivityStatus = "started"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// Activity is one run of a periodic or on-demand task.
type Activity struct {
	ID              uuid.UUID
	TaskType        string
	WatchID         *int64
	Status          ActivityStatus
	ItemsProcessed  int
	PagesFetched    int
	NewItemsFound   int
	AlertsGenerated int
	ErrorMessage    *string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

func (db *DB) StartActivity(ctx context.Context, a *Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}
	a.Status = ActivityStarted

	_, err := db.pool.Exec(ctx, `
		INSERT INTO scrape_activity (id, task_type, watch_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.TaskType, a.WatchID, a.Status, a.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to start activity: %w", err)
	}
	return nil
}

func (db *DB) FinishActivity(ctx context.Context, a *Activity) error {
	now := time.Now()
	a.CompletedAt = &now

	_, err := db.pool.Exec(ctx, `
		UPDATE scrape_activity SET
			status = $2,
			items_processed = $3,
			pages_fetched = $4,
			new_items_found = $5,
			alerts_generated = $6,
			error_message = $7,
			completed_at = $8
		WHERE id = $1`,
		a.ID, a.Status, a.ItemsProcessed, a.PagesFetched, a.NewItemsFound,
		a.AlertsGenerated, a.ErrorMessage, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to finish activity %s: %w", a.ID, err)
	}
	return nil
}

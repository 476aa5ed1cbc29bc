package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type Alert struct {
	ID                 int64
	WatchID            int64
	ItemID             int64
	PriceDifference    float64
	StdDeviationsBelow float64
	Reason             string
	Highlighted        bool
}

// InsertAlertWithTx stores the alert unless one already exists for the
// same watch and item. created is false for the duplicate case.
func (db *DB) InsertAlertWithTx(ctx context.Context, tx pgx.Tx, a *Alert) (created bool, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO underprice_alert (
			watch_id, item_id, price_difference, std_deviations_below, reason, highlighted
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (watch_id, item_id) DO NOTHING
		RETURNING id`,
		a.WatchID, a.ItemID, a.PriceDifference, a.StdDeviationsBelow, a.Reason, a.Highlighted,
	).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert alert for item %d: %w", a.ItemID, err)
	}
	return true, nil
}

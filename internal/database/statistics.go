package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/pricing"
)

// SaveStatistics upserts one row per condition for the watch.
func (db *DB) SaveStatistics(ctx context.Context, watchID int64, stats []pricing.Stats) error {
	if len(stats) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range stats {
		batch.Queue(`
			INSERT INTO price_statistics (watch_id, condition, mean_price, std_deviation, item_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (watch_id, condition) DO UPDATE SET
				mean_price = EXCLUDED.mean_price,
				std_deviation = EXCLUDED.std_deviation,
				item_count = EXCLUDED.item_count,
				updated_at = NOW()`,
			watchID, int16(s.Condition), s.Mean, s.StdDev, s.Count)
	}

	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save statistics for watch %d: %w", watchID, err)
	}
	return nil
}

// Statistics returns the stored statistics of a watch keyed by condition.
func (db *DB) Statistics(ctx context.Context, watchID int64) (map[models.Condition]pricing.Stats, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT condition, mean_price, std_deviation, item_count
		FROM price_statistics
		WHERE watch_id = $1`, watchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics for watch %d: %w", watchID, err)
	}
	defer rows.Close()

	out := make(map[models.Condition]pricing.Stats)
	for rows.Next() {
		var (
			s    pricing.Stats
			cond int16
		)
		if err := rows.Scan(&cond, &s.Mean, &s.StdDev, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		s.Condition = models.Condition(cond)
		out[s.Condition] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

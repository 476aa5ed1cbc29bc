package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-watch/internal/models"
)

const watchColumns = `
	id, name, search_parameters, std_dev_threshold, absolute_price_threshold,
	blacklist_words, highlight_words, is_active, created_at, updated_at`

func scanWatch(row pgx.Row) (models.Watch, error) {
	var (
		w         models.Watch
		params    []byte
		blacklist string
		highlight string
	)
	err := row.Scan(
		&w.ID, &w.Name, &params, &w.StdDevThreshold, &w.AbsolutePriceThreshold,
		&blacklist, &highlight, &w.Active, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return models.Watch{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &w.Search); err != nil {
			return models.Watch{}, fmt.Errorf("watch %d has invalid search parameters: %w", w.ID, err)
		}
	}
	w.BlacklistWords = models.SplitWords(blacklist)
	w.HighlightWords = models.SplitWords(highlight)
	if w.StdDevThreshold <= 0 {
		w.StdDevThreshold = models.DefaultStdDevThreshold
	}
	return w, nil
}

// ActiveWatches returns active watches ordered by id.
func (db *DB) ActiveWatches(ctx context.Context) ([]models.Watch, error) {
	rows, err := db.pool.Query(ctx, `SELECT`+watchColumns+` FROM price_watch WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	var watches []models.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return watches, nil
}

func (db *DB) GetWatch(ctx context.Context, id int64) (models.Watch, error) {
	w, err := scanWatch(db.pool.QueryRow(ctx, `SELECT`+watchColumns+` FROM price_watch WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Watch{}, fmt.Errorf("watch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Watch{}, fmt.Errorf("failed to get watch %d: %w", id, err)
	}
	return w, nil
}

// CreateWatch inserts w and fills in its id and timestamps.
func (db *DB) CreateWatch(ctx context.Context, w *models.Watch) error {
	params, err := json.Marshal(w.Search)
	if err != nil {
		return fmt.Errorf("failed to marshal search parameters: %w", err)
	}
	if w.StdDevThreshold <= 0 {
		w.StdDevThreshold = models.DefaultStdDevThreshold
	}

	err = db.pool.QueryRow(ctx, `
		INSERT INTO price_watch (
			name, search_parameters, std_dev_threshold, absolute_price_threshold,
			blacklist_words, highlight_words, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		w.Name, params, w.StdDevThreshold, w.AbsolutePriceThreshold,
		strings.Join(w.BlacklistWords, ","), strings.Join(w.HighlightWords, ","), w.Active,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create watch: %w", err)
	}
	return nil
}

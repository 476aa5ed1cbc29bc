package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maltedev/price-watch/internal/models"
)

// Item is one persisted listing, keyed by the marketplace's own id.
type Item struct {
	VintedID       int64            `db:"vinted_id"`
	Title          string           `db:"title"`
	Price          float64          `db:"price"`
	Currency       string           `db:"currency"`
	Condition      models.Condition `db:"condition"`
	Brand          string           `db:"brand"`
	Size           string           `db:"size"`
	Color          string           `db:"color"`
	Description    string           `db:"description"`
	URL            string           `db:"url"`
	SellerID       *int64           `db:"seller_id"`
	SellerLogin    string           `db:"seller_login"`
	SellerBusiness bool             `db:"seller_business"`
	FavouriteCount *int             `db:"favourite_count"`
	ViewCount      *int             `db:"view_count"`
	ServiceFee     *float64         `db:"service_fee"`
	TotalItemPrice *float64         `db:"total_item_price"`
	UploadDate     *time.Time       `db:"upload_date"`
	APIResponse    json.RawMessage  `db:"api_response"`
	FirstSeen      time.Time        `db:"first_seen"`
	LastSeen       time.Time        `db:"last_seen"`
}

// UpsertItem inserts the item or refreshes every field of an existing row,
// marks it active and stamps last_seen. created reports whether the row is
// new.
func (db *DB) UpsertItem(ctx context.Context, it *Item) (created bool, err error) {
	query := `
		INSERT INTO item (
			vinted_id, title, price, currency, condition, brand, size, color,
			description, url, seller_id, seller_login, seller_business,
			favourite_count, view_count, service_fee, total_item_price,
			upload_date, api_response, is_active, first_seen, last_seen
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, TRUE, NOW(), NOW()
		)
		ON CONFLICT (vinted_id) DO UPDATE SET
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			condition = EXCLUDED.condition,
			brand = EXCLUDED.brand,
			size = EXCLUDED.size,
			color = EXCLUDED.color,
			description = EXCLUDED.description,
			url = EXCLUDED.url,
			seller_id = EXCLUDED.seller_id,
			seller_login = EXCLUDED.seller_login,
			seller_business = EXCLUDED.seller_business,
			favourite_count = EXCLUDED.favourite_count,
			view_count = EXCLUDED.view_count,
			service_fee = EXCLUDED.service_fee,
			total_item_price = EXCLUDED.total_item_price,
			upload_date = COALESCE(EXCLUDED.upload_date, item.upload_date),
			api_response = EXCLUDED.api_response,
			is_active = TRUE,
			last_seen = NOW()
		RETURNING first_seen, last_seen, (xmax = 0)`

	err = db.pool.QueryRow(ctx, query,
		it.VintedID, it.Title, it.Price, it.Currency, int16(it.Condition), it.Brand, it.Size, it.Color,
		it.Description, it.URL, it.SellerID, it.SellerLogin, it.SellerBusiness,
		it.FavouriteCount, it.ViewCount, it.ServiceFee, it.TotalItemPrice,
		it.UploadDate, it.APIResponse,
	).Scan(&it.FirstSeen, &it.LastSeen, &created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert item %d: %w", it.VintedID, err)
	}
	return created, nil
}

// LinkItem associates an item with a watch. Repeated links are no-ops.
func (db *DB) LinkItem(ctx context.Context, watchID, itemID int64) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO price_watch_item (watch_id, item_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, watchID, itemID)
	if err != nil {
		return fmt.Errorf("failed to link item %d to watch %d: %w", itemID, watchID, err)
	}
	return nil
}

// ItemSample is the slice of an item that statistics are computed from.
type ItemSample struct {
	VintedID    int64
	Condition   models.Condition
	Price       float64
	Title       string
	Description string
	Brand       string
}

// WatchSamples returns every item linked to the watch.
func (db *DB) WatchSamples(ctx context.Context, watchID int64) ([]ItemSample, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT i.vinted_id, i.condition, i.price, i.title, i.description, i.brand
		FROM item i
		JOIN price_watch_item pwi ON pwi.item_id = i.vinted_id
		WHERE pwi.watch_id = $1`, watchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for watch %d: %w", watchID, err)
	}
	defer rows.Close()

	var samples []ItemSample
	for rows.Next() {
		var (
			s    ItemSample
			cond int16
		)
		if err := rows.Scan(&s.VintedID, &cond, &s.Price, &s.Title, &s.Description, &s.Brand); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Condition = models.Condition(cond)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return samples, nil
}

// MarkStaleInactive deactivates active items not seen since cutoff and
// returns how many rows changed.
func (db *DB) MarkStaleInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE item SET is_active = FALSE
		WHERE is_active AND last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale items: %w", err)
	}
	return tag.RowsAffected(), nil
}

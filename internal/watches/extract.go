package watches

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/models"
)

// payloadFields are the optional listing fields read from the opaque
// payload. Loosely typed members stay raw because the marketplace is not
// consistent about their shape.
type payloadFields struct {
	Description    string          `json:"description"`
	BrandTitle     string          `json:"brand_title"`
	Brand          json.RawMessage `json:"brand"`
	SizeTitle      string          `json:"size_title"`
	Size           json.RawMessage `json:"size"`
	Color          json.RawMessage `json:"color"`
	Colour         json.RawMessage `json:"colour"`
	FavouriteCount *int            `json:"favourite_count"`
	ViewCount      *int            `json:"view_count"`
	ServiceFee     json.RawMessage `json:"service_fee"`
	TotalItemPrice json.RawMessage `json:"total_item_price"`
	Timestamp      json.RawMessage `json:"timestamp"`
	User           *struct {
		ID                json.Number `json:"id"`
		Login             string      `json:"login"`
		IsBusinessAccount bool        `json:"is_business_account"`
	} `json:"user"`
	Photo *struct {
		HighResolution *struct {
			Timestamp json.RawMessage `json:"timestamp"`
		} `json:"high_resolution"`
	} `json:"photo"`
}

// ExtractItem turns a search result record into a persistable row. ok is
// false for records without an id or a price.
func ExtractItem(rec models.ItemRecord) (database.Item, bool) {
	if rec.ID == 0 || rec.Price == nil || rec.Price.Amount <= 0 {
		return database.Item{}, false
	}

	it := database.Item{
		VintedID:    rec.ID,
		Title:       rec.Title,
		Price:       rec.Price.Amount,
		Currency:    rec.Price.Currency,
		Condition:   rec.Condition,
		URL:         rec.URL,
		APIResponse: rec.Payload,
	}
	if it.Condition == models.ConditionUnknown {
		it.Condition = models.ConditionVeryGood
	}

	var f payloadFields
	if len(rec.Payload) == 0 || json.Unmarshal(rec.Payload, &f) != nil {
		return it, true
	}

	it.Description = f.Description
	it.Brand = f.BrandTitle
	if it.Brand == "" {
		it.Brand = title(f.Brand)
	}
	it.Size = f.SizeTitle
	if it.Size == "" {
		it.Size = title(f.Size)
	}
	it.Color = title(f.Color)
	if it.Color == "" {
		it.Color = title(f.Colour)
	}
	it.FavouriteCount = f.FavouriteCount
	it.ViewCount = f.ViewCount
	it.ServiceFee = amount(f.ServiceFee)
	it.TotalItemPrice = amount(f.TotalItemPrice)

	if f.User != nil {
		if id, err := f.User.ID.Int64(); err == nil {
			it.SellerID = &id
		}
		it.SellerLogin = f.User.Login
		it.SellerBusiness = f.User.IsBusinessAccount
	}

	ts := f.Timestamp
	if len(ts) == 0 && f.Photo != nil && f.Photo.HighResolution != nil {
		ts = f.Photo.HighResolution.Timestamp
	}
	it.UploadDate = uploadTime(ts)

	return it, true
}

// title reads either a plain string or an object with a "title" member.
func title(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Title string `json:"title"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Title
	}
	return ""
}

// amount reads {"amount": "1.50"} or {"amount": 1.5}.
func amount(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var obj struct {
		Amount json.RawMessage `json:"amount"`
	}
	if json.Unmarshal(raw, &obj) != nil || len(obj.Amount) == 0 {
		return nil
	}
	var n float64
	if json.Unmarshal(obj.Amount, &n) == nil {
		return &n
	}
	var s string
	if json.Unmarshal(obj.Amount, &s) == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &v
		}
	}
	return nil
}

// uploadTime accepts unix seconds as number or digit string, or an ISO
// 8601 timestamp.
func uploadTime(raw json.RawMessage) *time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var secs float64
	if json.Unmarshal(raw, &secs) == nil {
		t := time.Unix(int64(secs), 0).UTC()
		return &t
	}

	var s string
	if json.Unmarshal(raw, &s) != nil || s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(n, 0).UTC()
		return &t
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/maltedev/price-watch/internal/models"
)

// apiItem is the subset of the marketplace item object the core reads.
// Everything else travels in ItemRecord.Payload untouched.
type apiItem struct {
	ID       json.RawMessage `json:"id"`
	Title    string          `json:"title"`
	Price    json.RawMessage `json:"price"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
	StatusID int             `json:"status_id"`
	URL      string          `json:"url"`
	Path     string          `json:"path"`
}

type apiPrice struct {
	Amount       json.RawMessage `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
}

type envelope struct {
	Items []json.RawMessage `json:"items"`
	Item  json.RawMessage   `json:"item"`
}

// DecodeSearch reads a catalog payload of the form {"items": [...]}.
// Items that cannot be decoded are skipped.
func DecodeSearch(body []byte, baseURL string) ([]models.ItemRecord, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode search payload: %w", err)
	}
	if env.Items == nil {
		return nil, fmt.Errorf("search payload has no items field")
	}

	items := make([]models.ItemRecord, 0, len(env.Items))
	for _, raw := range env.Items {
		rec, ok := DecodeItem(raw, baseURL)
		if ok {
			items = append(items, rec)
		}
	}
	return items, nil
}

// DecodeItemEnvelope reads an item payload of the form {"item": {...}}.
func DecodeItemEnvelope(body []byte, baseURL string) (models.ItemRecord, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.ItemRecord{}, fmt.Errorf("failed to decode item payload: %w", err)
	}
	if len(env.Item) == 0 || bytes.Equal(env.Item, []byte("null")) {
		return models.ItemRecord{}, fmt.Errorf("item payload has no item field")
	}
	rec, ok := DecodeItem(env.Item, baseURL)
	if !ok {
		return models.ItemRecord{}, fmt.Errorf("item payload is not an object")
	}
	return rec, nil
}

func DecodeItem(raw json.RawMessage, baseURL string) (models.ItemRecord, bool) {
	var it apiItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return models.ItemRecord{}, false
	}

	rec := models.ItemRecord{
		ID:      parseID(it.ID),
		Title:   it.Title,
		URL:     it.URL,
		Payload: append(json.RawMessage(nil), raw...),
	}
	if rec.URL == "" && it.Path != "" {
		rec.URL = strings.TrimRight(baseURL, "/") + it.Path
	}
	if rec.URL == "" && rec.ID != 0 {
		rec.URL = fmt.Sprintf("%s/items/%d", strings.TrimRight(baseURL, "/"), rec.ID)
	}

	if it.StatusID > 0 {
		rec.Condition = models.Condition(it.StatusID)
	} else {
		rec.Condition = models.ConditionFromText(it.Status)
	}

	if p, ok := decodePrice(it.Price, it.Currency); ok {
		rec.Price = &p
	}
	return rec, true
}

func decodePrice(raw json.RawMessage, currency string) (models.Price, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.Price{}, false
	}

	if raw[0] == '{' {
		var p apiPrice
		if err := json.Unmarshal(raw, &p); err != nil {
			return models.Price{}, false
		}
		amount, ok := decodeAmount(p.Amount)
		if !ok {
			return models.Price{}, false
		}
		if p.CurrencyCode != "" {
			currency = p.CurrencyCode
		}
		return models.Price{Amount: amount, Currency: currency}, true
	}

	amount, ok := decodeAmount(raw)
	if !ok {
		return models.Price{}, false
	}
	return models.Price{Amount: amount, Currency: currency}, true
}

func decodeAmount(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
		p, ok := ParsePrice(s)
		return p.Amount, ok
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func parseID(raw json.RawMessage) int64 {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

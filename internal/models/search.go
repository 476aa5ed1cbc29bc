package models

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

type SortOrder string

const (
	OrderNewestFirst SortOrder = "newest_first"
	OrderPriceLow    SortOrder = "price_low_to_high"
	OrderPriceHigh   SortOrder = "price_high_to_low"
	OrderRelevance   SortOrder = "relevance"
)

// SearchRequest is the normalized query every strategy consumes. The JSON
// form doubles as the persisted search parameters of a watch.
type SearchRequest struct {
	Query       string    `json:"search_text,omitempty"`
	CatalogIDs  []int64   `json:"catalog_ids,omitempty"`
	BrandIDs    []int64   `json:"brand_ids,omitempty"`
	SizeIDs     []int64   `json:"size_ids,omitempty"`
	ColorIDs    []int64   `json:"color_ids,omitempty"`
	MaterialIDs []int64   `json:"material_ids,omitempty"`
	StatusIDs   []int64   `json:"status_ids,omitempty"`
	PriceFrom   *float64  `json:"price_from,omitempty"`
	PriceTo     *float64  `json:"price_to,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Order       SortOrder `json:"order,omitempty"`
	Page        int       `json:"page,omitempty"`
	PerPage     int       `json:"per_page,omitempty"`
}

func (r SearchRequest) WithPage(page int) SearchRequest {
	r.Page = page
	return r
}

// APIValues renders the request as API query parameters. ID lists are
// comma-joined.
func (r SearchRequest) APIValues() url.Values {
	v := url.Values{}
	if r.Query != "" {
		v.Set("search_text", r.Query)
	}
	setIDs := func(key string, ids []int64) {
		if len(ids) > 0 {
			v.Set(key, joinIDs(ids))
		}
	}
	setIDs("catalog_ids", r.CatalogIDs)
	setIDs("brand_ids", r.BrandIDs)
	setIDs("size_ids", r.SizeIDs)
	setIDs("color_ids", r.ColorIDs)
	setIDs("material_ids", r.MaterialIDs)
	setIDs("status_ids", r.StatusIDs)
	r.setCommon(v)
	if r.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(r.PerPage))
	}
	return v
}

// FrontendValues renders the request for the human-facing catalog page,
// which uses repeated bracketed keys instead of comma lists.
func (r SearchRequest) FrontendValues() url.Values {
	v := url.Values{}
	if r.Query != "" {
		v.Set("search_text", r.Query)
	}
	addIDs := func(key string, ids []int64) {
		for _, id := range ids {
			v.Add(key, strconv.FormatInt(id, 10))
		}
	}
	addIDs("catalog[]", r.CatalogIDs)
	addIDs("brand_ids[]", r.BrandIDs)
	addIDs("size_ids[]", r.SizeIDs)
	addIDs("color_ids[]", r.ColorIDs)
	addIDs("material_ids[]", r.MaterialIDs)
	addIDs("status_ids[]", r.StatusIDs)
	r.setCommon(v)
	return v
}

func (r SearchRequest) setCommon(v url.Values) {
	if r.PriceFrom != nil {
		v.Set("price_from", formatAmount(*r.PriceFrom))
	}
	if r.PriceTo != nil {
		v.Set("price_to", formatAmount(*r.PriceTo))
	}
	if r.Currency != "" {
		v.Set("currency", r.Currency)
	}
	if r.Order != "" {
		v.Set("order", string(r.Order))
	}
	if r.Page > 0 {
		v.Set("page", strconv.Itoa(r.Page))
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

type Watch struct {
	ID                     int64         `json:"id"`
	Name                   string        `json:"name"`
	Search                 SearchRequest `json:"search_parameters"`
	StdDevThreshold        float64       `json:"std_dev_threshold"`
	AbsolutePriceThreshold *float64      `json:"absolute_price_threshold,omitempty"`
	BlacklistWords         []string      `json:"blacklist_words,omitempty"`
	HighlightWords         []string      `json:"highlight_words,omitempty"`
	Active                 bool          `json:"active"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

const DefaultStdDevThreshold = 1.5

// SplitWords parses a comma-separated word list as stored by the admin UI.
func SplitWords(s string) []string {
	var out []string
	for _, w := range strings.Split(s, ",") {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

package strategy

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/retry"
)

// blobPattern locates an embedded JSON value inside inline script text.
// wrapKey is set for patterns that match a bare object member, which is
// wrapped into an object before decoding.
type blobPattern struct {
	name    string
	start   *regexp.Regexp
	wrapKey string
}

// Tried in order; the first one that yields a payload with items (or an
// item) wins. These names follow the site's current bundles and will need
// updating when its frontend changes.
var blobPatterns = []blobPattern{
	{name: "__INITIAL_STATE__", start: regexp.MustCompile(`window\.__INITIAL_STATE__\s*=\s*`)},
	{name: "__CATALOG_ITEMS__", start: regexp.MustCompile(`window\.__CATALOG_ITEMS__\s*=\s*`)},
	{name: "__ITEM_DATA__", start: regexp.MustCompile(`window\.__ITEM_DATA__\s*=\s*`)},
	{name: "items", start: regexp.MustCompile(`"items"\s*:\s*`), wrapKey: "items"},
}

var itemIDPattern = regexp.MustCompile(`/items/(\d+)`)

// DOM renders the human-facing page and reads the data out of the
// document: embedded JSON first, element selectors second.
type DOM struct {
	runner PageRunner
	target Target
	guard  guard
	logger *slog.Logger
}

type DOMConfig struct {
	Target  Target
	Policy  *retry.Policy
	Gate    blocking.Gate
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewDOM(runner PageRunner, cfg DOMConfig) *DOM {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "strategy", "strategy", string(ModeDOM))
	return &DOM{
		runner: runner,
		target: cfg.Target,
		logger: logger,
		guard: guard{
			name:    string(ModeDOM),
			gate:    cfg.Gate,
			policy:  cfg.Policy,
			metrics: cfg.Metrics,
			logger:  logger,
		},
	}
}

func (d *DOM) Name() string { return string(ModeDOM) }

func (d *DOM) Available(ctx context.Context) error {
	return d.runner.Start()
}

func (d *DOM) Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	result := emptySearch(d.Name(), req.Page)
	pageURL := d.target.catalogURL(req)

	err := d.guard.run(ctx, "search", func(ctx context.Context) error {
		html, err := d.runner.FetchHTML(ctx, pageURL)
		if err != nil {
			return err
		}
		items, source := d.extractSearch(html)
		result.Items = items
		d.logger.Info("extracted search results", "source", source, "items", len(items))
		return nil
	})
	return result, err
}

func (d *DOM) Item(ctx context.Context, id int64) (models.ItemResult, error) {
	result := models.ItemResult{Strategy: d.Name()}
	pageURL := d.target.itemURL(id)

	err := d.guard.run(ctx, "item", func(ctx context.Context) error {
		html, err := d.runner.FetchHTML(ctx, pageURL)
		if err != nil {
			return err
		}
		result.Item = d.extractItem(html, id)
		return nil
	})
	return result, err
}

func (d *DOM) extractSearch(html string) ([]models.ItemRecord, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		d.logger.Warn("failed to parse document", "error", err)
		return []models.ItemRecord{}, "none"
	}

	if body, name, ok := findEmbeddedJSON(doc); ok {
		if items, err := DecodeSearch(body, d.target.BaseURL); err == nil {
			return items, name
		}
	}

	return d.itemsFromSelectors(doc), "selectors"
}

func (d *DOM) extractItem(html string, id int64) models.ItemRecord {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		d.logger.Warn("failed to parse document", "error", err)
		return models.ItemRecord{}
	}

	if body, _, ok := findEmbeddedJSON(doc); ok {
		if rec, err := DecodeItemEnvelope(body, d.target.BaseURL); err == nil {
			return rec
		}
	}

	fields := map[string]any{"id": id}
	rec := models.ItemRecord{ID: id, URL: d.target.itemURL(id)}

	if title := strings.TrimSpace(doc.FindMatcher(itemPageTitle).First().Text()); title != "" {
		rec.Title = title
		fields["title"] = title
	}
	if p, ok := ParsePrice(doc.FindMatcher(itemPrice).First().Text()); ok {
		rec.Price = &p
		fields["price"] = map[string]any{"amount": strconv.FormatFloat(p.Amount, 'f', 2, 64), "currency_code": p.Currency}
	}
	if desc := strings.TrimSpace(doc.FindMatcher(itemDescription).First().Text()); desc != "" {
		fields["description"] = desc
	}
	rec.Payload, _ = json.Marshal(fields)
	return rec
}

// Selectors for the server-rendered catalog and item pages.
var (
	catalogCard     = cascadia.MustCompile(`[data-testid="catalog-item"]`)
	itemLink        = cascadia.MustCompile(`a[href*="/items/"]`)
	itemTitle       = cascadia.MustCompile(`[data-testid="item-title"]`)
	itemPrice       = cascadia.MustCompile(`[data-testid="item-price"]`)
	itemPageTitle   = cascadia.MustCompile(`h1[data-testid="item-title"]`)
	itemDescription = cascadia.MustCompile(`[data-testid="item-description"]`)
	inlineScript    = cascadia.MustCompile("script")
)

func (d *DOM) itemsFromSelectors(doc *goquery.Document) []models.ItemRecord {
	items := []models.ItemRecord{}
	base := d.target.base()

	doc.FindMatcher(catalogCard).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.FindMatcher(itemLink).First().Attr("href")
		if !ok {
			return
		}
		m := itemIDPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return
		}

		url := href
		if strings.HasPrefix(href, "/") {
			url = base + href
		}
		rec := models.ItemRecord{ID: id, URL: url, Condition: models.ConditionVeryGood}
		fields := map[string]any{"id": id, "url": url}

		if title := strings.TrimSpace(sel.FindMatcher(itemTitle).First().Text()); title != "" {
			rec.Title = title
			fields["title"] = title
		}
		if p, ok := ParsePrice(sel.FindMatcher(itemPrice).First().Text()); ok {
			rec.Price = &p
			fields["price"] = map[string]any{"amount": strconv.FormatFloat(p.Amount, 'f', 2, 64), "currency_code": p.Currency}
		}
		rec.Payload, _ = json.Marshal(fields)
		items = append(items, rec)
	})
	return items
}

// findEmbeddedJSON scans inline scripts for the known patterns. For each
// script every pattern is tried in order; the first decodable object
// carrying "items" or "item" is returned.
func findEmbeddedJSON(doc *goquery.Document) ([]byte, string, bool) {
	var (
		found []byte
		name  string
	)
	doc.FindMatcher(inlineScript).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, external := s.Attr("src"); external {
			return true
		}
		text := s.Text()
		for _, p := range blobPatterns {
			body, ok := matchBlob(text, p)
			if ok {
				found, name = body, p.name
				return false
			}
		}
		return true
	})
	return found, name, found != nil
}

func matchBlob(text string, p blobPattern) ([]byte, bool) {
	for _, loc := range p.start.FindAllStringIndex(text, -1) {
		value, ok := balanced(text, loc[1])
		if !ok {
			continue
		}
		body := []byte(value)
		if p.wrapKey != "" {
			body = []byte(`{"` + p.wrapKey + `":` + value + `}`)
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			continue
		}
		if _, ok := probe["items"]; ok {
			return body, true
		}
		if _, ok := probe["item"]; ok {
			return body, true
		}
	}
	return nil, false
}

// balanced returns the JSON object or array starting at text[start],
// tracking nesting and string literals.
func balanced(text string, start int) (string, bool) {
	if start >= len(text) {
		return "", false
	}
	open := text[start]
	if open != '{' && open != '[' {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

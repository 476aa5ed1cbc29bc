package strategy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/price-watch/internal/models"
)

var (
	amountPattern   = regexp.MustCompile(`\d[\d.,\s\x{00a0}\x{202f}]*`)
	currencySymbols = []struct {
		symbol string
		code   string
	}{
		{"€", "EUR"},
		{"£", "GBP"},
		{"zł", "PLN"},
		{"kč", "CZK"},
		{"sek", "SEK"},
		{"$", "USD"},
		{"eur", "EUR"},
	}
)

// ParsePrice extracts an amount from a localized price label such as
// "€12,50", "1.234,56 €" or "£1,234.56". Either separator may be the
// decimal one. ok is false when no amount can be read.
func ParsePrice(text string) (price models.Price, ok bool) {
	lower := strings.ToLower(text)
	for _, c := range currencySymbols {
		if strings.Contains(lower, c.symbol) {
			price.Currency = c.code
			break
		}
	}

	raw := amountPattern.FindString(text)
	if raw == "" {
		return models.Price{}, false
	}
	raw = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t', '\n':
			return -1
		}
		return r
	}, raw)
	raw = strings.TrimRight(raw, ".,")

	amount, ok := parseAmount(raw)
	if !ok {
		return models.Price{}, false
	}
	price.Amount = amount
	return price, true
}

func parseAmount(s string) (float64, bool) {
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	var normalized string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			normalized = strings.ReplaceAll(s[:lastComma], ".", "") + "." + s[lastComma+1:]
			normalized = strings.ReplaceAll(normalized, ",", "")
		} else {
			normalized = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		normalized = resolveSingleSeparator(s, ',')
	case lastDot >= 0:
		normalized = resolveSingleSeparator(s, '.')
	default:
		normalized = s
	}

	f, err := strconv.ParseFloat(normalized, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

// resolveSingleSeparator decides whether sep is a decimal or a grouping
// separator: a single occurrence followed by one or two digits is
// decimal, anything else groups thousands.
func resolveSingleSeparator(s string, sep byte) string {
	if strings.Count(s, string(sep)) == 1 {
		i := strings.IndexByte(s, sep)
		if tail := len(s) - i - 1; tail > 0 && tail <= 2 {
			return s[:i] + "." + s[i+1:]
		}
	}
	return strings.ReplaceAll(s, string(sep), "")
}

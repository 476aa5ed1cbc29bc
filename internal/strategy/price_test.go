package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in       string
		amount   float64
		currency string
	}{
		{"€12,50", 12.50, "EUR"},
		{"€1.234,56", 1234.56, "EUR"},
		{"12,50 €", 12.50, "EUR"},
		{"€ 8", 8, "EUR"},
		{"£1,234.56", 1234.56, "GBP"},
		{"$19.99", 19.99, "USD"},
		{"€1.234", 1234, "EUR"},
		{"1 234,00 zł", 1234, "PLN"},
		{"€ 45,00", 45, "EUR"},
		{"15.5", 15.5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, ok := ParsePrice(tt.in)
			assert.True(t, ok)
			assert.InDelta(t, tt.amount, p.Amount, 0.0001)
			assert.Equal(t, tt.currency, p.Currency)
		})
	}
}

func TestParsePriceMalformed(t *testing.T) {
	for _, in := range []string{"", "€", "free", "price on request", "--,--"} {
		t.Run(in, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, ok := ParsePrice(in)
				assert.False(t, ok)
			})
		})
	}
}

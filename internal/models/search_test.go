package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchRequestAPIValues(t *testing.T) {
	from := 10.0
	req := SearchRequest{
		Query:      "nike air",
		CatalogIDs: []int64{1206, 79},
		BrandIDs:   []int64{53},
		PriceFrom:  &from,
		Order:      OrderNewestFirst,
		Page:       2,
		PerPage:    96,
	}

	v := req.APIValues()
	assert.Equal(t, "nike air", v.Get("search_text"))
	assert.Equal(t, "1206,79", v.Get("catalog_ids"))
	assert.Equal(t, "53", v.Get("brand_ids"))
	assert.Equal(t, "10", v.Get("price_from"))
	assert.Equal(t, "newest_first", v.Get("order"))
	assert.Equal(t, "2", v.Get("page"))
	assert.Equal(t, "96", v.Get("per_page"))
	assert.Empty(t, v.Get("price_to"))
}

func TestSearchRequestFrontendValues(t *testing.T) {
	req := SearchRequest{
		Query:      "jacket",
		CatalogIDs: []int64{1, 2},
		SizeIDs:    []int64{207},
		Currency:   "EUR",
	}

	v := req.FrontendValues()
	assert.Equal(t, []string{"1", "2"}, v["catalog[]"])
	assert.Equal(t, []string{"207"}, v["size_ids[]"])
	assert.Equal(t, "EUR", v.Get("currency"))
	assert.NotContains(t, v, "catalog_ids")
	assert.NotContains(t, v, "per_page")
}

func TestWithPageDoesNotMutate(t *testing.T) {
	req := SearchRequest{Query: "x"}
	next := req.WithPage(3)
	assert.Equal(t, 0, req.Page)
	assert.Equal(t, 3, next.Page)
}

func TestConditionFromText(t *testing.T) {
	tests := []struct {
		in   string
		want Condition
	}{
		{"New with tags", ConditionNewWithTags},
		{"New without tags", ConditionNewWithoutTags},
		{"Very good", ConditionVeryGood},
		{"Good", ConditionGood},
		{"Satisfactory", ConditionSatisfactory},
		{"Heavily used", ConditionSatisfactory},
		{"", ConditionVeryGood},
		{"something else", ConditionVeryGood},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ConditionFromText(tt.in))
		})
	}
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"replica", "fake"}, SplitWords(" Replica, ,FAKE "))
	assert.Nil(t, SplitWords(""))
}

// Package pricing computes per-condition price statistics for a watch and
// decides whether a listing is priced far enough below them to alert.
package pricing

import (
	"math"
	"sort"
	"strings"

	"github.com/maltedev/price-watch/internal/models"
)

// MinSamples is the smallest number of prices a statistic is computed from.
const MinSamples = 2

type Stats struct {
	Condition models.Condition `json:"condition"`
	Mean      float64          `json:"mean"`
	StdDev    float64          `json:"std_dev"`
	Count     int              `json:"count"`
}

type Sample struct {
	Condition models.Condition
	Price     float64
}

// Compute returns the mean and sample standard deviation of prices. ok is
// false when fewer than MinSamples prices are given.
func Compute(prices []float64) (mean, stddev float64, ok bool) {
	n := len(prices)
	if n < MinSamples {
		return 0, 0, false
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean = sum / float64(n)

	var sq float64
	for _, p := range prices {
		d := p - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(n-1))
	return round2(mean), round2(stddev), true
}

// ByCondition groups samples by condition and computes statistics for every
// group large enough. The result is ordered by condition code.
func ByCondition(samples []Sample) []Stats {
	groups := make(map[models.Condition][]float64)
	for _, s := range samples {
		groups[s.Condition] = append(groups[s.Condition], s.Price)
	}

	out := make([]Stats, 0, len(groups))
	for cond, prices := range groups {
		mean, std, ok := Compute(prices)
		if !ok {
			continue
		}
		out = append(out, Stats{Condition: cond, Mean: mean, StdDev: std, Count: len(prices)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Condition < out[j].Condition })
	return out
}

type Reason string

const (
	ReasonStdDev   Reason = "std_dev"
	ReasonAbsolute Reason = "absolute"
	ReasonBoth     Reason = "std_dev+absolute"
)

type Verdict struct {
	Underpriced bool
	// Difference is mean minus price; positive below the mean.
	Difference float64
	ZScore     float64
	Reason     Reason
}

// Evaluate checks price against stats. An item is underpriced when it sits
// at least threshold standard deviations below the mean (only when the
// deviation is positive), or when it is at or below the absolute ceiling.
func Evaluate(price float64, stats Stats, threshold float64, absolute *float64) Verdict {
	v := Verdict{Difference: round2(stats.Mean - price)}

	byStd := false
	if stats.StdDev > 0 {
		v.ZScore = (stats.Mean - price) / stats.StdDev
		byStd = v.ZScore >= threshold
	}
	byAbs := absolute != nil && price <= *absolute

	switch {
	case byStd && byAbs:
		v.Reason = ReasonBoth
	case byStd:
		v.Reason = ReasonStdDev
	case byAbs:
		v.Reason = ReasonAbsolute
	}
	v.Underpriced = byStd || byAbs
	return v
}

// Filter matches watch word lists against an item's text.
type Filter struct {
	Blacklist []string
	Highlight []string
}

func NewFilter(w models.Watch) Filter {
	return Filter{Blacklist: normalize(w.BlacklistWords), Highlight: normalize(w.HighlightWords)}
}

// Blacklisted returns the first blacklist word found in the combined text.
func (f Filter) Blacklisted(title, description, brand string) (string, bool) {
	return match(f.Blacklist, title, description, brand)
}

func (f Filter) Highlighted(title, description, brand string) (string, bool) {
	return match(f.Highlight, title, description, brand)
}

func match(words []string, title, description, brand string) (string, bool) {
	if len(words) == 0 {
		return "", false
	}
	text := strings.ToLower(title + " " + description + " " + brand)
	for _, w := range words {
		if strings.Contains(text, w) {
			return w, true
		}
	}
	return "", false
}

func normalize(words []string) []string {
	var out []string
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

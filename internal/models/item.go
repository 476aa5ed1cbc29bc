package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Condition int

const (
	ConditionUnknown        Condition = 0
	ConditionNewWithoutTags Condition = 1
	ConditionVeryGood       Condition = 2
	ConditionGood           Condition = 3
	ConditionSatisfactory   Condition = 4
	ConditionNewWithTags    Condition = 6
)

func (c Condition) String() string {
	switch c {
	case ConditionNewWithTags:
		return "new_with_tags"
	case ConditionNewWithoutTags:
		return "new_without_tags"
	case ConditionVeryGood:
		return "very_good"
	case ConditionGood:
		return "good"
	case ConditionSatisfactory:
		return "satisfactory"
	default:
		return "unknown"
	}
}

// ConditionFromText maps the marketplace's free-text status label to a
// condition code. Unrecognised labels count as very good.
func ConditionFromText(text string) Condition {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return ConditionVeryGood
	case strings.Contains(t, "new with tags"):
		return ConditionNewWithTags
	case strings.Contains(t, "new without tags"):
		return ConditionNewWithoutTags
	case strings.Contains(t, "very good"):
		return ConditionVeryGood
	case strings.Contains(t, "good"):
		return ConditionGood
	case strings.Contains(t, "satisfactory"), strings.Contains(t, "heavily used"):
		return ConditionSatisfactory
	default:
		return ConditionVeryGood
	}
}

type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ItemRecord is one listing summary. Payload holds the untouched source
// object; the core never interprets it.
type ItemRecord struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title,omitempty"`
	Price     *Price          `json:"price,omitempty"`
	Condition Condition       `json:"condition"`
	URL       string          `json:"url,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (i ItemRecord) Empty() bool {
	return i.ID == 0 && i.Price == nil && len(i.Payload) == 0
}

type SearchResult struct {
	Items    []ItemRecord `json:"items"`
	Page     int          `json:"page"`
	Strategy string       `json:"strategy,omitempty"`
}

type ItemResult struct {
	Item     ItemRecord `json:"item"`
	Strategy string     `json:"strategy,omitempty"`
}

type AlertEvent struct {
	WatchID     int64     `json:"watch_id"`
	WatchName   string    `json:"watch_name"`
	ItemID      int64     `json:"item_id"`
	Title       string    `json:"title"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	ZScore      float64   `json:"z_score"`
	Reason      string    `json:"reason"`
	Highlighted bool      `json:"highlighted"`
	URL         string    `json:"url"`
	DetectedAt  time.Time `json:"detected_at"`
}

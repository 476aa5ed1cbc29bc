// Package watches is the storage side of a watch check: it persists the
// listings a query returned, keeps per-condition price statistics current
// and raises underprice alerts.
package watches

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/pricing"
)

// Repository is the persistence the service needs. *database.DB
// implements it.
type Repository interface {
	UpsertItem(ctx context.Context, it *database.Item) (bool, error)
	LinkItem(ctx context.Context, watchID, itemID int64) error
	WatchSamples(ctx context.Context, watchID int64) ([]database.ItemSample, error)
	SaveStatistics(ctx context.Context, watchID int64, stats []pricing.Stats) error
	Statistics(ctx context.Context, watchID int64) (map[models.Condition]pricing.Stats, error)
}

type AlertPublisher interface {
	PublishUnderprice(ctx context.Context, alert models.AlertEvent) (bool, error)
}

// PageOutcome summarises one processed result page.
type PageOutcome struct {
	Processed   int
	New         int
	Skipped     int
	Blacklisted int
	Alerts      int
}

func (o *PageOutcome) Add(other PageOutcome) {
	o.Processed += other.Processed
	o.New += other.New
	o.Skipped += other.Skipped
	o.Blacklisted += other.Blacklisted
	o.Alerts += other.Alerts
}

type Service struct {
	repo    Repository
	alerts  AlertPublisher
	seen    *lru.Cache[string, struct{}]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Config struct {
	// AlertCacheSize bounds the in-process memory of already alerted
	// watch/item pairs.
	AlertCacheSize int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func NewService(repo Repository, alerts AlertPublisher, cfg Config) (*Service, error) {
	if cfg.AlertCacheSize <= 0 {
		cfg.AlertCacheSize = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](cfg.AlertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert cache: %w", err)
	}
	return &Service{
		repo:    repo,
		alerts:  alerts,
		seen:    seen,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "watches"),
		now:     time.Now,
	}, nil
}

// ProcessItems persists one page of results for the watch and checks each
// stored item against the watch's current statistics. A failing item is
// logged and skipped.
func (s *Service) ProcessItems(ctx context.Context, w models.Watch, items []models.ItemRecord) (PageOutcome, error) {
	var out PageOutcome

	stats, err := s.repo.Statistics(ctx, w.ID)
	if err != nil {
		return out, fmt.Errorf("failed to load statistics: %w", err)
	}
	filter := pricing.NewFilter(w)

	for _, rec := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		it, ok := ExtractItem(rec)
		if !ok {
			s.logger.Debug("skipping item without id or price", "watch_id", w.ID, "item_id", rec.ID)
			out.Skipped++
			continue
		}
		if word, hit := filter.Blacklisted(it.Title, it.Description, it.Brand); hit {
			s.logger.Info("skipping blacklisted item", "watch_id", w.ID, "item_id", it.VintedID, "word", word)
			out.Blacklisted++
			continue
		}

		created, err := s.repo.UpsertItem(ctx, &it)
		if err != nil {
			s.logger.Error("failed to store item", "watch_id", w.ID, "item_id", it.VintedID, "error", err)
			out.Skipped++
			continue
		}
		if err := s.repo.LinkItem(ctx, w.ID, it.VintedID); err != nil {
			s.logger.Error("failed to link item", "watch_id", w.ID, "item_id", it.VintedID, "error", err)
			out.Skipped++
			continue
		}
		out.Processed++
		if created {
			out.New++
		}

		if st, ok := stats[it.Condition]; ok && s.checkUnderpriced(ctx, w, it, st, filter) {
			out.Alerts++
		}
	}

	s.metrics.AddItems(out.Processed)
	return out, nil
}

func (s *Service) checkUnderpriced(ctx context.Context, w models.Watch, it database.Item, st pricing.Stats, filter pricing.Filter) bool {
	v := pricing.Evaluate(it.Price, st, w.StdDevThreshold, w.AbsolutePriceThreshold)
	if !v.Underpriced {
		return false
	}

	key := strconv.FormatInt(w.ID, 10) + ":" + strconv.FormatInt(it.VintedID, 10)
	if s.seen.Contains(key) {
		return false
	}

	_, highlighted := filter.Highlighted(it.Title, it.Description, it.Brand)
	created, err := s.alerts.PublishUnderprice(ctx, models.AlertEvent{
		WatchID:     w.ID,
		WatchName:   w.Name,
		ItemID:      it.VintedID,
		Title:       it.Title,
		Price:       it.Price,
		Currency:    it.Currency,
		Mean:        st.Mean,
		StdDev:      st.StdDev,
		ZScore:      v.ZScore,
		Reason:      string(v.Reason),
		Highlighted: highlighted,
		URL:         it.URL,
		DetectedAt:  s.now(),
	})
	if err != nil {
		s.logger.Error("failed to publish alert", "watch_id", w.ID, "item_id", it.VintedID, "error", err)
		return false
	}
	s.seen.Add(key, struct{}{})
	if !created {
		return false
	}

	s.metrics.IncAlert()
	s.logger.Info("underprice alert raised",
		"watch_id", w.ID,
		"item_id", it.VintedID,
		"price", it.Price,
		"mean", st.Mean,
		"z_score", v.ZScore,
		"reason", v.Reason,
		"highlighted", highlighted)
	return true
}

// RecomputeStatistics rebuilds the watch's per-condition statistics from
// every linked item that the blacklist does not exclude.
func (s *Service) RecomputeStatistics(ctx context.Context, w models.Watch) ([]pricing.Stats, error) {
	rows, err := s.repo.WatchSamples(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	filter := pricing.NewFilter(w)
	samples := make([]pricing.Sample, 0, len(rows))
	for _, r := range rows {
		if _, hit := filter.Blacklisted(r.Title, r.Description, r.Brand); hit {
			continue
		}
		samples = append(samples, pricing.Sample{Condition: r.Condition, Price: r.Price})
	}

	stats := pricing.ByCondition(samples)
	if err := s.repo.SaveStatistics(ctx, w.ID, stats); err != nil {
		return nil, err
	}
	for _, st := range stats {
		s.logger.Info("updated statistics",
			"watch_id", w.ID,
			"condition", st.Condition.String(),
			"mean", st.Mean,
			"std_dev", st.StdDev,
			"count", st.Count)
	}
	return stats, nil
}

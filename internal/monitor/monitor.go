// Package monitor schedules watch checks. One cycle checks every active
// watch, then sleeps for the interval the blocking state prescribes at the
// end of the cycle. Cleanup and proactive credential refresh run on their
// own timers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/credential"
	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/pricing"
	"github.com/maltedev/price-watch/internal/ratelimit"
	"github.com/maltedev/price-watch/internal/watches"
)

const (
	TaskMonitor      = "monitor"
	TaskCheckWatch   = "check_watch"
	TaskCleanup      = "cleanup"
	TaskTokenRefresh = "token_refresh"
)

// Searcher runs one search query. strategy.Strategy implements it.
type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error)
}

// Store is the persistence the orchestrator reads watches from and logs
// activities to. *database.DB implements it.
type Store interface {
	ActiveWatches(ctx context.Context) ([]models.Watch, error)
	GetWatch(ctx context.Context, id int64) (models.Watch, error)
	MarkStaleInactive(ctx context.Context, cutoff time.Time) (int64, error)
	StartActivity(ctx context.Context, a *database.Activity) error
	FinishActivity(ctx context.Context, a *database.Activity) error
}

// Processor is the item persistence collaborator. *watches.Service
// implements it.
type Processor interface {
	ProcessItems(ctx context.Context, w models.Watch, items []models.ItemRecord) (watches.PageOutcome, error)
	RecomputeStatistics(ctx context.Context, w models.Watch) ([]pricing.Stats, error)
}

type CredentialRefresher interface {
	Acquire(ctx context.Context, forceRefresh bool) (credential.Credential, error)
}

// State is the blocking state as the orchestrator sees it.
// *blocking.Machine implements it.
type State interface {
	CheckInterval() time.Duration
	Snapshot() blocking.State
	Refusing() bool
	Observe(err error)
}

type Pacer interface {
	Wait(ctx context.Context) error
}

type Config struct {
	MaxPages        int
	Concurrency     int
	CleanupInterval time.Duration
	StaleAfter      time.Duration
	RefreshInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Hour
	}
}

type Orchestrator struct {
	cfg       Config
	searcher  Searcher
	store     Store
	processor Processor
	creds     CredentialRefresher
	state     State
	pacer     Pacer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type Deps struct {
	Searcher  Searcher
	Store     Store
	Processor Processor
	// Credentials may be nil, which disables the refresh loop.
	Credentials CredentialRefresher
	State       State
	Pacer       Pacer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pacer := deps.Pacer
	if pacer == nil {
		pacer = ratelimit.NewNormalPacer(30*time.Second, 8*time.Second, 5*time.Second, 60*time.Second)
	}
	return &Orchestrator{
		cfg:       cfg,
		searcher:  deps.Searcher,
		store:     deps.Store,
		processor: deps.Processor,
		creds:     deps.Credentials,
		state:     deps.State,
		pacer:     pacer,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "monitor"),
		now:       time.Now,
		sleep:     ratelimit.Sleep,
	}
}

// Run starts the monitor, cleanup and refresh loops and blocks until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.monitorLoop(ctx) })
	g.Go(func() error {
		return o.every(ctx, o.cfg.CleanupInterval, TaskCleanup, func(ctx context.Context) error {
			_, err := o.Cleanup(ctx)
			return err
		})
	})
	if o.creds != nil {
		g.Go(func() error {
			return o.every(ctx, o.cfg.RefreshInterval, TaskTokenRefresh, o.RefreshCredential)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) monitorLoop(ctx context.Context) error {
	for {
		report := o.RunCycle(ctx)
		o.logger.Info("next monitor cycle scheduled", "in", report.Next, "blocked", report.Blocked)
		if err := o.sleep(ctx, report.Next); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) every(ctx context.Context, interval time.Duration, task string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				o.logger.Error("periodic task failed", "task", task, "error", err)
			}
		}
	}
}

// CycleReport summarises one monitor cycle.
type CycleReport struct {
	Watches int
	Failed  int
	Items   int
	Alerts  int
	Blocked bool
	// Next is the delay before the following cycle, read after dispatch.
	Next time.Duration
}

// RunCycle checks every active watch. A failing watch is logged and does
// not affect the others.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleReport {
	start := o.now()
	before := o.state.Snapshot()
	o.logger.Info("starting monitor cycle",
		"mode", modeName(before.IsBlocked),
		"consecutive_failures", before.ConsecutiveFailures)

	activity := &database.Activity{TaskType: TaskMonitor}
	o.startActivity(ctx, activity)

	var report CycleReport
	watchList, err := o.store.ActiveWatches(ctx)
	if err != nil {
		o.logger.Error("failed to load watches", "error", err)
	}
	report.Watches = len(watchList)

	results := make([]WatchReport, len(watchList))
	errs := make([]error, len(watchList))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for i, w := range watchList {
		g.Go(func() error {
			results[i], errs[i] = o.checkWatch(ctx, w)
			return nil
		})
	}
	_ = g.Wait()

	for i := range watchList {
		report.Items += results[i].Items
		report.Alerts += results[i].Alerts
		activity.PagesFetched += results[i].Pages
		activity.NewItemsFound += results[i].NewItems
		if errs[i] != nil {
			report.Failed++
		}
	}
	activity.ItemsProcessed = report.Items
	activity.AlertsGenerated = report.Alerts

	after := o.state.Snapshot()
	report.Blocked = after.IsBlocked
	report.Next = o.state.CheckInterval()

	o.metrics.SetBlocking(after.IsBlocked, after.ConsecutiveFailures)
	o.metrics.ObserveCycle(o.now().Sub(start))
	o.finishActivity(ctx, activity, errors.Join(err, cycleError(report)))

	o.logger.Info("monitor cycle finished",
		"watches", report.Watches,
		"failed", report.Failed,
		"items", report.Items,
		"alerts", report.Alerts,
		"mode", modeName(after.IsBlocked),
		"duration", o.now().Sub(start))
	return report
}

func cycleError(r CycleReport) error {
	if r.Watches > 0 && r.Failed == r.Watches {
		return fmt.Errorf("all %d watch checks failed", r.Watches)
	}
	return nil
}

// WatchReport summarises one watch check.
type WatchReport struct {
	WatchID  int64           `json:"watch_id"`
	Pages    int             `json:"pages"`
	Items    int             `json:"items"`
	NewItems int             `json:"new_items"`
	Alerts   int             `json:"alerts"`
	Stats    []pricing.Stats `json:"statistics,omitempty"`
}

// CheckWatchByID loads the watch and checks it once. Used for on-demand
// checks outside the monitor cycle.
func (o *Orchestrator) CheckWatchByID(ctx context.Context, id int64) (WatchReport, error) {
	w, err := o.store.GetWatch(ctx, id)
	if err != nil {
		return WatchReport{WatchID: id}, err
	}
	return o.checkWatch(ctx, w)
}

func (o *Orchestrator) checkWatch(ctx context.Context, w models.Watch) (report WatchReport, err error) {
	logger := o.logger.With("watch_id", w.ID, "watch", w.Name)
	report.WatchID = w.ID

	watchID := w.ID
	activity := &database.Activity{TaskType: TaskCheckWatch, WatchID: &watchID}
	o.startActivity(ctx, activity)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watch check panicked: %v", r)
		}
		activity.PagesFetched = report.Pages
		activity.ItemsProcessed = report.Items
		activity.NewItemsFound = report.NewItems
		activity.AlertsGenerated = report.Alerts
		o.finishActivity(ctx, activity, err)
		o.metrics.IncWatchCheck(err)
		if err != nil {
			logger.Error("watch check failed", "kind", errclass.KindOf(err).String(), "error", err)
		}
	}()

	err = o.fetchPages(ctx, w, &report, logger)

	if report.Items > 0 {
		stats, statErr := o.processor.RecomputeStatistics(ctx, w)
		if statErr != nil {
			logger.Error("failed to recompute statistics", "error", statErr)
			err = errors.Join(err, statErr)
		}
		report.Stats = stats
	}

	logger.Info("watch check finished",
		"pages", report.Pages,
		"items", report.Items,
		"new", report.NewItems,
		"alerts", report.Alerts)
	return report, err
}

// fetchPages walks result pages in order, pausing between pages. It stops
// at the first empty page and at the first failure.
func (o *Orchestrator) fetchPages(ctx context.Context, w models.Watch, report *WatchReport, logger *slog.Logger) error {
	base := w.Search
	if base.Order == "" {
		base.Order = models.OrderNewestFirst
	}

	for page := 1; page <= o.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.Info("fetching page", "page", page)
		res, err := o.searcher.Search(ctx, base.WithPage(page))
		if err != nil {
			if errclass.KindOf(err).Blocking() {
				logger.Warn("target is blocking, skipping remaining pages", "page", page)
			}
			return fmt.Errorf("page %d: %w", page, err)
		}
		if len(res.Items) == 0 {
			logger.Info("no items on page, stopping", "page", page)
			return nil
		}
		report.Pages++

		outcome, err := o.processor.ProcessItems(ctx, w, res.Items)
		report.Items += outcome.Processed
		report.NewItems += outcome.New
		report.Alerts += outcome.Alerts
		if err != nil {
			return fmt.Errorf("process page %d: %w", page, err)
		}
		logger.Info("processed page",
			"page", page,
			"fetched", len(res.Items),
			"stored", outcome.Processed,
			"blacklisted", outcome.Blacklisted,
			"strategy", res.Strategy)

		if page < o.cfg.MaxPages {
			if err := o.pacer.Wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup marks items not seen within StaleAfter as inactive.
func (o *Orchestrator) Cleanup(ctx context.Context) (n int64, err error) {
	activity := &database.Activity{TaskType: TaskCleanup}
	o.startActivity(ctx, activity)
	defer func() {
		activity.ItemsProcessed = int(n)
		o.finishActivity(ctx, activity, err)
	}()

	n, err = o.store.MarkStaleInactive(ctx, o.now().Add(-o.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	o.logger.Info("cleanup finished", "deactivated", n, "stale_after", o.cfg.StaleAfter)
	return n, nil
}

// RefreshCredential forces a new credential acquisition so the next query
// does not pay for a cold browser visit. Skipped while a blocking
// cooldown runs. The outcome counts as a contact with the target.
func (o *Orchestrator) RefreshCredential(ctx context.Context) (err error) {
	if o.creds == nil {
		return nil
	}
	if o.state.Refusing() {
		o.logger.Info("skipping credential refresh during blocking cooldown")
		return nil
	}

	activity := &database.Activity{TaskType: TaskTokenRefresh}
	o.startActivity(ctx, activity)
	defer func() { o.finishActivity(ctx, activity, err) }()

	cred, err := o.creds.Acquire(ctx, true)
	o.state.Observe(err)
	if err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	o.logger.Info("credential refreshed", "token", cred.Redacted(), "expires_at", cred.ExpiresAt)
	return nil
}

func (o *Orchestrator) startActivity(ctx context.Context, a *database.Activity) {
	a.StartedAt = o.now()
	if err := o.store.StartActivity(ctx, a); err != nil {
		o.logger.Warn("failed to record activity start", "task", a.TaskType, "error", err)
	}
}

func (o *Orchestrator) finishActivity(ctx context.Context, a *database.Activity, err error) {
	a.Status = database.ActivityCompleted
	if err != nil {
		a.Status = database.ActivityFailed
		msg := err.Error()
		a.ErrorMessage = &msg
	}
	// The activity row must be closed even when ctx was cancelled mid-task.
	if ferr := o.store.FinishActivity(context.WithoutCancel(ctx), a); ferr != nil {
		o.logger.Warn("failed to record activity result", "task", a.TaskType, "error", ferr)
	}
}

func modeName(blocked bool) string {
	if blocked {
		return "blocked"
	}
	return "active"
}

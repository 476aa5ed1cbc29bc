package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/pricing"
)

type checkOptions struct {
	dryRun     bool
	page       int
	query      string
	catalogIDs []int64
	brandIDs   []int64
	priceTo    float64
}

func newCheckWatchCmd(c *cli) *cobra.Command {
	var opts checkOptions

	cmd := &cobra.Command{
		Use:   "check-watch [watch-id]",
		Short: "Run one check of a watch, or a dry-run query to test connectivity",
		Long: `check-watch runs a single check of a saved watch through the configured
query strategy and stores the results like the monitor does.

With --dry-run only one page is fetched and printed; nothing is written.
With --query no watch is loaded at all, which makes it usable without a
database to test whether queries get through.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.query != "" {
				return c.dryRun(ctx, opts.request())
			}
			if len(args) != 1 {
				return errors.New("either a watch id or --query is required")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid watch id %q", args[0])
			}
			return c.checkWatch(ctx, id, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.dryRun, "dry-run", false, "fetch one page and print it without storing anything")
	flags.IntVar(&opts.page, "page", 1, "result page for dry runs")
	flags.StringVar(&opts.query, "query", "", "ad-hoc search text; implies --dry-run")
	flags.Int64SliceVar(&opts.catalogIDs, "catalog-ids", nil, "catalog ids for --query")
	flags.Int64SliceVar(&opts.brandIDs, "brand-ids", nil, "brand ids for --query")
	flags.Float64Var(&opts.priceTo, "price-to", 0, "maximum price for --query")
	return cmd
}

func (o checkOptions) request() models.SearchRequest {
	req := models.SearchRequest{
		Query:      o.query,
		CatalogIDs: o.catalogIDs,
		BrandIDs:   o.brandIDs,
		Order:      models.OrderNewestFirst,
		Page:       max(o.page, 1),
	}
	if o.priceTo > 0 {
		p := o.priceTo
		req.PriceTo = &p
	}
	return req
}

func (c *cli) checkWatch(ctx context.Context, id int64, opts checkOptions) error {
	db, err := openDatabase(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if opts.dryRun {
		w, err := db.GetWatch(ctx, id)
		if err != nil {
			return err
		}
		req := w.Search.WithPage(max(opts.page, 1))
		if req.Order == "" {
			req.Order = models.OrderNewestFirst
		}
		return c.dryRun(ctx, req)
	}

	rt, err := newRuntime(ctx, c.cfg, c.logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	searcher, err := rt.searcher(ctx)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(rt, db, database.NewOutboxRepository(db), searcher)
	if err != nil {
		return err
	}

	report, err := orch.CheckWatchByID(ctx, id)
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return encErr
	}
	return err
}

func (c *cli) dryRun(ctx context.Context, req models.SearchRequest) error {
	rt, err := newRuntime(ctx, c.cfg, c.logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	searcher, err := rt.searcher(ctx)
	if err != nil {
		return err
	}
	res, err := searcher.Search(ctx, req)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return printResult(c.out, res)
}

func printResult(w io.Writer, res models.SearchResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "strategy %s, page %d, %d items\n\n", res.Strategy, res.Page, len(res.Items))
	fmt.Fprintln(tw, "ID\tPRICE\tCONDITION\tTITLE")

	var samples []pricing.Sample
	for _, it := range res.Items {
		price := "-"
		if it.Price != nil {
			price = fmt.Sprintf("%.2f %s", it.Price.Amount, it.Price.Currency)
			samples = append(samples, pricing.Sample{Condition: it.Condition, Price: it.Price.Amount})
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", it.ID, price, it.Condition, it.Title)
	}

	if stats := pricing.ByCondition(samples); len(stats) > 0 {
		fmt.Fprintln(tw, "\nCONDITION\tMEAN\tSTDDEV\tCOUNT")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%d\n", s.Condition, s.Mean, s.StdDev, s.Count)
		}
	}
	return tw.Flush()
}

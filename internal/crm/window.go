package crm

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/AngelCh415/crmsync/internal/models"
	"github.com/AngelCh415/crmsync/internal/observability"
)

// Window is a half-open creation-date range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Windows partitions the lookback horizon into windowDays-sized windows,
// newest first. The horizon ends at the close of now's UTC day and spans
// exactly lookbackDays whole days; the oldest window is clipped to fit.
func Windows(now time.Time, lookbackDays, windowDays int) []Window {
	if lookbackDays <= 0 {
		return nil
	}
	if windowDays <= 0 || windowDays > lookbackDays {
		windowDays = lookbackDays
	}
	y, m, d := now.UTC().Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -lookbackDays)

	out := make([]Window, 0, (lookbackDays+windowDays-1)/windowDays)
	for hi := end; hi.After(start); {
		from := hi.AddDate(0, 0, -windowDays)
		if from.Before(start) {
			from = start
		}
		out = append(out, Window{Start: from, End: hi})
		hi = from
	}
	return out
}

type SearchFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type SearchRequest struct {
	Filters    []SearchFilter `json:"filters"`
	Properties []string       `json:"properties"`
	Limit      int            `json:"limit"`
	Cursor     string         `json:"cursor,omitempty"`
}

type FetcherOptions struct {
	CreatedProperty string
	PageLimit       int
	// Properties lists the record properties requested per entity type.
	Properties map[string][]string
}

type FetchResult struct {
	Records []models.RawRecord
	Gaps    []models.CoverageGap
}

type Fetcher struct {
	c     *Client
	clock quartz.Clock
	opts  FetcherOptions
	log   *slog.Logger
	obs   *observability.Metrics
}

func NewFetcher(c *Client, clock quartz.Clock, opts FetcherOptions, log *slog.Logger, obs *observability.Metrics) *Fetcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 100
	}
	return &Fetcher{c: c, clock: clock, opts: opts, log: log, obs: obs}
}

// FetchEntitiesInRange fetches every record of entityType created within the
// lookback horizon, one window at a time. A failing window is logged and
// reported as a gap; auth failures and cancellation abort.
func (f *Fetcher) FetchEntitiesInRange(ctx context.Context, entityType string, lookbackDays, windowDays int) (FetchResult, error) {
	var res FetchResult
	windows := Windows(f.clock.Now(), lookbackDays, windowDays)
	for i, w := range windows {
		recs, err := f.fetchWindow(ctx, entityType, w)
		if err != nil {
			if isFatal(ctx, err) {
				return FetchResult{}, errors.Wrapf(err, "fetch %s window %s..%s", entityType, w.Start.Format(models.DateLayout), w.End.Format(models.DateLayout))
			}
			f.obs.WindowFailure(entityType)
			f.log.Warn("fetch window failed, skipping",
				slog.String("entity", entityType),
				slog.Int("window", i+1),
				slog.Int("windows", len(windows)),
				slog.Time("start", w.Start),
				slog.Time("end", w.End),
				slog.String("err", err.Error()))
			res.Gaps = append(res.Gaps, models.CoverageGap{Entity: entityType, Start: w.Start, End: w.End})
			continue
		}
		f.log.Debug("fetch window done", slog.String("entity", entityType), slog.Int("window", i+1), slog.Int("records", len(recs)))
		res.Records = append(res.Records, recs...)
	}
	res.Records = lo.UniqBy(res.Records, func(r models.RawRecord) string { return r.ID })
	f.log.Info("fetch complete",
		slog.String("entity", entityType),
		slog.Int("lookback_days", lookbackDays),
		slog.Int("windows", len(windows)),
		slog.Int("records", len(res.Records)),
		slog.Int("gaps", len(res.Gaps)))
	return res, nil
}

func (f *Fetcher) fetchWindow(ctx context.Context, entityType string, w Window) ([]models.RawRecord, error) {
	req := SearchRequest{
		Filters: []SearchFilter{
			{Field: f.opts.CreatedProperty, Operator: "GTE", Value: millis(w.Start)},
			{Field: f.opts.CreatedProperty, Operator: "LT", Value: millis(w.End)},
		},
		Properties: f.opts.Properties[entityType],
		Limit:      f.opts.PageLimit,
	}
	items, err := f.c.FetchAllPages(ctx, "/objects/"+entityType+"/search", func(cursor string) any {
		r := req
		r.Cursor = cursor
		return r
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.RawRecord, 0, len(items))
	for _, it := range items {
		var r models.RawRecord
		if err := json.Unmarshal(it, &r); err != nil {
			return nil, errors.Wrapf(err, "decode %s record", entityType)
		}
		out = append(out, r)
	}
	return out, nil
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/AngelCh415/crmsync/internal/aggregate"
	"github.com/AngelCh415/crmsync/internal/config"
	"github.com/AngelCh415/crmsync/internal/crm"
	"github.com/AngelCh415/crmsync/internal/merge"
	"github.com/AngelCh415/crmsync/internal/models"
	"github.com/AngelCh415/crmsync/internal/observability"
	"github.com/AngelCh415/crmsync/internal/store"
)

var ErrRunInProgress = errors.New("sync run already in progress")

// ETL runs sync passes for one client. Network calls are strictly
// sequential and only one Run executes at a time.
type ETL struct {
	c        *crm.Client
	fetcher  *crm.Fetcher
	resolver *crm.Resolver
	agg      *aggregate.Aggregator
	st       store.Store
	clock    quartz.Clock
	log      *slog.Logger
	obs      *observability.Metrics
	cfg      config.ClientConfig

	mu sync.Mutex
}

func NewETL(c *crm.Client, st store.Store, cfg config.ClientConfig, clock quartz.Clock, log *slog.Logger, obs *observability.Metrics) *ETL {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	props := cfg.Properties.Aggregate()
	fetcher := crm.NewFetcher(c, clock, crm.FetcherOptions{
		CreatedProperty: props.Created,
		PageLimit:       cfg.PageLimit,
		Properties: map[string][]string{
			models.EntityContacts: props.ContactFields(),
			models.EntityDeals:    props.DealFields(),
		},
	}, log, obs)
	return &ETL{
		c:        c,
		fetcher:  fetcher,
		resolver: crm.NewResolver(c, clock, cfg.BatchSize, cfg.BatchDelay, log, obs),
		agg:      aggregate.New(props),
		st:       st,
		clock:    clock,
		log:      log,
		obs:      obs,
		cfg:      cfg,
	}
}

// Run executes one sync pass and persists the resulting snapshot. An
// incremental run without a valid prior snapshot runs as full. On error
// the persisted snapshot is left untouched.
func (e *ETL) Run(ctx context.Context, mode models.Mode) (models.Snapshot, error) {
	if !e.mu.TryLock() {
		return models.Snapshot{}, ErrRunInProgress
	}
	defer e.mu.Unlock()

	start := e.clock.Now()
	snap, err := e.run(ctx, mode)
	result := "ok"
	if err != nil {
		result = "error"
		e.log.Error("sync failed", slog.String("mode", string(mode)), slog.String("err", err.Error()))
	}
	e.obs.RunFinished(string(mode), result, e.clock.Since(start))
	return snap, err
}

func (e *ETL) run(ctx context.Context, mode models.Mode) (models.Snapshot, error) {
	lookback := e.cfg.LookbackDays
	var base models.Snapshot
	if mode == models.ModeIncremental {
		prev, err := e.st.Load(ctx)
		if err != nil {
			e.log.Warn("no usable snapshot, falling back to full sync", slog.String("err", err.Error()))
			mode = models.ModeFull
		} else {
			base = prev
			lookback = e.cfg.IncrementalDays
		}
	}
	if mode != models.ModeIncremental {
		mode = models.ModeFull
	}
	now := e.clock.Now().UTC()
	e.log.Info("sync started", slog.String("mode", string(mode)), slog.Int("lookback_days", lookback))

	pipelines, err := e.c.FetchPipelines(ctx, models.EntityDeals)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "fetch pipelines")
	}

	contacts, err := e.fetcher.FetchEntitiesInRange(ctx, models.EntityContacts, lookback, e.cfg.WindowDays)
	if err != nil {
		return models.Snapshot{}, err
	}
	deals, err := e.fetcher.FetchEntitiesInRange(ctx, models.EntityDeals, lookback, e.cfg.WindowDays)
	if err != nil {
		return models.Snapshot{}, err
	}

	dealIDs := lo.Map(deals.Records, func(r models.RawRecord, _ int) string { return r.ID })
	sources, err := e.resolver.ResolveAttribute(ctx, dealIDs,
		crm.Relation{From: models.EntityDeals, To: models.EntityContacts}, e.cfg.Properties.ContactSource)
	if err != nil {
		return models.Snapshot{}, err
	}

	fresh := e.agg.Aggregate(contacts.Records, deals.Records, sources.Values, pipelines)
	gaps := append(append([]models.CoverageGap{}, contacts.Gaps...), deals.Gaps...)
	if len(gaps) > 0 || sources.FailedBatches > 0 {
		e.log.Warn("sync finished with reduced coverage",
			slog.Int("gaps", len(gaps)),
			slog.Int("failed_association_batches", sources.FailedBatches))
	}
	if fresh.Undated > 0 {
		e.log.Warn("records without creation date left out", slog.Int("undated", fresh.Undated))
	}

	run := merge.Run{
		Mode:      mode,
		Timestamp: now,
		Gaps:      gaps,
		Undated:   fresh.Undated,
		Customer:  e.cfg.CustomerLifecycle,
	}
	var snap models.Snapshot
	if mode == models.ModeFull {
		snap = merge.Build(fresh, pipelines, run)
	} else {
		snap = merge.Merge(base, fresh, pipelines, run)
	}

	if err := e.st.Save(ctx, snap); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "save snapshot")
	}
	e.obs.SnapshotWritten(snap.Timestamp, map[string]int{
		models.EntityContacts: snap.Contacts.Total,
		models.EntityDeals:    snap.Deals.Total,
	})
	e.log.Info("sync complete",
		slog.String("mode", string(mode)),
		slog.Int("contacts_fetched", len(contacts.Records)),
		slog.Int("deals_fetched", len(deals.Records)),
		slog.Int("contacts_total", snap.Contacts.Total),
		slog.Int("deals_total", snap.Deals.Total),
		slog.Int("gaps", len(gaps)))
	return snap, nil
}

// Summary is the short report of a finished run.
type Summary struct {
	Mode           models.Mode `json:"mode"`
	Timestamp      time.Time   `json:"timestamp"`
	Contacts       int         `json:"contacts"`
	Deals          int         `json:"deals"`
	Won            int         `json:"won"`
	CoverageGaps   int         `json:"coverage_gaps"`
	UndatedRecords int         `json:"undated_records"`
}

func Summarize(s models.Snapshot) Summary {
	return Summary{
		Mode:           s.Metadata.Mode,
		Timestamp:      s.Timestamp,
		Contacts:       s.Contacts.Total,
		Deals:          s.Deals.Total,
		Won:            s.Deals.Won,
		CoverageGaps:   len(s.Metadata.CoverageGaps),
		UndatedRecords: s.Metadata.UndatedRecords,
	}
}

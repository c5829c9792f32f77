// Package merge folds freshly aggregated daily buckets into a persisted
// snapshot and recomputes the derived aggregates.
package merge

import (
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/AngelCh415/crmsync/internal/aggregate"
	"github.com/AngelCh415/crmsync/internal/models"
)

// Run describes the sync run producing the fresh buckets.
type Run struct {
	Mode      models.Mode
	Timestamp time.Time
	Gaps      []models.CoverageGap
	Undated   int
	// Customer is the lifecycle value counted as converted.
	Customer string
}

// Build produces a snapshot from fresh buckets alone.
func Build(fresh models.Buckets, pipelines []models.PipelineDefinition, run Run) models.Snapshot {
	return Merge(models.Snapshot{}, fresh, pipelines, run)
}

// Merge replaces, per entity, every date present in fresh across all of
// that entity's bucket structures, keeps the remaining dates of existing,
// and recomputes derived aggregates. Neither input is modified.
func Merge(existing models.Snapshot, fresh models.Buckets, pipelines []models.PipelineDefinition, run Run) models.Snapshot {
	contacts := mergeContacts(existing.Contacts.ContactBuckets, fresh.Contacts)
	deals := mergeDeals(existing.Deals.DealBuckets, fresh.Deals)

	pipes := clonePipelines(pipelines)
	ts := run.Timestamp.UTC()

	meta := models.Metadata{
		Mode:           run.Mode,
		CoverageGaps:   append([]models.CoverageGap{}, run.Gaps...),
		UndatedRecords: run.Undated,
	}
	switch {
	case run.Mode == models.ModeFull:
		meta.LastFullRun = &ts
	case existing.Metadata.LastFullRun != nil:
		last := *existing.Metadata.LastFullRun
		meta.LastFullRun = &last
	}

	return models.Snapshot{
		Timestamp: ts,
		Contacts:  aggregate.BuildContacts(contacts, run.Customer),
		Deals:     aggregate.BuildDeals(deals, pipes),
		Pipelines: pipes,
		Metadata:  meta,
	}
}

func mergeContacts(base, fresh models.ContactBuckets) models.ContactBuckets {
	days := freshDays(
		lo.Keys(fresh.DailyNew),
		lo.Keys(fresh.DailyBySource),
		lo.Keys(fresh.DailyByLifecycle),
	)
	return models.ContactBuckets{
		DailyNew:         replaceDays(base.DailyNew, fresh.DailyNew, days, ident[int]),
		DailyBySource:    replaceDays(base.DailyBySource, fresh.DailyBySource, days, maps.Clone[map[string]int]),
		DailyByLifecycle: replaceDays(base.DailyByLifecycle, fresh.DailyByLifecycle, days, maps.Clone[map[string]int]),
	}
}

func mergeDeals(base, fresh models.DealBuckets) models.DealBuckets {
	days := freshDays(
		lo.Keys(fresh.DailyCreated),
		lo.Keys(fresh.DailyBySource),
		lo.Keys(fresh.DailyByStage),
		lo.Keys(fresh.DailyAmount),
		lo.Keys(fresh.DailyAmountByStage),
	)
	return models.DealBuckets{
		DailyCreated:       replaceDays(base.DailyCreated, fresh.DailyCreated, days, ident[int]),
		DailyBySource:      replaceDays(base.DailyBySource, fresh.DailyBySource, days, maps.Clone[map[string]int]),
		DailyByStage:       replaceDays(base.DailyByStage, fresh.DailyByStage, days, cloneNested[int]),
		DailyAmount:        replaceDays(base.DailyAmount, fresh.DailyAmount, days, ident[float64]),
		DailyAmountByStage: replaceDays(base.DailyAmountByStage, fresh.DailyAmountByStage, days, cloneNested[float64]),
	}
}

func freshDays(keys ...[]string) []string {
	return lo.Uniq(lo.Flatten(keys))
}

// replaceDays copies base, then sets each of days to its fresh value or
// removes it when fresh has none.
func replaceDays[M ~map[string]V, V any](base, fresh M, days []string, clone func(V) V) M {
	out := make(M, len(base)+len(fresh))
	for k, v := range base {
		out[k] = clone(v)
	}
	for _, day := range days {
		if v, ok := fresh[day]; ok {
			out[day] = clone(v)
		} else {
			delete(out, day)
		}
	}
	return out
}

func ident[V any](v V) V { return v }

func cloneNested[V any](m map[string]map[string]V) map[string]map[string]V {
	out := make(map[string]map[string]V, len(m))
	for k, inner := range m {
		out[k] = maps.Clone(inner)
	}
	return out
}

func clonePipelines(in []models.PipelineDefinition) []models.PipelineDefinition {
	out := make([]models.PipelineDefinition, 0, len(in))
	for _, p := range in {
		p.Stages = slices.Clone(p.Stages)
		out = append(out, p)
	}
	return out
}

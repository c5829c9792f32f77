package aggregate

import (
	"math"
	"sort"
	"strings"

	"github.com/AngelCh415/crmsync/internal/models"
)

// DefaultCustomerLifecycle is the lifecycle value counted as a customer.
const DefaultCustomerLifecycle = "customer"

// BuildContacts recomputes every contact aggregate from its daily buckets.
func BuildContacts(b models.ContactBuckets, customer string) models.ContactAggregates {
	customer = strings.ToLower(strings.TrimSpace(customer))
	if customer == "" {
		customer = DefaultCustomerLifecycle
	}
	out := models.ContactAggregates{
		ContactBuckets:        b,
		SourceDistribution:    flatten(b.DailyBySource),
		LifecycleDistribution: flatten(b.DailyByLifecycle),
	}
	for _, n := range b.DailyNew {
		out.Total += n
	}
	out.Customers = out.LifecycleDistribution[customer]
	out.ConversionRate = round3(ratio(out.Customers, out.Total))
	return out
}

// BuildDeals recomputes every deal aggregate from its daily buckets,
// classifying stages against pipelines. Float sums iterate keys in sorted
// order so equal inputs always give equal output.
func BuildDeals(b models.DealBuckets, pipelines []models.PipelineDefinition) models.DealAggregates {
	cls := NewClassifier(pipelines)
	out := models.DealAggregates{
		DealBuckets:          b,
		SourceDistribution:   flatten(b.DailyBySource),
		PipelineDistribution: map[string]int{},
		StageDistribution:    map[string]int{},
	}
	for _, n := range b.DailyCreated {
		out.Total += n
	}
	for _, stages := range b.DailyByStage {
		for pipeline, counts := range stages {
			for stage, n := range counts {
				out.PipelineDistribution[pipeline] += n
				out.StageDistribution[StageKey(pipeline, stage)] += n
				switch cls.Classify(pipeline, stage) {
				case Won:
					out.Won += n
				case Lost:
					out.Lost += n
				default:
					out.Open += n
				}
			}
		}
	}
	out.WinRate = round3(ratio(out.Won, out.Won+out.Lost))

	var total, won float64
	for _, day := range sortedKeys(b.DailyAmount) {
		total += b.DailyAmount[day]
	}
	for _, day := range sortedKeys(b.DailyAmountByStage) {
		stages := b.DailyAmountByStage[day]
		for _, pipeline := range sortedKeys(stages) {
			for _, stage := range sortedKeys(stages[pipeline]) {
				if cls.Classify(pipeline, stage) == Won {
					won += stages[pipeline][stage]
				}
			}
		}
	}
	out.TotalAmount = round2(total)
	out.WonAmount = round2(won)
	if out.Total > 0 {
		out.AverageDealSize = round2(total / float64(out.Total))
	}
	return out
}

// StageKey names a stage in StageDistribution.
func StageKey(pipeline, stage string) string { return pipeline + "/" + stage }

func flatten(m models.DailyBreakdown) map[string]int {
	out := map[string]int{}
	for _, inner := range m {
		for k, n := range inner {
			out[k] += n
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
func round3(f float64) float64 { return math.Round(f*1000) / 1000 }

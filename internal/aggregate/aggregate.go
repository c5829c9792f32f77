package aggregate

import (
	"github.com/AngelCh415/crmsync/internal/models"
)

// Aggregator turns raw CRM records into daily buckets.
type Aggregator struct {
	props Properties
}

func New(props Properties) *Aggregator { return &Aggregator{props: props} }

func (a *Aggregator) Properties() Properties { return a.props }

// Aggregate buckets contacts and deals by UTC creation day. Deal sources
// come from sources keyed by deal id. A deal without a pipeline property
// is assigned the pipeline that defines its stage. Records without a
// parseable creation date are counted in Undated and left out.
func (a *Aggregator) Aggregate(contacts, deals []models.RawRecord, sources map[string]string, pipelines []models.PipelineDefinition) models.Buckets {
	out := models.Buckets{
		Contacts: EmptyContactBuckets(),
		Deals:    EmptyDealBuckets(),
	}
	for _, r := range contacts {
		c, ok := a.props.Contact(r)
		if !ok {
			out.Undated++
			continue
		}
		AddContact(out.Contacts, c)
	}

	cls := NewClassifier(pipelines)
	for _, r := range deals {
		d, ok := a.props.Deal(r, sources[r.ID])
		if !ok {
			out.Undated++
			continue
		}
		if d.PipelineID == "" {
			d.PipelineID = Unknown
			if id, ok := cls.PipelineOf(d.StageID, pipelines); ok {
				d.PipelineID = id
			}
		}
		AddDeal(out.Deals, d)
	}
	return out
}

func EmptyContactBuckets() models.ContactBuckets {
	return models.ContactBuckets{
		DailyNew:         models.DailyCounts{},
		DailyBySource:    models.DailyBreakdown{},
		DailyByLifecycle: models.DailyBreakdown{},
	}
}

func EmptyDealBuckets() models.DealBuckets {
	return models.DealBuckets{
		DailyCreated:       models.DailyCounts{},
		DailyBySource:      models.DailyBreakdown{},
		DailyByStage:       models.DailyNested{},
		DailyAmount:        models.DailyAmounts{},
		DailyAmountByStage: models.DailyNestedAmounts{},
	}
}

func AddContact(b models.ContactBuckets, c models.Contact) {
	day := dayKey(c.CreatedAt)
	b.DailyNew[day]++
	inc2(b.DailyBySource, day, c.Source)
	inc2(b.DailyByLifecycle, day, c.Lifecycle)
}

func AddDeal(b models.DealBuckets, d models.Deal) {
	day := dayKey(d.CreatedAt)
	b.DailyCreated[day]++
	inc2(b.DailyBySource, day, d.Source)

	stages := b.DailyByStage[day]
	if stages == nil {
		stages = map[string]map[string]int{}
		b.DailyByStage[day] = stages
	}
	if stages[d.PipelineID] == nil {
		stages[d.PipelineID] = map[string]int{}
	}
	stages[d.PipelineID][d.StageID]++

	b.DailyAmount[day] += d.Amount
	amounts := b.DailyAmountByStage[day]
	if amounts == nil {
		amounts = map[string]map[string]float64{}
		b.DailyAmountByStage[day] = amounts
	}
	if amounts[d.PipelineID] == nil {
		amounts[d.PipelineID] = map[string]float64{}
	}
	amounts[d.PipelineID][d.StageID] += d.Amount
}

func inc2(m models.DailyBreakdown, day, key string) {
	inner := m[day]
	if inner == nil {
		inner = map[string]int{}
		m[day] = inner
	}
	inner[key]++
}

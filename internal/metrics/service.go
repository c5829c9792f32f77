package metrics

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/AngelCh415/crmsync/internal/aggregate"
	"github.com/AngelCh415/crmsync/internal/models"
	"github.com/AngelCh415/crmsync/internal/store"
)

var ErrBadQuery = errors.New("bad report query")

// Row is one day of a report. Breakdown is set for dimensional metrics;
// Value is then the sum of the breakdown.
type Row struct {
	Date      string             `json:"date"`
	Value     float64            `json:"value"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

type Service struct{ st store.Store }

func NewService(st store.Store) *Service { return &Service{st: st} }
func norm(s string) string               { return strings.ToLower(strings.TrimSpace(s)) }

func csvSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range strings.Split(s, ",") {
		p = norm(p)
		if p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// Metrics lists the report metrics available per entity.
var Metrics = map[string][]string{
	models.EntityContacts: {"daily_new", "daily_by_source", "daily_by_lifecycle"},
	models.EntityDeals:    {"daily_created", "daily_by_source", "daily_by_stage", "daily_amount", "daily_amount_by_stage"},
}

// QueryDaily reads one daily bucket from the persisted snapshot.
// Parameters: entity, metric, from, to (inclusive, YYYY-MM-DD), keys
// (comma separated breakdown filter), limit, offset.
func (s *Service) QueryDaily(ctx context.Context, v url.Values) ([]Row, error) {
	entity := norm(v.Get("entity"))
	if entity == "" {
		entity = models.EntityContacts
	}
	names, ok := Metrics[entity]
	if !ok {
		return nil, errors.Wrapf(ErrBadQuery, "unknown entity %q", entity)
	}
	metric := norm(v.Get("metric"))
	if metric == "" {
		metric = names[0]
	}
	if !lo.Contains(names, metric) {
		return nil, errors.Wrapf(ErrBadQuery, "unknown %s metric %q", entity, metric)
	}
	from, err := parseDay(v.Get("from"))
	if err != nil {
		return nil, err
	}
	to, err := parseDay(v.Get("to"))
	if err != nil {
		return nil, err
	}
	keySet := csvSet(v.Get("keys"))
	limit := atoiDef(v.Get("limit"), 100)
	offset := atoiDef(v.Get("offset"), 0)

	snap, err := s.st.Load(ctx)
	if err != nil {
		return nil, err
	}

	rows := series(snap, entity, metric)
	rows = lo.Filter(rows, func(r Row, _ int) bool {
		return (from == "" || r.Date >= from) && (to == "" || r.Date <= to)
	})
	if len(keySet) > 0 {
		rows = lo.Map(rows, func(r Row, _ int) Row { return r.only(keySet) })
	}

	// orden determinista
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

	limit, offset = clampLimitOffset(limit, offset, len(rows))
	return paginate(rows, limit, offset), nil
}

func series(snap models.Snapshot, entity, metric string) []Row {
	c, d := snap.Contacts, snap.Deals
	switch entity + "." + metric {
	case "contacts.daily_new":
		return scalars(c.DailyNew)
	case "contacts.daily_by_source":
		return breakdowns(c.DailyBySource)
	case "contacts.daily_by_lifecycle":
		return breakdowns(c.DailyByLifecycle)
	case "deals.daily_created":
		return scalars(d.DailyCreated)
	case "deals.daily_by_source":
		return breakdowns(d.DailyBySource)
	case "deals.daily_amount":
		return scalars(d.DailyAmount)
	case "deals.daily_by_stage":
		return stageBreakdowns(d.DailyByStage)
	case "deals.daily_amount_by_stage":
		return stageBreakdowns(d.DailyAmountByStage)
	}
	return nil
}

func scalars[V int | float64](m map[string]V) []Row {
	rows := make([]Row, 0, len(m))
	for day, v := range m {
		rows = append(rows, Row{Date: day, Value: round2(float64(v))})
	}
	return rows
}

func breakdowns(m models.DailyBreakdown) []Row {
	rows := make([]Row, 0, len(m))
	for day, inner := range m {
		r := Row{Date: day, Breakdown: make(map[string]float64, len(inner))}
		for k, n := range inner {
			r.Breakdown[k] = float64(n)
		}
		r.Value = r.total()
		rows = append(rows, r)
	}
	return rows
}

// stageBreakdowns keys each value by "pipeline/stage".
func stageBreakdowns[V int | float64](m map[string]map[string]map[string]V) []Row {
	rows := make([]Row, 0, len(m))
	for day, pipes := range m {
		r := Row{Date: day, Breakdown: map[string]float64{}}
		for p, stages := range pipes {
			for st, v := range stages {
				r.Breakdown[aggregate.StageKey(p, st)] = round2(float64(v))
			}
		}
		r.Value = r.total()
		rows = append(rows, r)
	}
	return rows
}

func (r Row) total() float64 {
	keys := lo.Keys(r.Breakdown)
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += r.Breakdown[k]
	}
	return round2(sum)
}

func (r Row) only(keys map[string]struct{}) Row {
	if r.Breakdown == nil {
		return r
	}
	r.Breakdown = lo.PickBy(r.Breakdown, func(k string, _ float64) bool {
		_, ok := keys[norm(k)]
		return ok
	})
	r.Value = r.total()
	return r
}

func parseDay(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if _, err := time.Parse(models.DateLayout, s); err != nil {
		return "", errors.Wrapf(ErrBadQuery, "date %q", s)
	}
	return s, nil
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func atoiDef(s string, d int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}
func clampLimitOffset(limit, offset, n int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	} // tope sano
	if offset > n {
		offset = n
	}
	return limit, offset
}
func round2(f float64) float64 { return float64(int64(f*100+0.5)) / 100 }

package aggregate

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/AngelCh415/crmsync/internal/models"
)

// Unknown is the value recorded for a missing dimension.
const Unknown = "unknown"

// Properties names the CRM properties each typed field is read from.
type Properties struct {
	Created   string
	Source    string
	Lifecycle string
	Pipeline  string
	Stage     string
	Amount    string
}

func DefaultProperties() Properties {
	return Properties{
		Created:   "createdate",
		Source:    "hs_analytics_source",
		Lifecycle: "lifecyclestage",
		Pipeline:  "pipeline",
		Stage:     "dealstage",
		Amount:    "amount",
	}
}

// ContactFields and DealFields are the properties to request from search.
func (p Properties) ContactFields() []string {
	return []string{p.Created, p.Source, p.Lifecycle}
}

func (p Properties) DealFields() []string {
	return []string{p.Created, p.Pipeline, p.Stage, p.Amount}
}

// ParseCreated reads the record's creation time from the configured
// property, falling back to the top-level createdAt.
func (p Properties) ParseCreated(r models.RawRecord) (time.Time, bool) {
	for _, v := range []string{r.Properties[p.Created], r.CreatedAt} {
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func (p Properties) Contact(r models.RawRecord) (models.Contact, bool) {
	created, ok := p.ParseCreated(r)
	if !ok {
		return models.Contact{}, false
	}
	return models.Contact{
		ID:        r.ID,
		CreatedAt: created,
		Source:    coalesce(r.Properties[p.Source], Unknown),
		Lifecycle: strings.ToLower(coalesce(r.Properties[p.Lifecycle], Unknown)),
	}, true
}

// Deal decodes a deal; source comes from the association lookup and
// defaults to Unknown.
func (p Properties) Deal(r models.RawRecord, source string) (models.Deal, bool) {
	created, ok := p.ParseCreated(r)
	if !ok {
		return models.Deal{}, false
	}
	return models.Deal{
		ID:         r.ID,
		CreatedAt:  created,
		PipelineID: strings.TrimSpace(r.Properties[p.Pipeline]),
		StageID:    coalesce(r.Properties[p.Stage], Unknown),
		Amount:     parseAmount(r.Properties[p.Amount]),
		Source:     coalesce(source, Unknown),
	}, true
}

func parseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", models.DateLayout} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseAmount(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return maxf(f)
}

func coalesce(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func dayKey(t time.Time) string { return t.UTC().Format(models.DateLayout) }

func maxf(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

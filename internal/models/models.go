package models

import "time"

// Mode selects how a sync run treats the persisted snapshot.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), true
	}
	return "", false
}

// Entity types known to the upstream API.
const (
	EntityContacts = "contacts"
	EntityDeals    = "deals"
)

// DateLayout is the bucket key format.
const DateLayout = "2006-01-02"

// RawRecord is one search result as returned by the CRM.
type RawRecord struct {
	ID         string            `json:"id"`
	CreatedAt  string            `json:"createdAt,omitempty"`
	Properties map[string]string `json:"properties"`
}

type Contact struct {
	ID        string
	CreatedAt time.Time
	Source    string
	Lifecycle string
}

type Deal struct {
	ID         string
	CreatedAt  time.Time
	PipelineID string
	StageID    string
	Amount     float64
	Source     string
}

type StageDefinition struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	IsClosed    bool    `json:"is_closed"`
}

type PipelineDefinition struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Stages []StageDefinition `json:"stages"`
}

// Daily bucket shapes, all keyed by DateLayout.
type (
	DailyCounts        map[string]int
	DailyAmounts       map[string]float64
	DailyBreakdown     map[string]map[string]int
	DailyNested        map[string]map[string]map[string]int
	DailyNestedAmounts map[string]map[string]map[string]float64
)

type ContactBuckets struct {
	DailyNew         DailyCounts    `json:"daily_new"`
	DailyBySource    DailyBreakdown `json:"daily_by_source"`
	DailyByLifecycle DailyBreakdown `json:"daily_by_lifecycle"`
}

type DealBuckets struct {
	DailyCreated       DailyCounts        `json:"daily_created"`
	DailyBySource      DailyBreakdown     `json:"daily_by_source"`
	DailyByStage       DailyNested        `json:"daily_by_stage"`
	DailyAmount        DailyAmounts       `json:"daily_amount"`
	DailyAmountByStage DailyNestedAmounts `json:"daily_amount_by_stage"`
}

// Buckets is the output of one aggregation pass.
type Buckets struct {
	Contacts ContactBuckets
	Deals    DealBuckets
	Undated  int
}

type ContactAggregates struct {
	ContactBuckets
	Total                 int            `json:"total"`
	SourceDistribution    map[string]int `json:"source_distribution"`
	LifecycleDistribution map[string]int `json:"lifecycle_distribution"`
	Customers             int            `json:"customers"`
	ConversionRate        float64        `json:"conversion_rate"`
}

type DealAggregates struct {
	DealBuckets
	Total                int            `json:"total"`
	SourceDistribution   map[string]int `json:"source_distribution"`
	PipelineDistribution map[string]int `json:"pipeline_distribution"`
	StageDistribution    map[string]int `json:"stage_distribution"`
	Won                  int            `json:"won"`
	Lost                 int            `json:"lost"`
	Open                 int            `json:"open"`
	WinRate              float64        `json:"win_rate"`
	TotalAmount          float64        `json:"total_amount"`
	WonAmount            float64        `json:"won_amount"`
	AverageDealSize      float64        `json:"average_deal_size"`
}

// CoverageGap is a fetch window that was skipped after failing.
type CoverageGap struct {
	Entity string    `json:"entity"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type Metadata struct {
	Mode           Mode          `json:"mode"`
	LastFullRun    *time.Time    `json:"last_full_run,omitempty"`
	CoverageGaps   []CoverageGap `json:"coverage_gaps"`
	UndatedRecords int           `json:"undated_records"`
}

type Snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Contacts  ContactAggregates    `json:"contacts"`
	Deals     DealAggregates       `json:"deals"`
	Pipelines []PipelineDefinition `json:"pipelines"`
	Metadata  Metadata             `json:"metadata"`
}

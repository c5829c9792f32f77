// Package crmtest provides an in-process fake of the upstream CRM API.
package crmtest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/AngelCh415/crmsync/internal/crm"
	"github.com/AngelCh415/crmsync/internal/models"
)

const (
	CreatedProperty = "createdate"
	SourceProperty  = "hs_analytics_source"
)

// Server serves search, pipeline, association and batch-read endpoints
// over records added with AddContact and AddDeal.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	failSearch      func(entity string, start time.Time) int
	failPipelines   int
	failAssoc       func(ids []string) int
	beforePipelines func()
	records         map[string][]models.RawRecord
	dealContact     map[string]string
	pipelines       []models.PipelineDefinition
	searches        map[string]int
}

func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		records:     map[string][]models.RawRecord{},
		dealContact: map[string]string{},
		searches:    map[string]int{},
	}
	r := chi.NewRouter()
	r.Get("/pipelines/{type}", s.handlePipelines)
	r.Post("/objects/{type}/search", s.handleSearch)
	r.Post("/objects/{type}/batch/read", s.handleBatchRead)
	r.Post("/associations/{from}/{to}/batch", s.handleAssociations)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// FailSearch installs fn to pick a status for failing the search of the
// window starting at start; 0 answers normally.
func (s *Server) FailSearch(fn func(entity string, start time.Time) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSearch = fn
}

// FailPipelines makes pipeline requests answer status; 0 answers normally.
func (s *Server) FailPipelines(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPipelines = status
}

// FailAssociations installs fn to pick a status for failing an association
// batch request; 0 answers normally.
func (s *Server) FailAssociations(fn func(ids []string) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAssoc = fn
}

// BeforePipelines installs fn to run before each pipelines response.
func (s *Server) BeforePipelines(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforePipelines = fn
}

func (s *Server) SetPipelines(p []models.PipelineDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines = p
}

func (s *Server) AddContact(id string, created time.Time, props map[string]string) {
	s.add(models.EntityContacts, id, created, props)
}

// AddDeal adds a deal associated with contactID, if non-empty.
func (s *Server) AddDeal(id string, created time.Time, contactID string, props map[string]string) {
	s.add(models.EntityDeals, id, created, props)
	if contactID != "" {
		s.mu.Lock()
		s.dealContact[id] = contactID
		s.mu.Unlock()
	}
}

func (s *Server) add(entity, id string, created time.Time, props map[string]string) {
	p := map[string]string{CreatedProperty: strconv.FormatInt(created.UnixMilli(), 10)}
	for k, v := range props {
		p[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[entity] = append(s.records[entity], models.RawRecord{ID: id, Properties: p})
}

// Searches returns how many search requests entity received.
func (s *Server) Searches(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches[entity]
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hook := s.beforePipelines
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPipelines != 0 {
		http.Error(w, "pipelines unavailable", s.failPipelines)
		return
	}
	type stage struct {
		ID       string            `json:"id"`
		Label    string            `json:"label"`
		Metadata map[string]string `json:"metadata"`
	}
	type pipeline struct {
		ID     string  `json:"id"`
		Label  string  `json:"label"`
		Stages []stage `json:"stages"`
	}
	out := make([]pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		wp := pipeline{ID: p.ID, Label: p.Name}
		for _, st := range p.Stages {
			wp.Stages = append(wp.Stages, stage{ID: st.ID, Label: st.Name, Metadata: map[string]string{
				"probability": strconv.FormatFloat(st.Probability, 'f', -1, 64),
				"isClosed":    strconv.FormatBool(st.IsClosed),
			}})
		}
		out = append(out, wp)
	}
	writeJSON(w, map[string]any{"results": out})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "type")
	var req crm.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var gte, lt int64 = 0, 1<<63 - 1
	for _, f := range req.Filters {
		v, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil {
			http.Error(w, "bad filter value", http.StatusBadRequest)
			return
		}
		switch f.Operator {
		case "GTE":
			gte = v
		case "LT":
			lt = v
		}
	}

	s.mu.Lock()
	s.searches[entity]++
	fail := s.failSearch
	s.mu.Unlock()
	if fail != nil {
		if status := fail(entity, time.UnixMilli(gte).UTC()); status != 0 {
			http.Error(w, "search failed", status)
			return
		}
	}

	s.mu.Lock()
	var matched []models.RawRecord
	for _, rec := range s.records[entity] {
		ms, _ := strconv.ParseInt(rec.Properties[CreatedProperty], 10, 64)
		if ms >= gte && ms < lt {
			matched = append(matched, rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	offset, _ := strconv.Atoi(req.Cursor)
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	end := min(offset+limit, len(matched))
	resp := map[string]any{"results": matched[min(offset, end):end]}
	if end < len(matched) {
		resp["nextCursor"] = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

type idsRequest struct {
	IDs        []string `json:"ids"`
	Properties []string `json:"properties"`
}

func (s *Server) handleAssociations(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	fail := s.failAssoc
	s.mu.Unlock()
	if fail != nil {
		if status := fail(req.IDs); status != 0 {
			http.Error(w, "association batch failed", status)
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	results := []map[string]string{}
	for _, id := range req.IDs {
		if to, ok := s.dealContact[id]; ok {
			results = append(results, map[string]string{"from": id, "to": to})
		}
	}
	writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleBatchRead(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "type")
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	want := map[string]bool{}
	for _, id := range req.IDs {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	results := []models.RawRecord{}
	for _, rec := range s.records[entity] {
		if !want[rec.ID] {
			continue
		}
		props := map[string]string{}
		for _, p := range req.Properties {
			props[p] = rec.Properties[p]
		}
		results = append(results, models.RawRecord{ID: rec.ID, Properties: props})
	}
	writeJSON(w, map[string]any{"results": results})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

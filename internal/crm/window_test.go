package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/crmsync/internal/models"
)

func TestWindowsCoverEachDayOnce(t *testing.T) {
	now := time.Date(2025, 6, 15, 17, 42, 0, 0, time.UTC)
	cases := []struct{ lookback, window, want int }{
		{100, 30, 4},
		{90, 30, 3},
		{7, 30, 1},
		{365, 30, 13},
		{1, 1, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("L%d_W%d", tc.lookback, tc.window), func(t *testing.T) {
			ws := Windows(now, tc.lookback, tc.window)
			require.Len(t, ws, tc.want)

			seen := map[string]int{}
			for i, w := range ws {
				if i > 0 {
					assert.True(t, w.End.Equal(ws[i-1].Start), "windows are contiguous")
				}
				assert.True(t, w.Start.Before(w.End))
				for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
					seen[d.Format(models.DateLayout)]++
				}
			}
			assert.Len(t, seen, tc.lookback)
			for day, n := range seen {
				assert.Equal(t, 1, n, day)
			}
			assert.Equal(t, "2025-06-16", ws[0].End.Format(models.DateLayout))
			assert.Contains(t, seen, "2025-06-15", "today is covered")
		})
	}
}

func TestWindowsDegenerate(t *testing.T) {
	assert.Empty(t, Windows(time.Now(), 0, 30))
	assert.Len(t, Windows(time.Now(), 10, 0), 1)
}

// searchServer answers searches with one record per window, dated at the
// window start, and fails the windows listed in failing.
func searchServer(t *testing.T, failing map[int32]bool) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Filters) != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if failing[n] {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		ms, _ := strconv.ParseInt(req.Filters[0].Value, 10, 64)
		created := time.UnixMilli(ms).UTC()
		fmt.Fprintf(w, `{"results":[{"id":"rec-%d","createdAt":%q,"properties":{"hs_analytics_source":"ORGANIC"}}]}`,
			n, created.Format(time.RFC3339))
	}))
	return srv, &calls
}

func newTestFetcher(t *testing.T, url string) *Fetcher {
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC))
	return NewFetcher(newTestClient(t, url), clock, FetcherOptions{
		CreatedProperty: "createdate",
		PageLimit:       100,
		Properties:      map[string][]string{models.EntityContacts: {"createdate", "hs_analytics_source"}},
	}, nil, nil)
}

func TestFetchEntitiesInRangeIsolatesWindowFailure(t *testing.T) {
	srv, calls := searchServer(t, map[int32]bool{2: true})
	defer srv.Close()

	res, err := newTestFetcher(t, srv.URL).FetchEntitiesInRange(context.Background(), models.EntityContacts, 120, 30)
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))

	ids := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"rec-1", "rec-3", "rec-4"}, ids)

	require.Len(t, res.Gaps, 1)
	gap := res.Gaps[0]
	assert.Equal(t, models.EntityContacts, gap.Entity)
	assert.Equal(t, "2025-04-17", gap.Start.Format(models.DateLayout))
	assert.Equal(t, "2025-05-17", gap.End.Format(models.DateLayout))
}

func TestFetchEntitiesInRangeAuthAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token revoked", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).FetchEntitiesInRange(context.Background(), models.EntityContacts, 60, 30)
	assert.True(t, IsAuth(err))
}

func TestFetchEntitiesInRangeSendsWindowFilter(t *testing.T) {
	var (
		mu  sync.Mutex
		got []SearchRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/objects/contacts/search", r.URL.Path)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			mu.Lock()
			got = append(got, req)
			mu.Unlock()
		}
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).FetchEntitiesInRange(context.Background(), models.EntityContacts, 7, 30)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)

	req := got[0]
	assert.Equal(t, []string{"createdate", "hs_analytics_source"}, req.Properties)
	assert.Equal(t, 100, req.Limit)
	require.Len(t, req.Filters, 2)
	assert.Equal(t, "GTE", req.Filters[0].Operator)
	assert.Equal(t, millis(time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)), req.Filters[0].Value)
	assert.Equal(t, "LT", req.Filters[1].Operator)
	assert.Equal(t, millis(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)), req.Filters[1].Value)
}

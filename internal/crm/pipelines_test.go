package crm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/crmsync/internal/models"
)

func TestFetchPipelines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pipelines/deals", r.URL.Path)
		w.Write([]byte(`{"results":[
			{"id":"default","label":"Admissions","stages":[
				{"id":"s1","label":"Interesado","metadata":{"probability":"0.2","isClosed":"false"}},
				{"id":"s2","label":"Matriculado","metadata":{"probability":"1.0","isClosed":"true"}},
				{"id":"s3","name":"Perdido","probability":0,"isClosed":true}
			]}
		]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).FetchPipelines(context.Background(), models.EntityDeals)
	require.NoError(t, err)
	assert.Equal(t, []models.PipelineDefinition{{
		ID:   "default",
		Name: "Admissions",
		Stages: []models.StageDefinition{
			{ID: "s1", Name: "Interesado", Probability: 0.2},
			{ID: "s2", Name: "Matriculado", Probability: 1, IsClosed: true},
			{ID: "s3", Name: "Perdido", IsClosed: true},
		},
	}}, got)
}

func TestFetchPipelinesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).FetchPipelines(context.Background(), models.EntityDeals)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}

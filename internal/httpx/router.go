package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AngelCh415/crmsync/internal/ingest"
	"github.com/AngelCh415/crmsync/internal/metrics"
	"github.com/AngelCh415/crmsync/internal/models"
	"github.com/AngelCh415/crmsync/internal/store"
	"github.com/AngelCh415/crmsync/internal/utils"
)

// Runner executes a sync pass.
type Runner interface {
	Run(ctx context.Context, mode models.Mode) (models.Snapshot, error)
}

func NewRouter(log *slog.Logger, runner Runner, st store.Store, mSvc *metrics.Service, gatherer prometheus.Gatherer) http.Handler {
	mux := chi.NewRouter()
	mux.Use(utils.RequestID)
	mux.Use(utils.Logger(log))
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.Raw(r.Context()); err != nil {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.Post("/sync/run", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("mode")
		if q == "" {
			q = string(models.ModeIncremental)
		}
		mode, ok := models.ParseMode(q)
		if !ok {
			http.Error(w, "mode must be full or incremental", http.StatusBadRequest)
			return
		}
		snap, err := runner.Run(r.Context(), mode)
		switch {
		case errors.Is(err, ingest.ErrRunInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, ingest.Summarize(snap))
	})

	mux.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		raw, err := st.Raw(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	})

	mux.Get("/reports/daily", func(w http.ResponseWriter, r *http.Request) {
		rows, err := mSvc.QueryDaily(r.Context(), r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rows)
	})

	return mux
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metrics.ErrBadQuery):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "no snapshot yet", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.Encode(v)
}

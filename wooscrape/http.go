package wooscrape

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/wooscrape/adapter"
	"github.com/hazyhaar/wooscrape/csvgen"
	"github.com/hazyhaar/wooscrape/joblog"
	"github.com/hazyhaar/wooscrape/observability"
	"github.com/hazyhaar/wooscrape/product"
	"github.com/hazyhaar/wooscrape/recipe"
	"github.com/hazyhaar/wooscrape/resultstore"
	"github.com/hazyhaar/wooscrape/shield"
)

// Job scrapes are expensive: each client may start one every five seconds,
// with a burst of three.
const (
	jobRate  = 0.2
	jobBurst = 3
)

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(s.logger) {
		r.Use(mw)
	}
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the API routes on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	limiter := shield.NewRateLimiter(jobRate, jobBurst)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/recipes", func(r chi.Router) {
		r.Get("/", s.handleListRecipes)
		r.Get("/match", s.handleMatchRecipe)
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.With(limiter.Middleware).Post("/", s.handleRunJob)
		r.Post("/products", s.handleGenerateJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/parent.csv", s.handleCSV(func(e *resultstore.Entry) string { return e.ParentCSV }, ""))
			r.Get("/variations.csv", s.handleCSV(func(e *resultstore.Entry) string { return e.VariationCSV }, "-variations"))
			r.Get("/history", s.handleHistory)
			r.Delete("/", s.handleDeleteJob)
		})
	})

	r.Get("/api/storage/stats", s.handleStats)
	r.Get("/api/metrics", s.handleMetrics)
}

func (s *Service) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	names, err := s.recipes.List()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipes": names})
}

func (s *Service) handleMatchRecipe(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if site == "" {
		writeError(w, http.StatusBadRequest, "site is required")
		return
	}
	cfg := s.recipes.BySiteURL(site)
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no recipe matches "+site)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sum, err := s.RunJob(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

type generateRequest struct {
	JobID    string                      `json:"jobId,omitempty"`
	Products []product.NormalizedProduct `json:"products"`
}

func (s *Service) handleGenerateJob(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sum, err := s.GenerateJob(r.Context(), req.JobID, req.Products)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

// jobView is an entry without the CSV bodies.
type jobView struct {
	JobID     string               `json:"jobId"`
	Metadata  resultstore.Metadata `json:"metadata"`
	CreatedAt time.Time            `json:"createdAt"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

func viewOf(e *resultstore.Entry) jobView {
	return jobView{JobID: e.JobID, Metadata: e.Metadata, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt}
}

func (s *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []jobView{}
	for _, id := range s.results.JobIDs() {
		if e := s.results.Get(r.Context(), id); e != nil {
			jobs = append(jobs, viewOf(e))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	e, err := s.results.Lookup(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if r.URL.Query().Get("csv") == "1" {
		writeJSON(w, http.StatusOK, e)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(e))
}

func (s *Service) handleCSV(body func(*resultstore.Entry) string, suffix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := s.results.Lookup(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		doc := body(e)
		if doc == "" {
			writeError(w, http.StatusNotFound, "job has no such document")
			return
		}
		name := e.Metadata.Filename
		if name == "" {
			name = e.JobID + ".csv"
		}
		if suffix != "" {
			name = strings.TrimSuffix(name, ".csv") + suffix + ".csv"
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(doc))
	}
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.ledger.History(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []*joblog.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !s.results.Delete(r.Context(), id) {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "jobId": id})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleMetrics lists flushed metrics. Query: name, since (a Go duration
// back from now), limit (default 100).
func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := observability.Filter{Name: q.Get("name"), Limit: 100}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		f.Since = time.Now().Add(-d)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	s.metrics.Flush()
	metrics, err := s.metrics.Query(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if metrics == nil {
		metrics = []*observability.Metric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, resultstore.ErrEntryNotFound),
		errors.Is(err, recipe.ErrRecipeNotFound):
		return http.StatusNotFound
	case errors.Is(err, adapter.ErrSiteURLMismatch),
		errors.Is(err, recipe.ErrInvalidRecipeFormat),
		errors.Is(err, recipe.ErrRecipeValidation),
		errors.Is(err, csvgen.ErrProductValidation),
		errors.Is(err, resultstore.ErrInvalidJobID),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoProducts):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Service) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("wooscrape: request failed", "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

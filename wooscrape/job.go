package wooscrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/wooscrape/adapter"
	"github.com/hazyhaar/wooscrape/container"
	"github.com/hazyhaar/wooscrape/csvgen"
	"github.com/hazyhaar/wooscrape/idgen"
	"github.com/hazyhaar/wooscrape/joblog"
	"github.com/hazyhaar/wooscrape/observability"
	"github.com/hazyhaar/wooscrape/product"
	"github.com/hazyhaar/wooscrape/resultstore"
	"github.com/hazyhaar/wooscrape/safe"
)

var (
	// ErrInvalidRequest is returned for malformed job requests.
	ErrInvalidRequest = errors.New("wooscrape: invalid request")

	// ErrNoProducts is returned when a job ends with nothing to export.
	ErrNoProducts = errors.New("wooscrape: no products")
)

// JobRequest describes a scrape. Without ProductURLs the adapter discovers
// product pages from ListingURL, or from the site root when that is empty too.
type JobRequest struct {
	JobID       string   `json:"jobId,omitempty"`
	SiteURL     string   `json:"siteUrl"`
	Recipe      string   `json:"recipe,omitempty"`
	ListingURL  string   `json:"listingUrl,omitempty"`
	ProductURLs []string `json:"productUrls,omitempty"`
	// Limit caps the number of product pages extracted. 0 = no cap.
	Limit int `json:"limit,omitempty"`
}

// JobSummary reports a finished job.
type JobSummary struct {
	JobID          string    `json:"jobId"`
	SiteURL        string    `json:"siteUrl,omitempty"`
	RecipeName     string    `json:"recipeName,omitempty"`
	Discovered     int       `json:"discovered"`
	Extracted      int       `json:"extracted"`
	Failed         int       `json:"failed"`
	Rejected       int       `json:"rejected"`
	ProductCount   int       `json:"productCount"`
	VariationCount int       `json:"variationCount"`
	Filename       string    `json:"filename"`
	Warnings       []string  `json:"warnings,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// runner executes one job. A fresh runner is built in each job scope.
type runner struct {
	adapters *adapter.Manager
	engine   *csvgen.Engine
	results  *resultstore.Store
	ledger   *joblog.Ledger
	metrics  *observability.MetricsManager
	logger   *slog.Logger
}

// RunJob scrapes the requested site and stores the generated CSV documents.
func (s *Service) RunJob(ctx context.Context, req JobRequest) (*JobSummary, error) {
	var sum *JobSummary
	err := s.inScope(ctx, func(r *runner) error {
		var err error
		sum, err = r.run(ctx, req)
		return err
	})
	return sum, err
}

// GenerateJob stores the CSV documents for caller-supplied products. An empty
// jobID gets a generated one.
func (s *Service) GenerateJob(ctx context.Context, jobID string, products []product.NormalizedProduct) (*JobSummary, error) {
	var sum *JobSummary
	err := s.inScope(ctx, func(r *runner) error {
		var err error
		sum, err = r.runGenerate(ctx, jobID, products)
		return err
	})
	return sum, err
}

func (s *Service) inScope(ctx context.Context, fn func(*runner) error) error {
	scope := s.root.CreateScope()
	defer func() {
		if err := scope.Dispose(ctx); err != nil {
			s.logger.Warn("wooscrape: dispose job scope", "error", err)
		}
	}()
	r, err := container.Get[*runner](ctx, scope, KeyRunner)
	if err != nil {
		return err
	}
	return fn(r)
}

func jobIDFor(id string) (string, error) {
	if id == "" {
		return idgen.Job(), nil
	}
	if err := safe.ValidateIdentifier(id); err != nil {
		return "", fmt.Errorf("%w: %v", resultstore.ErrInvalidJobID, err)
	}
	return id, nil
}

func (r *runner) run(ctx context.Context, req JobRequest) (*JobSummary, error) {
	if strings.TrimSpace(req.SiteURL) == "" {
		return nil, fmt.Errorf("%w: siteUrl is required", ErrInvalidRequest)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	jobID, err := jobIDFor(req.JobID)
	if err != nil {
		return nil, err
	}

	r.ledger.JobEvent(ctx, jobID, joblog.ActionRunStarted, "site="+req.SiteURL)
	start := time.Now()
	sum, err := r.scrape(ctx, jobID, req)
	if err != nil {
		r.ledger.JobEvent(ctx, jobID, joblog.ActionRunFailed, err.Error())
		r.logger.Warn("wooscrape: job failed", "job_id", jobID, "site", req.SiteURL, "error", err)
		return nil, err
	}
	r.record(sum, time.Since(start))
	r.logger.Info("wooscrape: job done",
		"job_id", jobID,
		"recipe", sum.RecipeName,
		"products", sum.ProductCount,
		"variations", sum.VariationCount,
		"failed", sum.Failed,
		"rejected", sum.Rejected,
	)
	return sum, nil
}

func (r *runner) scrape(ctx context.Context, jobID string, req JobRequest) (*JobSummary, error) {
	a, err := r.adapters.Create(ctx, req.SiteURL, req.Recipe)
	if err != nil {
		return nil, err
	}
	cfg := a.Recipe()

	urls := uniqueURLs(req.ProductURLs)
	if len(urls) == 0 {
		urls, err = a.DiscoverProducts(ctx, req.ListingURL)
		if err != nil {
			return nil, fmt.Errorf("wooscrape: discover: %w", err)
		}
	}
	if req.Limit > 0 && len(urls) > req.Limit {
		urls = urls[:req.Limit]
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no product pages found", ErrNoProducts)
	}

	sum := &JobSummary{
		JobID:      jobID,
		SiteURL:    a.SiteURL(),
		RecipeName: a.RecipeName(),
		Discovered: len(urls),
	}

	raws, failures := r.extract(ctx, a, urls, cfg.Behavior.Concurrency())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum.Failed = len(failures)
	sum.Warnings = append(sum.Warnings, failures...)

	opts := product.NormalizeOptions{Transforms: cfg.Transforms}
	var products []product.NormalizedProduct
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		sum.Extracted++
		p := product.Normalize(*raw, opts)
		problems := product.CheckRecipeRules(p, cfg.Validation)
		if p.Title == "" {
			problems = append(problems, "no title")
		}
		if len(problems) > 0 {
			sum.Rejected++
			sum.Warnings = append(sum.Warnings, raw.URL+": "+strings.Join(problems, "; "))
			continue
		}
		products = append(products, p)
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("%w: %d extracted, %d failed, %d rejected",
			ErrNoProducts, sum.Extracted, sum.Failed, sum.Rejected)
	}

	entry, err := r.generate(ctx, jobID, products, resultstore.Metadata{
		SiteURL:    sum.SiteURL,
		RecipeName: sum.RecipeName,
	})
	if err != nil {
		return nil, err
	}
	fill(sum, entry)
	return sum, nil
}

// extract reads every url with at most limit pages in flight. Results keep
// the order of urls; a failed page leaves a nil slot and one message.
func (r *runner) extract(ctx context.Context, a adapter.Adapter, urls []string, limit int) ([]*product.RawProduct, []string) {
	raws := make([]*product.RawProduct, len(urls))
	var (
		mu       sync.Mutex
		failures []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			raw, err := a.ExtractProduct(gctx, u)
			if err != nil {
				r.logger.Warn("wooscrape: extract", "url", u, "error", err)
				mu.Lock()
				failures = append(failures, u+": "+err.Error())
				mu.Unlock()
				return nil
			}
			raws[i] = raw
			return nil
		})
	}
	_ = g.Wait()
	return raws, failures
}

// record queues the per-job metrics, labelled with the recipe.
func (r *runner) record(sum *JobSummary, elapsed time.Duration) {
	labels := map[string]string{"recipe": sum.RecipeName}
	for _, m := range []*observability.Metric{
		{Name: observability.MetricJobDurationMs, Value: float64(elapsed.Milliseconds()), Unit: "milliseconds"},
		{Name: observability.MetricJobProducts, Value: float64(sum.ProductCount), Unit: "count"},
		{Name: observability.MetricJobVariations, Value: float64(sum.VariationCount), Unit: "count"},
		{Name: observability.MetricJobPagesFailed, Value: float64(sum.Failed), Unit: "count"},
	} {
		m.Labels = labels
		r.metrics.Record(m)
	}
}

func (r *runner) runGenerate(ctx context.Context, jobID string, products []product.NormalizedProduct) (*JobSummary, error) {
	jobID, err := jobIDFor(jobID)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("%w: empty product list", ErrNoProducts)
	}

	r.ledger.JobEvent(ctx, jobID, joblog.ActionRunStarted, fmt.Sprintf("products=%d", len(products)))
	entry, err := r.generate(ctx, jobID, products, resultstore.Metadata{})
	if err != nil {
		r.ledger.JobEvent(ctx, jobID, joblog.ActionRunFailed, err.Error())
		return nil, err
	}
	sum := &JobSummary{JobID: jobID, Extracted: len(products)}
	fill(sum, entry)
	return sum, nil
}

// generate validates products, synthesises both documents and stores them.
func (r *runner) generate(ctx context.Context, jobID string, products []product.NormalizedProduct, meta resultstore.Metadata) (*resultstore.Entry, error) {
	if err := r.engine.Validate(products).Err(); err != nil {
		return nil, err
	}
	out, err := r.engine.Both(ctx, products)
	if err != nil {
		return nil, err
	}
	meta.ProductCount = out.ProductCount
	meta.VariationCount = out.VariationCount
	meta.Filename = r.engine.Filename(products, jobID)

	return r.results.Store(ctx, jobID, resultstore.Result{
		ParentCSV:    out.ParentCSV,
		VariationCSV: out.VariationCSV,
		Metadata:     meta,
	})
}

func fill(sum *JobSummary, e *resultstore.Entry) {
	sum.ProductCount = e.Metadata.ProductCount
	sum.VariationCount = e.Metadata.VariationCount
	sum.Filename = e.Metadata.Filename
	sum.CreatedAt = e.CreatedAt
	sum.ExpiresAt = e.ExpiresAt
}

func uniqueURLs(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, u := range in {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

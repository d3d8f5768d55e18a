package wooscrape

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/wooscrape/kit"
	"github.com/hazyhaar/wooscrape/product"
)

// RegisterMCP registers the wooscrape tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListRecipesTool(srv)
	s.registerMatchRecipeTool(srv)
	s.registerRunJobTool(srv)
	s.registerGenerateJobTool(srv)
	s.registerGetJobTool(srv)
	s.registerListJobsTool(srv)
	s.registerDeleteJobTool(srv)
	s.registerStorageStatsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(kit.Logging(s.logger, tool.Name), s.metrics.Middleware(tool.Name))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

type emptyRequest struct{}

// --- list_recipes ---

func (s *Service) registerListRecipesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_list_recipes",
		Description: "List the recipe names available in the recipes directory.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		names, err := s.recipes.List()
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		return map[string]any{"recipes": names}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[emptyRequest])
}

// --- match_recipe ---

type matchRecipeRequest struct {
	SiteURL string `json:"site_url"`
}

func (s *Service) registerMatchRecipeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_match_recipe",
		Description: "Find the most specific recipe whose site pattern covers a site URL.",
		InputSchema: inputSchema(map[string]any{
			"site_url": map[string]any{"type": "string", "description": "Shop URL, e.g. https://shop.example.com"},
		}, []string{"site_url"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*matchRecipeRequest)
		if rr.SiteURL == "" {
			return nil, fmt.Errorf("%w: site_url is required", ErrInvalidRequest)
		}
		cfg := s.recipes.BySiteURL(rr.SiteURL)
		if cfg == nil {
			return map[string]any{"matched": false}, nil
		}
		return map[string]any{"matched": true, "recipe": cfg}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[matchRecipeRequest])
}

// --- run_job ---

type runJobRequest struct {
	JobID       string   `json:"job_id,omitempty"`
	SiteURL     string   `json:"site_url"`
	Recipe      string   `json:"recipe,omitempty"`
	ListingURL  string   `json:"listing_url,omitempty"`
	ProductURLs []string `json:"product_urls,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

func (s *Service) registerRunJobTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_run_job",
		Description: "Scrape a shop with its recipe and store WooCommerce CSV files. Returns the job summary.",
		InputSchema: inputSchema(map[string]any{
			"job_id":       map[string]any{"type": "string", "description": "Optional job id (letters, digits, _ - .)"},
			"site_url":     map[string]any{"type": "string", "description": "Shop URL"},
			"recipe":       map[string]any{"type": "string", "description": "Recipe name; default is the best match for site_url"},
			"listing_url":  map[string]any{"type": "string", "description": "Category page to discover products from"},
			"product_urls": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Product pages to extract; skips discovery"},
			"limit":        map[string]any{"type": "integer", "description": "Max product pages"},
		}, []string{"site_url"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*runJobRequest)
		return s.RunJob(ctx, JobRequest{
			JobID:       rr.JobID,
			SiteURL:     rr.SiteURL,
			Recipe:      rr.Recipe,
			ListingURL:  rr.ListingURL,
			ProductURLs: rr.ProductURLs,
			Limit:       rr.Limit,
		})
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[runJobRequest])
}

// --- generate_job ---

type generateJobRequest struct {
	JobID    string                      `json:"job_id,omitempty"`
	Products []product.NormalizedProduct `json:"products"`
}

func (s *Service) registerGenerateJobTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_generate_job",
		Description: "Generate and store WooCommerce CSV files from normalised products.",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Optional job id"},
			"products": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "object"},
				"description": "Normalised products (sku, title, productType, variations, ...)",
			},
		}, []string{"products"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*generateJobRequest)
		return s.GenerateJob(ctx, rr.JobID, rr.Products)
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[generateJobRequest])
}

// --- get_job ---

type jobIDRequest struct {
	JobID       string `json:"job_id"`
	IncludeCSV  bool   `json:"include_csv,omitempty"`
	WithHistory bool   `json:"with_history,omitempty"`
}

func (s *Service) registerGetJobTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_get_job",
		Description: "Get a stored job: metadata, optionally the CSV documents and the event history.",
		InputSchema: inputSchema(map[string]any{
			"job_id":       map[string]any{"type": "string", "description": "Job id"},
			"include_csv":  map[string]any{"type": "boolean", "description": "Include parent and variation CSV text"},
			"with_history": map[string]any{"type": "boolean", "description": "Include ledger events"},
		}, []string{"job_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*jobIDRequest)
		e, err := s.results.Lookup(ctx, rr.JobID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"job": viewOf(e)}
		if rr.IncludeCSV {
			out["parentCsv"] = e.ParentCSV
			out["variationCsv"] = e.VariationCSV
		}
		if rr.WithHistory {
			events, err := s.ledger.History(ctx, rr.JobID)
			if err != nil {
				return nil, err
			}
			out["events"] = events
		}
		return out, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[jobIDRequest])
}

// --- list_jobs ---

func (s *Service) registerListJobsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_list_jobs",
		Description: "List stored, unexpired jobs with their metadata.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		jobs := []jobView{}
		for _, id := range s.results.JobIDs() {
			if e := s.results.Get(ctx, id); e != nil {
				jobs = append(jobs, viewOf(e))
			}
		}
		return map[string]any{"jobs": jobs}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[emptyRequest])
}

// --- delete_job ---

func (s *Service) registerDeleteJobTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_delete_job",
		Description: "Delete a stored job from memory and disk.",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job id"},
		}, []string{"job_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*jobIDRequest)
		return map[string]any{"jobId": rr.JobID, "deleted": s.results.Delete(ctx, rr.JobID)}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[jobIDRequest])
}

// --- storage_stats ---

func (s *Service) registerStorageStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "wooscrape_storage_stats",
		Description: "Report stored job counts per tier, disk usage, cached adapters and recipe count.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Stats()
	}
	s.tool(srv, tool, endpoint, kit.DecodeJSON[emptyRequest])
}

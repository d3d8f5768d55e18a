package resultstore

import (
	"context"
	"maps"
	"time"
)

// Metadata describes a stored job.
type Metadata struct {
	ProductCount   int               `json:"productCount"`
	VariationCount int               `json:"variationCount"`
	Filename       string            `json:"filename,omitempty"`
	SiteURL        string            `json:"siteUrl,omitempty"`
	RecipeName     string            `json:"recipeName,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Result is what a job hands to Store.
type Result struct {
	ParentCSV    string
	VariationCSV string
	Metadata     Metadata
}

// Entry is one stored job. On disk it is the JSON document {jobId}.json with
// RFC 3339 timestamps.
type Entry struct {
	JobID        string    `json:"jobId"`
	ParentCSV    string    `json:"parentCsv"`
	VariationCSV string    `json:"variationCsv"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// clone returns a copy the caller may modify freely.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Metadata.Extra = maps.Clone(e.Metadata.Extra)
	return &cp
}

// Stats reports per-tier entry counts. A job present in both tiers is
// counted twice in Total.
type Stats struct {
	Dir           string `json:"dir"`
	MemoryEntries int    `json:"memoryEntries"`
	DiskEntries   int    `json:"diskEntries"`
	TotalEntries  int    `json:"totalEntries"`
	DiskBytes     int64  `json:"diskBytes"`
}

// SweepResult reports one expiry sweep.
type SweepResult struct {
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Lifecycle actions reported to an EventSink.
const (
	ActionStored  = "stored"
	ActionDeleted = "deleted"
	ActionExpired = "expired"
)

// EventSink receives job lifecycle events. Implementations must not block
// for long and must not fail the caller.
type EventSink interface {
	JobEvent(ctx context.Context, jobID, action, details string)
}

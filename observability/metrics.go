// Package observability records scraper metrics as a SQLite timeseries.
//
// Persistence is asynchronous: Record only appends to a buffer, which is
// flushed in one transaction when full, on a timer, and on Close. A failing
// flush is logged and the batch dropped; the scraper never waits on it.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hazyhaar/wooscrape/dbopen"
	"github.com/hazyhaar/wooscrape/kit"
)

// Schema is the metrics schema.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics_timeseries(timestamp DESC);
`

// Metric names.
const (
	MetricJobDurationMs      = "job_duration_ms"
	MetricJobProducts        = "job_products"
	MetricJobVariations      = "job_variations"
	MetricJobPagesFailed     = "job_pages_failed"
	MetricEndpointDurationMs = "endpoint_duration_ms"
	MetricGoroutinesCount    = "goroutines_count"
	MetricMemoryAllocMB      = "memory_alloc_mb"
)

// Metric is a single timeseries datapoint. Timestamps are stored with
// millisecond precision.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	owned         bool
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewMetricsManager creates a manager over db, which must already carry
// Schema. Defaults: bufferSize 100, flushInterval 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Open opens the metrics database at path and starts a manager that closes
// it on Close.
func Open(path string, bufferSize int, flushInterval time.Duration, logger *slog.Logger) (*MetricsManager, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	mm := NewMetricsManager(db, bufferSize, flushInterval, logger)
	mm.owned = true
	return mm, nil
}

// Record queues a metric. A zero Timestamp means now.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple queues a metric without labels, timestamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Value: value, Unit: unit})
}

// RecordRuntime samples goroutine count and heap allocation.
func (mm *MetricsManager) RecordRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	mm.RecordSimple(MetricGoroutinesCount, float64(runtime.NumGoroutine()), "count")
	mm.RecordSimple(MetricMemoryAllocMB, float64(mem.Alloc)/1024/1024, "megabytes")
}

// Flush writes the buffered metrics now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Filter selects metrics in Query. Zero fields do not filter.
type Filter struct {
	Name  string
	Since time.Time
	Until time.Time
	Limit int
}

// Query returns flushed metrics, newest first.
func (mm *MetricsManager) Query(ctx context.Context, f Filter) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if f.Name != "" {
		q += " AND metric_name = ?"
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.UnixMilli())
	}
	q += " ORDER BY timestamp DESC, metric_id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if labels.Valid {
			var l map[string]string
			if json.Unmarshal([]byte(labels.String), &l) == nil {
				m.Labels = l
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than olderThan and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	res, err := dbopen.Exec(ctx, mm.db, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the buffer and stops the flush loop. It closes the database
// when the manager was built with Open. Safe to call more than once.
func (mm *MetricsManager) Close() error {
	var err error
	mm.closeOnce.Do(func() {
		close(mm.stop)
		<-mm.done
		if mm.owned {
			err = mm.db.Close()
		}
	})
	return err
}

// Middleware records the duration of every call of an endpoint, labelled with
// its name, the transport and the outcome.
func (mm *MetricsManager) Middleware(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			status := "ok"
			if err != nil {
				status = "error"
			}
			mm.Record(&Metric{
				Name:  MetricEndpointDurationMs,
				Value: float64(time.Since(start).Microseconds()) / 1000,
				Unit:  "milliseconds",
				Labels: map[string]string{
					"endpoint":  name,
					"transport": kit.GetTransport(ctx),
					"status":    status,
				},
			})
			return resp, err
		}
	}
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability: begin tx", "error", err, "dropped", len(batch))
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability: prepare", "error", err, "dropped", len(batch))
		return
	}
	defer stmt.Close()

	for _, m := range batch {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability: commit", "error", err, "dropped", len(batch))
	}
}

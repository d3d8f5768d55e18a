// Package resultstore keeps finished job output in memory backed by one JSON
// file per job on disk.
//
// Memory is authoritative for the running process; the files give
// durability across restarts. Disk failures are logged and never fail the
// caller. Entries expire after a TTL (24h by default) and are removed by a
// periodic sweep, or by the first read that finds them expired.
//
// Usage:
//
//	st := resultstore.New("storage", resultstore.WithLogger(logger))
//	st.StartCleanup(time.Hour)
//	defer st.Close()
//	st.Store(ctx, "job_123", resultstore.Result{ParentCSV: parent})
//	e := st.Get(ctx, "job_123") // nil when missing or expired
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/wooscrape/safe"
)

// DefaultTTL is the lifetime of a stored entry.
const DefaultTTL = 24 * time.Hour

// ErrEntryNotFound is returned by Lookup when no live entry exists.
var ErrEntryNotFound = errors.New("resultstore: entry not found")

// ErrInvalidJobID is returned when a job id is unsafe as a file name.
var ErrInvalidJobID = errors.New("resultstore: invalid job id")

// Store is the two-tier job result store.
type Store struct {
	dir    string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	events EventSink

	// mu also covers job file removal, so a disk hit re-checked under it
	// cannot resurrect a deleted entry.
	mu  sync.RWMutex
	mem map[string]*Entry

	read func(path string) (*Entry, error)

	cleanupMu   sync.Mutex
	stopCleanup context.CancelFunc
	cleanupDone chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the entry lifetime. Non-positive values keep DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEvents reports lifecycle transitions to sink.
func WithEvents(sink EventSink) Option {
	return func(s *Store) { s.events = sink }
}

// New creates a Store writing job files under dir. The directory is created
// on first write.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
		mem:    make(map[string]*Entry),
	}
	s.read = s.readFile
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// TTL returns the entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Store records result under jobID, replacing any previous entry. The memory
// write happens first; a failed disk write is logged and the entry stays
// available in memory.
func (s *Store) Store(ctx context.Context, jobID string, result Result) (*Entry, error) {
	if err := safe.ValidateIdentifier(jobID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobID, err)
	}

	now := s.now().UTC()
	e := &Entry{
		JobID:        jobID,
		ParentCSV:    result.ParentCSV,
		VariationCSV: result.VariationCSV,
		Metadata:     result.Metadata,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	e = e.clone()

	s.mu.Lock()
	s.mem[jobID] = e
	s.mu.Unlock()

	if err := s.writeFile(e); err != nil {
		s.logger.Warn("resultstore: disk write failed, kept in memory", "job_id", jobID, "error", err)
	}
	s.emit(ctx, jobID, ActionStored, fmt.Sprintf("products=%d variations=%d",
		e.Metadata.ProductCount, e.Metadata.VariationCount))
	return e.clone(), nil
}

// Get returns the entry for jobID, reading memory first and then disk. A
// disk hit is put back in memory. Missing, unreadable and expired entries
// yield nil; expired ones are deleted on the way.
func (s *Store) Get(ctx context.Context, jobID string) *Entry {
	if safe.ValidateIdentifier(jobID) != nil {
		return nil
	}
	now := s.now()

	s.mu.RLock()
	e, ok := s.mem[jobID]
	s.mu.RUnlock()
	if ok {
		if e.Expired(now) {
			s.remove(ctx, jobID, ActionExpired)
			return nil
		}
		return e.clone()
	}

	e, err := s.read(s.path(jobID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("resultstore: read job file", "job_id", jobID, "error", err)
		}
		return nil
	}
	if e.Expired(now) {
		s.remove(ctx, jobID, ActionExpired)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.mem[jobID]; ok {
		return cur.clone()
	}
	// A Delete may have run since the read.
	if _, err := os.Stat(s.path(jobID)); err != nil {
		return nil
	}
	s.mem[jobID] = e
	return e.clone()
}

// Lookup is Get returning ErrEntryNotFound instead of nil.
func (s *Store) Lookup(ctx context.Context, jobID string) (*Entry, error) {
	if err := safe.ValidateIdentifier(jobID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobID, err)
	}
	e := s.Get(ctx, jobID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, jobID)
	}
	return e, nil
}

// JobIDs returns the sorted union of job ids held in memory and on disk.
func (s *Store) JobIDs() []string {
	seen := make(map[string]bool)
	s.mu.RLock()
	for id := range s.mem {
		seen[id] = true
	}
	s.mu.RUnlock()

	files, err := s.jobFiles()
	if err != nil {
		s.logger.Warn("resultstore: list job files", "error", err)
	}
	for _, f := range files {
		seen[f.id] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Delete removes jobID from both tiers. It reports true when either tier
// held the job.
func (s *Store) Delete(ctx context.Context, jobID string) bool {
	if safe.ValidateIdentifier(jobID) != nil {
		return false
	}
	return s.remove(ctx, jobID, ActionDeleted)
}

func (s *Store) remove(ctx context.Context, jobID, action string) bool {
	s.mu.Lock()
	_, inMem := s.mem[jobID]
	delete(s.mem, jobID)
	err := os.Remove(s.path(jobID))
	s.mu.Unlock()

	onDisk := false
	switch {
	case err == nil:
		onDisk = true
	case !errors.Is(err, fs.ErrNotExist):
		s.logger.Warn("resultstore: remove job file", "job_id", jobID, "error", err)
	}

	removed := inMem || onDisk
	if removed {
		s.emit(ctx, jobID, action, fmt.Sprintf("memory=%t disk=%t", inMem, onDisk))
	}
	return removed
}

// Stats reports raw per-tier counts and the size of the job files.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{Dir: s.dir, MemoryEntries: len(s.mem)}
	s.mu.RUnlock()

	files, err := s.jobFiles()
	if err != nil {
		s.logger.Warn("resultstore: list job files", "error", err)
	}
	st.DiskEntries = len(files)
	for _, f := range files {
		st.DiskBytes += f.size
	}
	st.TotalEntries = st.MemoryEntries + st.DiskEntries
	return st
}

// ClearAll drops every entry from memory and deletes every job file.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	n := len(s.mem)
	s.mem = make(map[string]*Entry)
	s.mu.Unlock()

	files, err := s.jobFiles()
	if err != nil {
		s.logger.Warn("resultstore: list job files", "error", err)
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("resultstore: remove job file", "job_id", f.id, "error", err)
			continue
		}
		removed++
	}
	s.logger.Info("resultstore: cleared", "memory", n, "files", removed)
}

// Sweep deletes expired entries, memory first, then job files not held in
// memory. A file that cannot be read is counted in Failed and left alone.
func (s *Store) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	s.mu.RLock()
	var expired []string
	for id, e := range s.mem {
		if e.Expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range expired {
		if s.remove(ctx, id, ActionExpired) {
			res.Expired++
		}
	}

	files, err := s.jobFiles()
	if err != nil {
		s.logger.Warn("resultstore: sweep list", "error", err)
		return res
	}
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		s.mu.RLock()
		_, inMem := s.mem[f.id]
		s.mu.RUnlock()
		if inMem {
			continue
		}
		e, err := s.readFile(f.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Failed++
				s.logger.Warn("resultstore: sweep skip file", "path", f.path, "error", err)
			}
			continue
		}
		if e.Expired(now) && s.remove(ctx, f.id, ActionExpired) {
			res.Expired++
		}
	}
	return res
}

// StartCleanup runs Sweep every interval until StopCleanup or Close. A
// second call while running is a no-op.
func (s *Store) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.stopCleanup != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopCleanup, s.cleanupDone = cancel, done

	go func() {
		defer close(done)
		s.logger.Info("resultstore: cleanup started", "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("resultstore: cleanup stopped")
				return
			case <-ticker.C:
				res := s.Sweep(ctx)
				if res.Expired > 0 || res.Failed > 0 {
					s.logger.Info("resultstore: sweep done", "expired", res.Expired, "failed", res.Failed)
				}
			}
		}
	}()
}

// StopCleanup stops the sweep goroutine and waits for it to exit.
func (s *Store) StopCleanup() {
	s.cleanupMu.Lock()
	cancel, done := s.stopCleanup, s.cleanupDone
	s.stopCleanup, s.cleanupDone = nil, nil
	s.cleanupMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the cleanup sweep. Stored entries are kept on disk.
func (s *Store) Close() error {
	s.StopCleanup()
	return nil
}

func (s *Store) emit(ctx context.Context, jobID, action, details string) {
	if s.events != nil {
		s.events.JobEvent(ctx, jobID, action, details)
	}
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// writeFile writes e atomically: temp file then rename.
func (s *Store) writeFile(e *Entry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	target := s.path(e.JobID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *Store) readFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if e.JobID == "" {
		e.JobID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &e, nil
}

type jobFile struct {
	id   string
	path string
	size int64
}

// jobFiles lists the *.json files in the storage directory. A missing
// directory is empty.
func (s *Store) jobFiles() ([]jobFile, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []jobFile
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		f := jobFile{id: strings.TrimSuffix(name, ".json"), path: filepath.Join(s.dir, name)}
		if info, err := de.Info(); err == nil {
			f.size = info.Size()
		}
		files = append(files, f)
	}
	return files, nil
}

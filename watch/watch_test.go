package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// counter is a Detector whose version the test controls.
type counter struct{ v atomic.Int64 }

func (c *counter) detect(context.Context) (int64, error) { return c.v.Load(), nil }

// eventually polls cond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnChange_FiresOnVersionChange(t *testing.T) {
	var c counter
	var reloads atomic.Int32
	w := New(c.detect, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	eventually(t, "first check", func() bool { return w.Stats().Checks > 0 })
	if got := reloads.Load(); got != 0 {
		t.Fatalf("reloads before change: got %d", got)
	}

	c.v.Store(1)
	eventually(t, "first reload", func() bool { return reloads.Load() == 1 })

	c.v.Store(2)
	eventually(t, "second reload", func() bool { return reloads.Load() == 2 })

	time.Sleep(50 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("reloads without change: got %d, want 2", got)
	}
	if w.Version() != 2 {
		t.Errorf("version: got %d, want 2", w.Version())
	}
}

func TestOnChange_Debounce(t *testing.T) {
	var c counter
	var reloads atomic.Int32
	w := New(c.detect, Options{Interval: 10 * time.Millisecond, Debounce: 150 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})
	eventually(t, "first check", func() bool { return w.Stats().Checks > 0 })

	for i := int64(1); i <= 5; i++ {
		c.v.Store(i)
		time.Sleep(20 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("reloads during debounce: got %d", got)
	}

	eventually(t, "debounced reload", func() bool { return reloads.Load() == 1 })
	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads: got %d, want 1", got)
	}
	if w.Version() != 5 {
		t.Errorf("version: got %d, want 5", w.Version())
	}
}

func TestOnChange_ErrorDoesNotAdvanceVersion(t *testing.T) {
	var c counter
	var calls atomic.Int32
	w := New(c.detect, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("reload failed")
		}
		return nil
	})
	eventually(t, "first check", func() bool { return w.Stats().Checks > 0 })

	c.v.Store(1)
	eventually(t, "retry", func() bool { return calls.Load() >= 2 })
	eventually(t, "version advance", func() bool { return w.Version() == 1 })

	s := w.Stats()
	if s.Errors == 0 || s.Reloads == 0 || s.ChangesDetected == 0 {
		t.Errorf("stats: %+v", s)
	}
}

func TestDirFingerprint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	detect := DirFingerprint(dir, ".yaml")

	empty, err := detect(ctx)
	if err != nil {
		t.Fatal(err)
	}

	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("notes.txt", "ignored")
	if v, _ := detect(ctx); v != empty {
		t.Error("non-matching extension changed the fingerprint")
	}

	write("a.yaml", "name: a")
	v1, _ := detect(ctx)
	if v1 == empty {
		t.Fatal("new file did not change the fingerprint")
	}
	if v, _ := detect(ctx); v != v1 {
		t.Error("fingerprint is not stable")
	}

	write("a.yaml", "name: a2")
	if v, _ := detect(ctx); v == v1 {
		t.Error("edited file did not change the fingerprint")
	}

	missing := DirFingerprint(filepath.Join(dir, "missing"))
	if v, err := missing(ctx); err != nil || v != 0 {
		t.Errorf("missing dir: got %d, %v", v, err)
	}
}

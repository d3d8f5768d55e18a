package idgen

import (
	"regexp"
	"testing"
	"time"
)

func TestNanoID(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]bool, 500)
	for range 500 {
		id := gen()
		if len(id) != 12 {
			t.Fatalf("length: got %d, want 12", len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7(t *testing.T) {
	id := UUIDv7()()
	parsed, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
	if parsed != id {
		t.Errorf("canonical: got %q, want %q", parsed, id)
	}
	if id[14] != '7' {
		t.Errorf("version nibble: got %q in %q", id[14], id)
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("expected error for invalid uuid")
	}
}

func TestPrefixedTimestamped(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 30, 5, 0, time.FixedZone("x", 3600)) }
	gen := Prefixed("job_", Timestamped(clock, func() string { return "abc" }))
	if got, want := gen(), "job_20260301T113005Z_abc"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJob(t *testing.T) {
	re := regexp.MustCompile(`^job_\d{8}T\d{6}Z_[0-9a-z]{8}$`)
	a, b := Job(), Job()
	if !re.MatchString(a) {
		t.Errorf("job id %q does not match %s", a, re)
	}
	if a == b {
		t.Errorf("job ids collide: %q", a)
	}
	if len(New()) != 36 {
		t.Errorf("New: got %q", New())
	}
}

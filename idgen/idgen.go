// Package idgen generates the identifiers used by wooscrape: job ids handed
// back to callers and event ids in the job ledger.
package idgen

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator of random base-36 strings of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator of time-sortable RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Timestamped returns ids of the form "20060102T150405Z_<gen>" using now as
// the clock. A nil now uses time.Now.
func Timestamped(now func() time.Time, gen Generator) Generator {
	if now == nil {
		now = time.Now
	}
	return func() string {
		return now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// Default is UUID v7.
var Default Generator = UUIDv7()

// Job is the job id generator: "job_20260301T120000Z_k3x9q2mz". Job ids are
// safe file names and sort by creation time.
var Job Generator = Prefixed("job_", Timestamped(nil, NanoID(8)))

// New produces an id using Default.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid uuid: %w", err)
	}
	return u.String(), nil
}

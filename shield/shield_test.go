package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/wooscrape/kit"
)

func newRouter(h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	for _, mw := range DefaultAPIStack(nil) {
		r.Use(mw)
	}
	r.Get("/test", h)
	r.Post("/test", h)
	return r
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	var gotID, gotTransport string
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		gotID = kit.GetRequestID(r.Context())
		gotTransport = kit.GetTransport(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	checks := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, want := range checks {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
	id := w.Header().Get(RequestIDHeader)
	if !strings.HasPrefix(id, "req_") || id != gotID {
		t.Errorf("request id: header %q, context %q", id, gotID)
	}
	if gotTransport != "http" {
		t.Errorf("transport: got %q", gotTransport)
	}

	// A well-formed incoming id is kept; a malformed one is replaced.
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "upstream-42" {
		t.Errorf("incoming id: got %q", got)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "bad id/../x")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got == "bad id/../x" {
		t.Error("malformed incoming id should be replaced")
	}
}

func TestHeadToGet(t *testing.T) {
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("HEAD", "/test", nil))
	if w.Code != http.StatusOK {
		t.Errorf("HEAD: got %d, want 200", w.Code)
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 11))))
	if readErr == nil {
		t.Error("expected error reading an oversized body")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("burst of 2 should pass")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other clients have their own bucket")
	}
	now = now.Add(time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("a token should refill after one second")
	}

	now = now.Add(time.Hour)
	rl.Allow("9.9.9.9")
	rl.mu.Lock()
	n := len(rl.clients)
	rl.mu.Unlock()
	if n != 1 {
		t.Errorf("idle clients should be dropped, got %d", n)
	}

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	limited := 0
	for range 5 {
		req := httptest.NewRequest("POST", "/", nil)
		req.Header.Set("X-Forwarded-For", "7.7.7.7, 10.0.0.1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 3 {
		t.Errorf("limited: got %d, want 3", limited)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Errorf("remote addr: got %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.1")
	if got := ExtractIP(req); got != "198.51.100.1" {
		t.Errorf("x-real-ip: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	if got := ExtractIP(req); got != "192.0.2.1" {
		t.Errorf("x-forwarded-for: got %q", got)
	}
}

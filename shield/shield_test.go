package shield

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/doccmill/kit"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))

	checks := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, want := range checks {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestHeadToGet(t *testing.T) {
	var seen string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Method
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("HEAD", "/", nil))
	if seen != "GET" {
		t.Fatalf("method = %q, want GET", seen)
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized json body: code = %d", rec.Code)
	}

	// Multipart passes through: the upload handler owns its own ceiling.
	req = httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("multipart body: code = %d", rec.Code)
	}
}

func TestTraceID(t *testing.T) {
	var traceID, remoteAddr string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		remoteAddr = kit.GetRemoteAddr(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("no logger in context")
		}
	}))

	req := httptest.NewRequest("GET", "/v1/convert", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if len(traceID) != 8 {
		t.Fatalf("trace id = %q, want 8 hex chars", traceID)
	}
	if rec.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("X-Trace-ID header = %q, want %q", rec.Header().Get("X-Trace-ID"), traceID)
	}
	if remoteAddr != "203.0.113.9" {
		t.Fatalf("remote addr = %q", remoteAddr)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	db := setupDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /v1/convert', 2, 60, 1)`)

	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	send := func() int {
		req := httptest.NewRequest("POST", "/v1/convert", nil)
		req.RemoteAddr = "198.51.100.1:9999"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: code = %d", code)
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("second request: code = %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("third request: code = %d, want 429", code)
	}
}

func TestRateLimiter_PerIP(t *testing.T) {
	db := setupDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /v1/convert', 1, 60, 1)`)

	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	send := func(ip string) int {
		req := httptest.NewRequest("POST", "/v1/convert", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	send("10.0.0.1")
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("same ip second request: code = %d", code)
	}
	if code := send("10.0.0.2"); code != http.StatusOK {
		t.Fatalf("other ip: code = %d", code)
	}
}

func TestRateLimiter_DisabledRule(t *testing.T) {
	db := setupDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /v1/convert', 1, 60, 0)`)

	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/v1/convert", nil)
		req.RemoteAddr = "10.0.0.1:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled rule blocked request %d: code = %d", i, rec.Code)
		}
	}
}

func TestRateLimiter_ExcludedPrefix(t *testing.T) {
	db := setupDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('GET /v1/health', 1, 60, 1)`)

	rl := NewRateLimiter(db, "/v1/health")
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/v1/health", nil)
		req.RemoteAddr = "10.0.0.1:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("excluded path blocked on request %d: code = %d", i, rec.Code)
		}
	}
}

func TestRateLimiter_ConcurrentSameBucket(t *testing.T) {
	db := setupDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /v1/convert', 5, 60, 1)`)

	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	const requests = 40
	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/v1/convert", nil)
			req.RemoteAddr = "198.51.100.4:9999"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code == http.StatusOK {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// A burst must never slip extra requests past the limit.
	if got := allowed.Load(); got != 5 {
		t.Fatalf("allowed %d of %d concurrent requests, want exactly 5", got, requests)
	}
}

func TestDefaultStackCapsBody(t *testing.T) {
	db := setupDB(t)
	stack, _ := DefaultStack(db)

	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 32*1024)
		for {
			if _, err := r.Body.Read(buf); err != nil {
				if err == io.EOF {
					break
				}
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	body := strings.Repeat("x", DefaultMaxBodyBytes+1)
	req := httptest.NewRequest("POST", "/v1/convert", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized json body through default stack: code = %d", rec.Code)
	}

	// The upload handler owns the multipart ceiling, not the stack.
	req = httptest.NewRequest("POST", "/v1/convert", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("multipart body must bypass the stack body cap: code = %d", rec.Code)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		xff        string
		want       string
	}{
		{"192.0.2.1:5000", "", "192.0.2.1"},
		{"192.0.2.1:5000", "203.0.113.7", "203.0.113.7"},
		{"192.0.2.1:5000", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"noport", "", "noport"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ExtractIP(req); got != tt.want {
			t.Errorf("ExtractIP(%q, xff=%q) = %q, want %q", tt.remoteAddr, tt.xff, got, tt.want)
		}
	}
}

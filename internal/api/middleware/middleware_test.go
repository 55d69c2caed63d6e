package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relay/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func TestServiceAuth(t *testing.T) {
	router := gin.New()
	router.GET("/protected", ServiceAuth("svc-secret"), okHandler)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer svc-secret", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestServiceAuthExposesOrgID(t *testing.T) {
	router := gin.New()
	router.GET("/whoami", ServiceAuth("svc-secret"), func(c *gin.Context) {
		org, ok := GetOrgID(c)
		c.JSON(http.StatusOK, gin.H{"org": org, "ok": ok})
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer svc-secret")
	req.Header.Set("X-Org-ID", "org_42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body struct {
		Org string `json:"org"`
		OK  bool   `json:"ok"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.Org != "org_42" {
		t.Errorf("org = %+v", body)
	}
}

// memStore keeps window state in memory for limiter-backed tests.
type memStore struct {
	mu      sync.Mutex
	windows map[string]ratelimit.Window
}

func newMemStore() *memStore {
	return &memStore{windows: make(map[string]ratelimit.Window)}
}

func (s *memStore) Get(_ context.Context, key string) (ratelimit.Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	return w, ok, nil
}

func (s *memStore) Put(_ context.Context, key string, w ratelimit.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[key] = w
	return nil
}

// failingStore simulates an unavailable limiter backend.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (ratelimit.Window, bool, error) {
	return ratelimit.Window{}, false, errors.New("store down")
}

func (failingStore) Put(context.Context, string, ratelimit.Window) error {
	return errors.New("store down")
}

func limitedRouter(limiter *ratelimit.Manager, endpoint string) *gin.Engine {
	router := gin.New()
	router.POST("/op", func(c *gin.Context) {
		if org := c.GetHeader(orgIDHeader); org != "" {
			c.Set("orgID", org)
		}
		c.Next()
	}, RateLimit(limiter, endpoint), okHandler)
	return router
}

func doOp(router *gin.Engine, org string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/op", nil)
	if org != "" {
		req.Header.Set(orgIDHeader, org)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitDeniesOverLimit(t *testing.T) {
	limiter := ratelimit.NewManager(newMemStore())
	router := limitedRouter(limiter, "runs:create")
	limit := endpointLimits["runs:create"].Requests

	for i := int64(0); i < limit; i++ {
		if w := doOp(router, "org_1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := doOp(router, "org_1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing")
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" {
		t.Errorf("error code = %q, want RATE_LIMITED", body.Error.Code)
	}
}

func TestRateLimitBucketsPerOrg(t *testing.T) {
	limiter := ratelimit.NewManager(newMemStore())
	router := limitedRouter(limiter, "runs:create")
	limit := endpointLimits["runs:create"].Requests

	for i := int64(0); i < limit; i++ {
		doOp(router, "org_1")
	}
	if w := doOp(router, "org_1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("org_1 over-limit status = %d, want 429", w.Code)
	}

	// A different org has its own window.
	if w := doOp(router, "org_2"); w.Code != http.StatusOK {
		t.Fatalf("org_2 status = %d, want 200", w.Code)
	}
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	limiter := ratelimit.NewManager(failingStore{})
	router := limitedRouter(limiter, "sessions:create")

	// Every check errors; every request still goes through.
	for i := 0; i < 5; i++ {
		if w := doOp(router, "org_1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want fail-open 200", i+1, w.Code)
		}
	}
}

func TestUnknownEndpointGetsDefaultLimit(t *testing.T) {
	if got := limitFor("no:such:endpoint"); got != defaultLimit {
		t.Errorf("limitFor = %+v, want default", got)
	}
	if got := limitFor("sessions:join"); got.Requests != 50 || got.WindowSeconds != 60 {
		t.Errorf("sessions:join = %+v", got)
	}
}

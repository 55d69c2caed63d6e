package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/database"
	"github.com/relaymesh/relay/internal/ratelimit"
	"github.com/relaymesh/relay/internal/relay"
	"github.com/relaymesh/relay/internal/resilience"
	"github.com/relaymesh/relay/internal/token"
)

const (
	testAPIToken      = "svc-test-token"
	testSessionSecret = "api-test-secret"
)

type testAPI struct {
	router *gin.Engine
	codec  *token.Codec
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	codec, err := token.NewCodec(testSessionSecret)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	cfg := &config.Config{
		Addr:           ":0",
		SessionSecret:  testSessionSecret,
		APIToken:       testAPIToken,
		Environment:    "dev",
		AllowedOrigins: []string{"*"},
	}

	router := NewRouter(Deps{
		Config:   cfg,
		Sessions: database.NewSessionStore(db),
		Runs:     database.NewRunStore(db),
		Codec:    codec,
		Relay:    relay.NewManager(relay.DefaultConfig()),
		Limiter:  ratelimit.NewManager(&ratelimit.SQLStore{DB: db.DB}),
		Breakers: resilience.NewRegistry(resilience.DefaultBreakerConfig()),
	})
	return &testAPI{router: router, codec: codec}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	req.Header.Set("X-Org-ID", "org_test")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, w, &body)
	return body.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRESTRequiresServiceToken(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCreateSessionMintsControllerToken(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		SessionToken string `json:"session_token"`
		WSURL        string `json:"ws_url"`
	}
	decode(t, w, &resp)

	if !strings.HasPrefix(resp.ID, "ses_") {
		t.Errorf("id = %q, want ses_ prefix", resp.ID)
	}
	if resp.Status != database.SessionWaitingForDevice {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.HasSuffix(resp.WSURL, "/v1/ws") {
		t.Errorf("ws_url = %q", resp.WSURL)
	}

	// The minted token round-trips through the codec as a controller join.
	claims, err := a.codec.VerifyJoin(resp.SessionToken)
	if err != nil {
		t.Fatalf("verify session token: %v", err)
	}
	if claims.SessionID != resp.ID || claims.Role != "controller" || claims.OrgID != "org_test" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestGetSession(t *testing.T) {
	a := newTestAPI(t)

	var created struct {
		ID string `json:"id"`
	}
	decode(t, a.do(t, http.MethodPost, "/v1/sessions", ""), &created)

	w := a.do(t, http.MethodGet, "/v1/sessions/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	if w := a.do(t, http.MethodGet, "/v1/sessions/ses_missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", w.Code)
	} else if code := errorCode(t, w); code != "SESSION_NOT_FOUND" {
		t.Errorf("error code = %q", code)
	}
}

func TestJoinMintsRoleToken(t *testing.T) {
	a := newTestAPI(t)

	var created struct {
		ID string `json:"id"`
	}
	decode(t, a.do(t, http.MethodPost, "/v1/sessions", ""), &created)

	w := a.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/join", `{"role":"agent"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token     string `json:"token"`
		Role      string `json:"role"`
		ExpiresIn int64  `json:"expires_in"`
	}
	decode(t, w, &resp)
	if resp.Role != "agent" || resp.ExpiresIn != 300 {
		t.Errorf("resp = %+v", resp)
	}
	claims, err := a.codec.VerifyJoin(resp.Token)
	if err != nil {
		t.Fatalf("verify join token: %v", err)
	}
	if claims.Role != "agent" || claims.SessionID != created.ID {
		t.Errorf("claims = %+v", claims)
	}

	// Bad role is rejected before touching the store.
	if w := a.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/join", `{"role":"root"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad role status = %d, want 400", w.Code)
	}
}

func TestSessionStatusIncludesConnectionCounts(t *testing.T) {
	a := newTestAPI(t)

	var created struct {
		ID string `json:"id"`
	}
	decode(t, a.do(t, http.MethodPost, "/v1/sessions", ""), &created)

	w := a.do(t, http.MethodGet, "/v1/sessions/"+created.ID+"/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID          string         `json:"id"`
		Connections map[string]int `json:"connections"`
	}
	decode(t, w, &resp)
	for _, role := range []string{"controller", "observer", "agent"} {
		if n, ok := resp.Connections[role]; !ok || n != 0 {
			t.Errorf("connections[%s] = %d (present %v), want 0", role, n, ok)
		}
	}
}

func TestEndSessionBlocksFurtherJoins(t *testing.T) {
	a := newTestAPI(t)

	var created struct {
		ID string `json:"id"`
	}
	decode(t, a.do(t, http.MethodPost, "/v1/sessions", ""), &created)

	w := a.do(t, http.MethodDelete, "/v1/sessions/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}

	var sess struct {
		Status string `json:"status"`
	}
	decode(t, a.do(t, http.MethodGet, "/v1/sessions/"+created.ID, ""), &sess)
	if sess.Status != database.SessionEnded {
		t.Errorf("status = %q, want ended", sess.Status)
	}

	if w := a.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/join", ""); w.Code != http.StatusNotFound {
		t.Fatalf("join after end status = %d, want 404", w.Code)
	}

	// Deleting twice is fine; deleting the unknown is 404.
	if w := a.do(t, http.MethodDelete, "/v1/sessions/"+created.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("second delete status = %d", w.Code)
	}
	if w := a.do(t, http.MethodDelete, "/v1/sessions/ses_missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing status = %d, want 404", w.Code)
	}
}

func TestRunLifecycleOverREST(t *testing.T) {
	a := newTestAPI(t)

	var created struct {
		ID string `json:"id"`
	}
	decode(t, a.do(t, http.MethodPost, "/v1/sessions", ""), &created)

	// No websocket is connected; the watcher notification is best-effort
	// and must not fail run creation.
	w := a.do(t, http.MethodPost, "/v1/runs",
		`{"session_id":"`+created.ID+`","goal":"enable airplane mode"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create run status = %d: %s", w.Code, w.Body.String())
	}

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Goal   string `json:"goal"`
	}
	decode(t, w, &run)
	if !strings.HasPrefix(run.ID, "run_") || run.Status != database.RunQueued {
		t.Errorf("run = %+v", run)
	}

	if w := a.do(t, http.MethodGet, "/v1/runs/"+run.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("get run status = %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, "/v1/runs/run_missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get missing run status = %d, want 404", w.Code)
	}

	// Validation failures.
	if w := a.do(t, http.MethodPost, "/v1/runs", `{"goal":"no session"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing session_id status = %d, want 400", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/v1/runs", `{"session_id":"ses_missing","goal":"x"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", w.Code)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/checkpoint"
	"github.com/benthamlabs/bentham/internal/config"
	"github.com/benthamlabs/bentham/internal/model"
	"github.com/benthamlabs/bentham/internal/orchestrator"
	"github.com/benthamlabs/bentham/internal/proxy"
	"github.com/benthamlabs/bentham/internal/surface"
	"github.com/benthamlabs/bentham/internal/testutil"
)

const testToken = "test-token"

type nopPersister struct{}

func (nopPersister) UpsertAccount(model.Account) error     { return nil }
func (nopPersister) DeleteAccount(string) error            { return nil }
func (nopPersister) UpsertPool(model.AccountPool) error    { return nil }
func (nopPersister) DeletePool(string) error               { return nil }
func (nopPersister) AddPoolMember(string, string) error    { return nil }
func (nopPersister) RemovePoolMember(string, string) error { return nil }
func (nopPersister) MarkAccountUsage(string)               {}
func (nopPersister) MarkAccountUsageDelete(string)         {}
func (nopPersister) MarkCheckout(string)                   {}
func (nopPersister) MarkCheckoutDelete(string)             {}

func newTestServer(t *testing.T) (*Server, *testutil.StubAdapter) {
	t.Helper()

	reg := surface.NewRegistry()
	stub := &testutil.StubAdapter{SurfaceID: "surf-a", Anonymous: true}
	if err := reg.Register(stub); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	orch := orchestrator.New(orchestrator.DefaultConfig(), reg, store, nil)
	sr := NewStudyRunner(orch, testutil.PermissiveRegistries(), store, context.Background())

	accounts := account.NewManager(account.DefaultConfig(), nopPersister{}, nil)

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(config.NewDefaultRuntimeConfig())

	return NewServer("127.0.0.1", 0, testToken, runtimeCfg, sr, accounts, nil, nil), stub
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createStudy(t *testing.T, srv *Server, queries []string) string {
	t.Helper()
	man := testutil.StudyManifest("api-study", queries, []string{"surf-a"}, []string{"us"})
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/studies", man)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create study: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	decodeInto(t, rec, &resp)
	if resp.ID == "" {
		t.Fatal("create study: empty id")
	}
	return resp.ID
}

func waitForState(t *testing.T, srv *Server, studyID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+studyID, nil)
		var resp struct {
			State string `json:"state"`
		}
		decodeInto(t, rec, &resp)
		if resp.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("study %s never reached state %s", studyID, want)
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"wrong", "Bearer wrong", http.StatusUnauthorized},
		{"correct", "Bearer " + testToken, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/system/info", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestCreateStudyRunsToCompletion(t *testing.T) {
	srv, stub := newTestServer(t)

	id := createStudy(t, srv, []string{"q1", "q2"})
	waitForState(t, srv, id, "complete")

	if got := len(stub.Calls()); got != 2 {
		t.Errorf("adapter calls = %d, want 2", got)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+id+"/progress", nil)
	var progress struct {
		CompletedCells       int     `json:"completedCells"`
		CompletionPercentage float64 `json:"completionPercentage"`
	}
	decodeInto(t, rec, &progress)
	if progress.CompletedCells != 2 || progress.CompletionPercentage != 100 {
		t.Errorf("progress = %+v, want 2 cells at 100%%", progress)
	}
}

func TestCreateStudyRejectsBadManifest(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/studies", []byte("queries: []\n"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "INVALID_MANIFEST") {
		t.Errorf("body %s does not carry INVALID_MANIFEST", rec.Body.String())
	}
}

func TestPauseResumeCancel(t *testing.T) {
	srv, stub := newTestServer(t)
	release := make(chan struct{})
	stub.ExecuteFn = func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
		<-release
		return &surface.QueryResult{Success: true, Content: "slow response body"}, nil
	}

	id := createStudy(t, srv, []string{"q1", "q2", "q3", "q4"})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+id+"/actions/pause",
		map[string]string{"reason": "operator hold"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d, body %s", rec.Code, rec.Body.String())
	}
	var paused struct {
		State       string `json:"state"`
		PauseReason string `json:"pauseReason"`
	}
	decodeInto(t, rec, &paused)
	if paused.State != "paused" || paused.PauseReason != "operator hold" {
		t.Errorf("paused = %+v", paused)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+id+"/actions/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+id+"/actions/cancel",
		map[string]string{"reason": "test over"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d, body %s", rec.Code, rec.Body.String())
	}
	close(release)
	waitForState(t, srv, id, "failed")
}

func TestPauseCompletedStudyConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	id := createStudy(t, srv, []string{"q1"})
	waitForState(t, srv, id, "complete")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+id+"/actions/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "ILLEGAL_TRANSITION") {
		t.Errorf("body %s does not carry ILLEGAL_TRANSITION", rec.Body.String())
	}
}

func TestStudyNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/studies/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestListJobsWithStatusFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	id := createStudy(t, srv, []string{"q1", "q2"})
	waitForState(t, srv, id, "complete")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+id+"/jobs?status=complete", nil)
	var page struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
	}
	decodeInto(t, rec, &page)
	if page.Total != 2 || len(page.Items) != 2 {
		t.Errorf("jobs page = total %d items %d, want 2/2", page.Total, len(page.Items))
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	srv, stub := newTestServer(t)
	release := make(chan struct{})
	stub.ExecuteFn = func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
		<-release
		return &surface.QueryResult{Success: true, Content: "held response body"}, nil
	}

	id := createStudy(t, srv, []string{"q1", "q2"})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+id+"/actions/checkpoint", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create checkpoint: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+id+"/checkpoint", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get checkpoint: status %d", rec.Code)
	}
	var ckpt struct {
		StudyID string `json:"studyId"`
	}
	decodeInto(t, rec, &ckpt)
	if ckpt.StudyID != id {
		t.Errorf("checkpoint studyId = %s, want %s", ckpt.StudyID, id)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/studies/"+id+"/checkpoint", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete checkpoint: status %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+id+"/checkpoint", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted checkpoint: status %d, want 404", rec.Code)
	}

	close(release)
	waitForState(t, srv, id, "complete")
}

func TestAccountCRUDAndPools(t *testing.T) {
	srv, _ := newTestServer(t)

	acct := model.Account{
		ID:        "acct-1",
		SurfaceID: "surf-a",
		TenantID:  "tenant-1",
		Name:      "primary",
		Status:    model.AccountActive,
		Enabled:   true,
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/accounts", acct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/accounts?surface_id=surf-a", nil)
	var page struct {
		Total int `json:"total"`
	}
	decodeInto(t, rec, &page)
	if page.Total != 1 {
		t.Errorf("account list total = %d, want 1", page.Total)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/accounts/acct-1/actions/set-status",
		map[string]string{"status": "suspended"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set-status: status %d, body %s", rec.Code, rec.Body.String())
	}
	var updated model.Account
	decodeInto(t, rec, &updated)
	if updated.Status != model.AccountSuspended {
		t.Errorf("status = %s, want suspended", updated.Status)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/account-pools",
		model.AccountPool{ID: "pool-1", SurfaceID: "surf-a", Name: "main"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: status %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/account-pools/pool-1/members",
		map[string]string{"accountId": "acct-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add member: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/accounts/acct-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete account: status %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/accounts/acct-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted account: status %d, want 404", rec.Code)
	}
}

func TestSystemConfigPatch(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPatch, "/api/v1/system/config",
		map[string]any{"strict_validation": true, "probe_timeout": "42s"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status %d, body %s", rec.Code, rec.Body.String())
	}
	var cfg config.RuntimeConfig
	decodeInto(t, rec, &cfg)
	if !cfg.StrictValidation || cfg.ProbeTimeout.Std() != 42*time.Second {
		t.Errorf("patched config = %+v", cfg)
	}

	// Untouched fields keep their defaults.
	if cfg.CacheFlushDirtyThreshold != 1000 {
		t.Errorf("dirty threshold = %d, want 1000", cfg.CacheFlushDirtyThreshold)
	}

	rec = doRequest(t, srv, http.MethodPatch, "/api/v1/system/config",
		map[string]any{"probe_timeout": "0s"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch: status %d, want 400", rec.Code)
	}
}

func TestValidationStats(t *testing.T) {
	srv, _ := newTestServer(t)

	id := createStudy(t, srv, []string{"q1", "q2", "q3"})
	waitForState(t, srv, id, "complete")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/validation/stats", nil)
	var stats struct {
		Total    int     `json:"total"`
		Passed   int     `json:"passed"`
		PassRate float64 `json:"passRate"`
	}
	decodeInto(t, rec, &stats)
	if stats.Total != 3 || stats.Passed != 3 {
		t.Errorf("stats = %+v, want 3 passed of 3", stats)
	}
}

func TestPaginationOnStudies(t *testing.T) {
	srv, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		createStudy(t, srv, []string{fmt.Sprintf("q%d", i)})
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/studies?limit=2", nil)
	var page struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
		Limit int               `json:"limit"`
	}
	decodeInto(t, rec, &page)
	if page.Total != 3 || len(page.Items) != 2 || page.Limit != 2 {
		t.Errorf("page = total %d items %d limit %d", page.Total, len(page.Items), page.Limit)
	}
}

func countCalls(stub *testutil.StubAdapter, text string) int {
	n := 0
	for _, c := range stub.Calls() {
		if c == text {
			n++
		}
	}
	return n
}

func waitForCompletedCells(t *testing.T, srv *Server, studyID string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+studyID+"/progress", nil)
		var progress struct {
			CompletedCells int `json:"completedCells"`
		}
		decodeInto(t, rec, &progress)
		if progress.CompletedCells >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("study %s never completed %d cells", studyID, want)
}

func TestResumeFromSavedCheckpoint(t *testing.T) {
	srv, stub := newTestServer(t)
	release := make(chan struct{})
	stub.ExecuteFn = func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
		if text == "q-slow" {
			<-release
		}
		return &surface.QueryResult{Success: true, Content: "ok: " + text, ResponseTimeMs: 1}, nil
	}

	first := createStudy(t, srv, []string{"q-fast", "q-slow"})
	waitForCompletedCells(t, srv, first, 1)

	// Snapshot with the fast cell done, then abort mid-flight.
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+first+"/actions/checkpoint", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create checkpoint: status %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/studies/"+first+"/actions/cancel",
		map[string]string{"reason": "restart drill"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel study: status %d, body %s", rec.Code, rec.Body.String())
	}
	close(release)
	waitForState(t, srv, first, "failed")

	// Re-submitting the same manifest adopts the snapshot: the completed
	// cell is not executed again.
	fastCallsBefore := countCalls(stub, "q-fast")
	second := createStudy(t, srv, []string{"q-fast", "q-slow"})
	waitForState(t, srv, second, "complete")

	if got := countCalls(stub, "q-fast"); got != fastCallsBefore {
		t.Errorf("q-fast executed %d more times after resume, want 0", got-fastCallsBefore)
	}
	if got := countCalls(stub, "q-slow"); got < 2 {
		t.Errorf("q-slow calls = %d, want at least 2", got)
	}

	// The adopted snapshot now lives under the new study's ID.
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/studies/"+first+"/checkpoint", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stale checkpoint still present: status %d, want 404", rec.Code)
	}
}

type nopProxyPersister struct{}

func (nopProxyPersister) MarkProxySession(string, string)       {}
func (nopProxyPersister) MarkProxySessionDelete(string, string) {}
func (nopProxyPersister) MarkProxyHealth(string)                {}
func (nopProxyPersister) MarkProxyHealthDelete(string)          {}

func newProxyTestServer(t *testing.T) (*Server, *proxy.Manager) {
	t.Helper()
	provider := proxy.NewStaticProvider("static", 0, 0, []model.ProxyRecord{
		{ID: "px-1", LocationID: "us", Host: "10.0.0.1", Port: 1080, Password: "hunter2", Enabled: true},
		{ID: "px-2", LocationID: "de", Host: "10.0.0.2", Port: 1080, Enabled: true},
	})
	pm := proxy.NewManager(proxy.DefaultManagerConfig(), nopProxyPersister{}, nopProxyPersister{}, nil, provider)

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(config.NewDefaultRuntimeConfig())
	return NewServer("127.0.0.1", 0, testToken, runtimeCfg, nil, nil, pm, nil), pm
}

func TestProxyListingRedactsCredentials(t *testing.T) {
	srv, pm := newProxyTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/proxies", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list proxies: status %d, body %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Items []struct {
			ID       string `json:"id"`
			Password string `json:"password"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decodeInto(t, rec, &page)
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("list proxies: total %d items %d, want 2/2", page.Total, len(page.Items))
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("proxy listing leaked a password")
	}

	// Health appears once the proxy has been observed.
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/proxies/px-1/health", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("health before usage: status %d, want 404", rec.Code)
	}
	pm.Health.ReportUsage("px-1", true)
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/proxies/px-1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health after usage: status %d", rec.Code)
	}
}

func TestProxyPoolEndpoints(t *testing.T) {
	srv, _ := newProxyTestServer(t)

	body := map[string]any{
		"id":       "pool-a",
		"rotation": "round-robin",
		"proxyIds": []string{"px-1", "px-2"},
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/proxy-pools", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: status %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/proxy-pools", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate pool: status %d, want 400", rec.Code)
	}

	bad := map[string]any{
		"id":       "pool-b",
		"rotation": "round-robin",
		"proxyIds": []string{"px-missing"},
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/proxy-pools", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pool with unknown proxy: status %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/proxy-pools/pool-a", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete pool: status %d", rec.Code)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/store"
)

func testServer(t *testing.T, opts Options) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if opts.Version == "" {
		opts.Version = "test-version"
	}
	return New(db, opts), db
}

func do(t *testing.T, srv http.Handler, method, path, contributor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if contributor != "" {
		req.Header.Set(ContributorHeader, contributor)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func createTrace(t *testing.T, srv http.Handler, contributor string, tags ...string) traceResponse {
	t.Helper()
	w := do(t, srv, "POST", "/api/traces", contributor, map[string]any{
		"title":         "pool exhaustion under load",
		"context_text":  "pgx pool hangs after deploy",
		"solution_text": "raise max conns and set acquire timeout",
		"tags":          tags,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trace: status = %d, body = %s", w.Code, w.Body.String())
	}
	var tr traceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	return tr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t, Options{})

	w := do(t, srv, "GET", "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
}

func TestCreateAndGetTrace(t *testing.T) {
	srv, _ := testServer(t, Options{})

	tr := createTrace(t, srv, "alice", "Go", "postgres")
	if tr.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", tr.Status)
	}
	if tr.MemoryTemperature != store.TempHot {
		t.Errorf("temperature = %q, want HOT", tr.MemoryTemperature)
	}
	if len(tr.Tags) != 2 || tr.Tags[0] != "go" {
		t.Errorf("tags = %v, want normalized [go postgres]", tr.Tags)
	}

	w := do(t, srv, "GET", "/api/traces/"+tr.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var got traceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ContributorID != "alice" {
		t.Errorf("contributor = %q, want alice", got.ContributorID)
	}

	if w := do(t, srv, "GET", "/api/traces/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing trace: status = %d, want 404", w.Code)
	}
}

func TestCreateTraceValidation(t *testing.T) {
	srv, _ := testServer(t, Options{})

	if w := do(t, srv, "POST", "/api/traces", "", map[string]string{"title": "x", "solution_text": "y"}); w.Code != http.StatusUnauthorized {
		t.Errorf("no contributor: status = %d, want 401", w.Code)
	}
	if w := do(t, srv, "POST", "/api/traces", "alice", map[string]string{"title": "x"}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("no solution: status = %d, want 422", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/traces", strings.NewReader("{not json"))
	req.Header.Set(ContributorHeader, "alice")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", w.Code)
	}
}

func TestVoteFlow(t *testing.T) {
	srv, db := testServer(t, Options{})
	tr := createTrace(t, srv, "alice", "go")

	votePath := "/api/traces/" + tr.ID + "/votes"
	up := map[string]string{"vote_type": "up"}

	w := do(t, srv, "POST", votePath, "bob", up)
	if w.Code != http.StatusCreated {
		t.Fatalf("first vote: status = %d, body = %s", w.Code, w.Body.String())
	}
	var res struct {
		Vote     map[string]any `json:"vote"`
		Weight   float64        `json:"weight"`
		Promoted bool           `json:"promoted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode vote: %v", err)
	}
	if res.Weight <= 0 {
		t.Errorf("weight = %v, want > 0", res.Weight)
	}
	if res.Promoted {
		t.Error("one vote should not promote")
	}

	if w := do(t, srv, "POST", votePath, "bob", up); w.Code != http.StatusConflict {
		t.Errorf("duplicate vote: status = %d, want 409", w.Code)
	}

	w = do(t, srv, "POST", votePath, "carol", up)
	if w.Code != http.StatusCreated {
		t.Fatalf("second vote: status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode vote: %v", err)
	}
	if !res.Promoted {
		t.Error("second confirmation should promote")
	}

	got, err := db.GetTrace(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.Status != store.StatusValidated || got.ConfirmationCount != 2 {
		t.Errorf("trace = %s/%d, want validated/2", got.Status, got.ConfirmationCount)
	}
}

func TestVoteErrors(t *testing.T) {
	srv, _ := testServer(t, Options{})
	tr := createTrace(t, srv, "alice", "go")
	votePath := "/api/traces/" + tr.ID + "/votes"

	cases := []struct {
		name  string
		path  string
		voter string
		body  map[string]string
		want  int
	}{
		{"self vote", votePath, "alice", map[string]string{"vote_type": "up"}, http.StatusForbidden},
		{"bad type", votePath, "bob", map[string]string{"vote_type": "sideways"}, http.StatusUnprocessableEntity},
		{"down without tag", votePath, "bob", map[string]string{"vote_type": "down"}, http.StatusUnprocessableEntity},
		{"unknown trace", "/api/traces/nope/votes", "bob", map[string]string{"vote_type": "up"}, http.StatusNotFound},
		{"no voter", votePath, "", map[string]string{"vote_type": "up"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, srv, "POST", tc.path, tc.voter, tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}

	w := do(t, srv, "POST", votePath, "bob", map[string]string{"vote_type": "down", "feedback_tag": "outdated"})
	if w.Code != http.StatusCreated {
		t.Errorf("tagged down vote: status = %d, want 201", w.Code)
	}
}

func TestReputationEndpoint(t *testing.T) {
	srv, _ := testServer(t, Options{})
	tr := createTrace(t, srv, "alice", "go")
	if w := do(t, srv, "POST", "/api/traces/"+tr.ID+"/votes", "bob", map[string]string{"vote_type": "up"}); w.Code != http.StatusCreated {
		t.Fatalf("vote: status = %d", w.Code)
	}

	w := do(t, srv, "GET", "/api/contributors/alice/reputation", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var rep struct {
		ContributorID string `json:"contributor_id"`
		Domains       []struct {
			DomainTag   string `json:"domain_tag"`
			UpvoteCount int    `json:"upvote_count"`
		} `json:"domains"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Domains) != 1 || rep.Domains[0].DomainTag != "go" || rep.Domains[0].UpvoteCount != 1 {
		t.Errorf("domains = %+v, want one go domain with 1 upvote", rep.Domains)
	}

	if w := do(t, srv, "GET", "/api/contributors/nobody/reputation", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown contributor: status = %d, want 404", w.Code)
	}
}

func TestRecordRetrieval(t *testing.T) {
	srv, db := testServer(t, Options{})
	tr := createTrace(t, srv, "alice")

	w := do(t, srv, "POST", "/api/traces/"+tr.ID+"/retrievals", "bob", map[string]string{"search_session_id": "s1"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	got, err := db.GetTrace(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.RetrievalCount != 1 || got.LastRetrievedAt == nil {
		t.Errorf("retrieval_count = %d, last = %v", got.RetrievalCount, got.LastRetrievedAt)
	}

	if w := do(t, srv, "POST", "/api/traces/missing/retrievals", "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing trace: status = %d, want 404", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	srv, db := testServer(t, Options{})
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		run, err := db.StartRun(ctx, now.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		if err := db.FinishRun(ctx, run, store.RunCompleted, map[string]any{"errors": []string{}}, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	w := do(t, srv, "GET", "/api/consolidation/runs?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Runs []store.ConsolidationRun `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Errorf("runs = %d, want 2", len(body.Runs))
	}

	if w := do(t, srv, "GET", "/api/consolidation/runs?limit=zero", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}

func TestWriteRateLimit(t *testing.T) {
	srv, _ := testServer(t, Options{WritePerMinute: 1})
	body := map[string]string{"title": "t", "solution_text": "s"}

	w := do(t, srv, "POST", "/api/traces", "alice", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("first write: status = %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want 1", got)
	}

	w = do(t, srv, "POST", "/api/traces", "alice", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second write: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Buckets are per contributor.
	if w := do(t, srv, "POST", "/api/traces", "bob", body); w.Code != http.StatusCreated {
		t.Errorf("other contributor: status = %d, want 201", w.Code)
	}
	// Reads draw from a separate bucket.
	if w := do(t, srv, "GET", "/api/consolidation/runs", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("read after write limit: status = %d, want 200", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, Options{Metrics: metrics.NewRegistry()})
	do(t, srv, "GET", "/api/health", "", nil)

	w := do(t, srv, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/health"`) {
		t.Errorf("metrics missing health route:\n%s", w.Body.String())
	}
}

func TestNoMetricsRouteWithoutRegistry(t *testing.T) {
	srv, _ := testServer(t, Options{})
	if w := do(t, srv, "GET", "/metrics", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAnonymousReadsLimitedPerHost(t *testing.T) {
	srv, _ := testServer(t, Options{ReadPerMinute: 2})

	denied := 0
	for port := 40000; port < 40010; port++ {
		req := httptest.NewRequest("GET", "/api/consolidation/runs", nil)
		req.RemoteAddr = "203.0.113.7:" + strconv.Itoa(port)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			denied++
		}
	}
	if denied != 8 {
		t.Errorf("denied = %d, want 8 (same host, new ports)", denied)
	}

	req := httptest.NewRequest("GET", "/api/consolidation/runs", nil)
	req.RemoteAddr = "198.51.100.1:40000"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other host: status = %d, want 200", w.Code)
	}
}

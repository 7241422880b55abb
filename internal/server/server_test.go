package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/engine"
	"gigline/internal/ledger"
	"gigline/internal/migrate"
)

type stubInvoker struct {
	results map[string]ledger.Result
	errs    map[string]error
}

func (s *stubInvoker) Invoke(ctx context.Context, inv ledger.Invocation) (ledger.Result, error) {
	if err := s.errs[inv.Function]; err != nil {
		return ledger.Result{}, &ledger.InvocationError{Function: inv.Function, Err: err}
	}
	return s.results[inv.Function], nil
}

type testServer struct {
	URL     string
	Invoker *stubInvoker
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	inv := &stubInvoker{
		results: map[string]ledger.Result{
			"create_job":   {Output: "\"7\"", JobID: "7"},
			"complete_job": {Output: "ok"},
		},
		errs: map[string]error{},
	}
	e := engine.New(conn, cfg, inv)
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Invoker: inv,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func postTestGig(t *testing.T, srv *testServer, title string) GigResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/gigs", map[string]any{
		"title":          title,
		"description":    "desc",
		"payment_amount": 100,
		"client_address": "GCLIENT",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create gig status %d: %s", res.StatusCode, string(data))
	}
	var created CreateGigResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal gig: %v", err)
	}
	return created.Gig
}

func TestGigLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/gigs", map[string]any{
		"title":          "Paint fence",
		"description":    "White, two coats",
		"payment_amount": 250,
		"client_address": "GCLIENT",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created CreateGigResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Gig.Status != "open" {
		t.Fatalf("status = %q", created.Gig.Status)
	}
	if created.Contract == nil || created.Contract.JobID != "7" {
		t.Fatalf("contract = %+v", created.Contract)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+created.Gig.ID+"/accept", map[string]any{
		"worker_address": "GWORKER",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var accepted GigResponse
	if err := json.Unmarshal(data, &accepted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if accepted.Status != "in-progress" {
		t.Fatalf("status = %q", accepted.Status)
	}
	if accepted.WorkerAddress == nil || *accepted.WorkerAddress != "GWORKER" {
		t.Fatalf("worker = %v", accepted.WorkerAddress)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+created.Gig.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed CompleteGigResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if completed.Gig.Status != "completed" {
		t.Fatalf("status = %q", completed.Gig.Status)
	}
	if completed.Gig.CompletedAt == nil {
		t.Fatalf("completed_at missing")
	}
	if completed.Contract == nil || completed.Contract.Output != "ok" {
		t.Fatalf("contract = %+v", completed.Contract)
	}
	if completed.Gig.ContractResult == nil || *completed.Gig.ContractResult != "ok" {
		t.Fatalf("contract_result = %v", completed.Gig.ContractResult)
	}
}

func TestCreateGigLedgerFailureStillCreated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Invoker.errs["create_job"] = errors.New("exit status 1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/gigs", map[string]any{
		"title":          "t",
		"description":    "d",
		"payment_amount": 10,
		"client_address": "GCLIENT",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var created CreateGigResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ContractError == nil {
		t.Fatalf("expected contract_error")
	}
	if created.Gig.Status != "open" {
		t.Fatalf("status = %q", created.Gig.Status)
	}
	if created.Gig.LedgerStatus != "failed" {
		t.Fatalf("ledger_status = %q", created.Gig.LedgerStatus)
	}
}

func TestCompleteGigLedgerFailureReturns500(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	g := postTestGig(t, srv, "t")
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+g.ID+"/accept", map[string]any{"worker_address": "GWORKER"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	srv.Invoker.errs["complete_job"] = errors.New("exit status 1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+g.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "invocation_failed" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	// still in-progress
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/gigs/"+g.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", res.StatusCode)
	}
	var got GigResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "in-progress" {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestTransitionGuardsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	g := postTestGig(t, srv, "t")

	// complete before accept
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+g.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	if res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+g.ID+"/accept", map[string]any{"worker_address": "GW"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d", res.StatusCode)
	}
	// double accept
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/gigs/"+g.ID+"/accept", map[string]any{"worker_address": "GW2"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d", res.StatusCode)
	}

	// unknown gig
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/gigs/missing/accept", map[string]any{"worker_address": "GW"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/gigs", map[string]any{
		"description":    "d",
		"payment_amount": 10,
		"client_address": "G",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/gigs", map[string]any{
		"title":          "t",
		"description":    "d",
		"payment_amount": -1,
		"client_address": "G",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestListAndMyGigs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	first := postTestGig(t, srv, "first")
	second := postTestGig(t, srv, "second")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/gigs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var items []GigResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].ID != second.ID || items[1].ID != first.ID {
		t.Fatalf("order = %s, %s", items[0].Title, items[1].Title)
	}
	if res.Header.Get("X-Next-Cursor") != "" {
		t.Fatalf("unexpected cursor %q without a limit", res.Header.Get("X-Next-Cursor"))
	}

	// /gigs/my-gigs must not be swallowed by the id route
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/gigs/my-gigs?address=GCLIENT", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("my-gigs status %d: %s", res.StatusCode, string(data))
	}
	var mine MyGigsResponse
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(mine.Posted) != 2 || len(mine.Accepted) != 0 {
		t.Fatalf("mine = %+v", mine)
	}
}

func TestListGigsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	first := postTestGig(t, srv, "first")
	second := postTestGig(t, srv, "second")
	third := postTestGig(t, srv, "third")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/gigs?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page []GigResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page) != 2 || page[0].ID != third.ID || page[1].ID != second.ID {
		t.Fatalf("page = %+v", page)
	}
	cursor := res.Header.Get("X-Next-Cursor")
	if cursor == "" {
		t.Fatalf("missing continuation cursor")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/gigs?limit=2&cursor="+cursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page) != 1 || page[0].ID != first.ID {
		t.Fatalf("page = %+v", page)
	}
	if res.Header.Get("X-Next-Cursor") != "" {
		t.Fatalf("cursor %q on final page", res.Header.Get("X-Next-Cursor"))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/gigs?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d for bad cursor", res.StatusCode)
	}
}

func TestUsersOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/users/GNEW", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("user status %d: %s", res.StatusCode, string(data))
	}
	var u UserResponse
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Address != "GNEW" || u.Reputation != 0 {
		t.Fatalf("user = %+v", u)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/users/GNEW/reputation", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reputation status %d: %s", res.StatusCode, string(data))
	}
	var rep ReputationResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Reputation != 0 {
		t.Fatalf("reputation = %d", rep.Reputation)
	}

	// reputation lookups never register addresses
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/users/GUNSEEN/reputation", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestWalletSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/auth/session", map[string]any{"address": "GSESSION"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if session.Token == "" {
		t.Fatalf("empty token")
	}
	headers := map[string]string{"Authorization": "Bearer " + session.Token}

	// session address fills in the missing client_address
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/gigs", map[string]any{
		"title":          "t",
		"description":    "d",
		"payment_amount": 10,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created CreateGigResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Gig.ClientAddress != "GSESSION" {
		t.Fatalf("client = %q", created.Gig.ClientAddress)
	}

	// garbage token is rejected, not ignored
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/gigs", nil, map[string]string{"Authorization": "Bearer bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestHealthAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	postTestGig(t, srv, "t")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var items []EventResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("no events recorded")
	}
	if items[0].Type != "ledger.invoked" && items[0].Type != "gig.created" {
		t.Fatalf("latest event = %q", items[0].Type)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"wayleave/internal/app"
	"wayleave/internal/config"
	"wayleave/internal/db"
	"wayleave/internal/domain"
	"wayleave/internal/engine"
	"wayleave/internal/migrate"
)

const testPassword = "secret1"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, tweak func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.BootstrapEmail = "admin@ewa.bh"
	cfg.Auth.AllowedEmailDomain = "@ewa.bh"
	cfg.Feed.PollInterval = 10 * time.Millisecond
	cfg.Server.LoginRate = 0
	if tweak != nil {
		tweak(cfg)
	}
	a := app.New(conn, workspace, cfg)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	url := "http://" + ln.Addr().String()
	a.Blobs.BaseURL = url + "/v0"
	handler, err := New(FromApp(a))
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    url,
		App:    a,
		client: &http.Client{},
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

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func expectErrorCode(t *testing.T, data []byte, want string) {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	if env.Error.Code != want {
		t.Fatalf("error code %q, want %q (%s)", env.Error.Code, want, env.Error.Message)
	}
}

func signUp(t *testing.T, srv *testServer, email string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/signup", map[string]any{
		"email": email, "password": testPassword, "password_confirm": testPassword,
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var out SignUpResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal signup: %v", err)
	}
	return out.UserID
}

func login(t *testing.T, srv *testServer, email string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email": email, "password": testPassword,
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var out SessionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return out
}

// seedUsers signs up the bootstrap admin plus one user per workflow role and
// activates them through the API. It returns access tokens by email.
func seedUsers(t *testing.T, srv *testServer) (map[string]string, map[string]string) {
	t.Helper()
	ids := map[string]string{}
	roles := map[string]string{"planner@ewa.bh": "PLANNING", "tss@ewa.bh": "TSS", "edd@ewa.bh": "EDD"}
	ids["admin@ewa.bh"] = signUp(t, srv, "admin@ewa.bh")
	for email := range roles {
		ids[email] = signUp(t, srv, email)
	}
	admin := login(t, srv, "admin@ewa.bh")
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("bootstrap admin role %q", admin.Role)
	}
	for email, role := range roles {
		res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/profiles/"+ids[email], map[string]any{
			"role": role, "status": "active",
		}, bearer(admin.AccessToken))
		expectStatus(t, res, data, http.StatusOK)
	}
	tokens := map[string]string{"admin@ewa.bh": admin.AccessToken}
	for email := range roles {
		tokens[email] = login(t, srv, email).AccessToken
	}
	return tokens, ids
}

func createRecord(t *testing.T, srv *testServer, token, number string) RecordResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"wayleave_number": number,
		"attachment":      map[string]any{"name": "A.pdf", "data": []byte("initial")},
	}, bearer(token))
	expectStatus(t, res, data, http.StatusCreated)
	var rec RecordResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	return rec
}

func TestHealthAndOpenAPIArePublic(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi document lacks security scheme")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	expectErrorCode(t, data, "unauthorized")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records", nil, bearer("not-a-token"))
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	tokens, _ := seedUsers(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"wayleave_number": "WL-001",
		"attachment":      map[string]any{"name": "A.pdf", "data": []byte("x")},
	}, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusForbidden)
	expectErrorCode(t, data, "forbidden")

	rec := createRecord(t, srv, tokens["planner@ewa.bh"], "WL-001")
	if rec.Status != domain.StatusWaitingForAction || len(rec.History) != 1 {
		t.Fatalf("created record %+v", rec.WayleaveRecord)
	}
	recURL := fmt.Sprintf("%s/v0/records/%d", srv.URL, rec.ID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/pending", nil, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	var pending RecordListResponse
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}
	if len(pending.Items) != 1 || len(pending.Items[0].AvailableTransitions) != 1 {
		t.Fatalf("pending for TSS: %+v", pending.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, recURL+"/transitions", map[string]any{"status": "Completed"}, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusConflict)
	expectErrorCode(t, data, "invalid_transition")

	res, data = doJSON(t, client, http.MethodPost, recURL+"/transitions", map[string]any{"status": "Forwarded"}, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, recURL+"/transitions", map[string]any{"status": "PendingFinalReview"}, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	expectErrorCode(t, data, "validation_failed")

	res, data = doJSON(t, client, http.MethodPost, recURL+"/transitions", map[string]any{
		"status":   "PendingFinalReview",
		"evidence": map[string]any{"name": "B.pdf", "data": []byte("approved")},
	}, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, recURL+"/transitions", map[string]any{"status": "Completed"}, bearer(tokens["edd@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	var done RecordResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if done.Status != domain.StatusCompleted || len(done.History) != 4 || done.ApprovedAttachment == nil {
		t.Fatalf("completed record %+v", done.WayleaveRecord)
	}
	if len(done.AvailableTransitions) != 0 {
		t.Fatalf("EDD transitions from Completed: %v", done.AvailableTransitions)
	}

	res, data = doJSON(t, client, http.MethodGet, recURL+"/attachments/approved/url", nil, bearer(tokens["edd@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	var signed URLResponse
	if err := json.Unmarshal(data, &signed); err != nil {
		t.Fatalf("unmarshal url: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, signed.URL, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if string(data) != "approved" {
		t.Fatalf("downloaded %q", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/attachments/forged", nil, nil)
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodPatch, recURL, map[string]any{"wayleave_number": "WL-001A"}, bearer(tokens["edd@ewa.bh"]))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodPatch, recURL, map[string]any{"wayleave_number": "WL-001A"}, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodDelete, recURL, nil, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, recURL, nil, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestUnusableProfilesAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	tokens, ids := seedUsers(t, srv)
	client := srv.Client()

	signUp(t, srv, "new@ewa.bh")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email": "new@ewa.bh", "password": testPassword,
	}, nil)
	expectStatus(t, res, data, http.StatusForbidden)
	expectErrorCode(t, data, string(domain.ReasonNotActivated))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email": "planner@ewa.bh", "password": "wrong-password",
	}, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	expectErrorCode(t, data, string(domain.ReasonBadCredentials))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email": "someone@example.com", "password": testPassword,
	}, nil)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)

	// deactivation takes effect on the very next request
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/profiles/"+ids["planner@ewa.bh"], map[string]any{"status": "pending"}, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records", nil, bearer(tokens["planner@ewa.bh"]))
	expectStatus(t, res, data, http.StatusForbidden)
	expectErrorCode(t, data, string(domain.ReasonNotActivated))

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/profiles/"+ids["tss@ewa.bh"], nil, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records", nil, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/profiles/"+ids["admin@ewa.bh"], map[string]any{"role": "TSS"}, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/profiles", nil, bearer(tokens["edd@ewa.bh"]))
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestRefreshAndLogout(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	seedUsers(t, srv)
	client := srv.Client()

	sess := login(t, srv, "edd@ewa.bh")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/refresh", map[string]any{"refresh_token": sess.RefreshToken}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var refreshed SessionResponse
	if err := json.Unmarshal(data, &refreshed); err != nil {
		t.Fatalf("unmarshal refresh: %v", err)
	}
	if refreshed.Role != domain.RoleEDD || refreshed.RefreshToken == sess.RefreshToken {
		t.Fatalf("refresh %+v", refreshed)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/refresh", map[string]any{"refresh_token": sess.RefreshToken}, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(refreshed.AccessToken))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/logout", nil, bearer(refreshed.AccessToken))
	expectStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(refreshed.AccessToken))
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestLoginIsRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) { cfg.Server.LoginRate = 1 })
	defer cleanup()
	body := map[string]any{"email": "nobody@ewa.bh", "password": testPassword}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", body, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", body, nil)
	expectStatus(t, res, data, http.StatusTooManyRequests)
	expectErrorCode(t, data, "rate_limited")
}

func TestFeedStreamsChanges(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	tokens, _ := seedUsers(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/feed?access_token=" + tokens["planner@ewa.bh"]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello FeedHello
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Kind != "ready" {
		t.Fatalf("hello %+v", hello)
	}

	rec := createRecord(t, srv, tokens["planner@ewa.bh"], "WL-200")
	var change domain.Change
	if err := wsjson.Read(ctx, conn, &change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.Kind != domain.ChangeInserted || change.RecordID != rec.ID || change.Record == nil {
		t.Fatalf("change %+v", change)
	}
	if change.Seq <= hello.Cursor {
		t.Fatalf("change seq %d not after cursor %d", change.Seq, hello.Cursor)
	}
}

func TestFeedClosesWhenProfileDeleted(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	tokens, ids := seedUsers(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/feed"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tokens["tss@ewa.bh"]}},
	})
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	var hello FeedHello
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/profiles/"+ids["tss@ewa.bh"], nil, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusNoContent)
	createRecord(t, srv, tokens["admin@ewa.bh"], "WL-SECRET")

	var change domain.Change
	err = wsjson.Read(ctx, conn, &change)
	if err == nil {
		t.Fatalf("deleted user still received %+v", change)
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status %v (%v), want policy violation", status, err)
	}
}

func TestSearchAndOverviewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	tokens, _ := seedUsers(t, srv)
	createRecord(t, srv, tokens["planner@ewa.bh"], "WL-300")
	createRecord(t, srv, tokens["planner@ewa.bh"], "EWA-301")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records?query=wl-3", nil, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	var list RecordListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].WayleaveNumber != "WL-300" {
		t.Fatalf("search result %+v", list.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/profiles?search=edd", nil, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	var profiles ProfileListResponse
	if err := json.Unmarshal(data, &profiles); err != nil {
		t.Fatalf("unmarshal profiles: %v", err)
	}
	if len(profiles.Items) != 1 || profiles.Items[0].Email != "edd@ewa.bh" {
		t.Fatalf("profile search %+v", profiles.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/overview", nil, bearer(tokens["tss@ewa.bh"]))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/overview", nil, bearer(tokens["admin@ewa.bh"]))
	expectStatus(t, res, data, http.StatusOK)
	var o engine.Overview
	if err := json.Unmarshal(data, &o); err != nil {
		t.Fatalf("unmarshal overview: %v", err)
	}
	if o.TotalUsers != 4 || o.TotalRecords != 2 || o.InProgress != 2 || o.Completed != 0 {
		t.Fatalf("overview %+v", o)
	}
}

func TestFeedRequiresSession(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/feed", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.ValidationError{Field: "wayleave_number", Message: "required"}, http.StatusUnprocessableEntity, "validation_failed"},
		{&domain.TransitionError{Actor: domain.RoleTSS, From: domain.StatusForwarded, To: domain.StatusCompleted}, http.StatusConflict, "invalid_transition"},
		{&domain.AuthError{Reason: domain.ReasonNoSession}, http.StatusUnauthorized, "unauthorized"},
		{&domain.AuthError{Reason: domain.ReasonNoRoleAssigned}, http.StatusForbidden, "no_role_assigned"},
		{domain.Forbidden("only Admin"), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("record 9: %w", domain.ErrNotFound), http.StatusNotFound, "not_found"},
		{&domain.StoreError{Op: "list", Kind: domain.ErrStoreUnavailable, Err: errors.New("locked")}, http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
		{&domain.TransitionError{Actor: domain.RoleTSS, From: domain.StatusWaitingForAction, To: domain.StatusForwarded, Stale: true}, http.StatusConflict, "invalid_transition"},
	}
	for _, tc := range cases {
		got := handleError(tc.err)
		ae, ok := got.(*apiError)
		if !ok {
			t.Fatalf("%v: not an apiError", tc.err)
		}
		if ae.status != tc.status || ae.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s, want %d %s", tc.err, ae.status, ae.Body.Code, tc.status, tc.code)
		}
		if tc.status == http.StatusInternalServerError && ae.Body.Details != nil {
			t.Fatalf("%v: internal error leaked details %v", tc.err, ae.Body.Details)
		}
	}
}

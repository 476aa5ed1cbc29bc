package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/credential"
	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/monitor"
)

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type fakeOutbox struct{ counts map[string]int64 }

func (f fakeOutbox) CountByStatus(context.Context) (map[string]int64, error) {
	return f.counts, nil
}

type fakeCreds struct {
	current  *credential.Credential
	injected []string
}

func (f *fakeCreds) Current(context.Context) (credential.Credential, bool) {
	if f.current == nil {
		return credential.Credential{}, false
	}
	return *f.current, true
}

func (f *fakeCreds) Inject(_ context.Context, token string) (credential.Credential, error) {
	f.injected = append(f.injected, token)
	c := credential.Credential{Token: token, Source: credential.SourcePrimary, ExpiresAt: time.Now().Add(time.Hour)}
	f.current = &c
	return c, nil
}

type fakeChecker struct {
	report monitor.WatchReport
	err    error
	ids    []int64
}

func (f *fakeChecker) CheckWatchByID(_ context.Context, id int64) (monitor.WatchReport, error) {
	f.ids = append(f.ids, id)
	r := f.report
	r.WatchID = id
	return r, f.err
}

type testServer struct {
	handler http.Handler
	machine *blocking.Machine
	creds   *fakeCreds
	checker *fakeChecker
}

func newTestServer(t *testing.T, db fakeDB, outbox fakeOutbox) *testServer {
	t.Helper()
	s := &testServer{
		machine: blocking.New(5*time.Minute, 30*time.Minute),
		creds:   &fakeCreds{},
		checker: &fakeChecker{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(db, outbox, s.machine, s.creds, s.checker, "network", logger)
	s.handler = NewRouter(h, RouterConfig{Registry: metrics.New().Registry})
	return s
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         fakeDB
		counts     map[string]int64
		wantCode   int
		wantStatus string
	}{
		{"ok", fakeDB{}, map[string]int64{database.OutboxStatusPending: 3}, http.StatusOK, "ok"},
		{"backlog", fakeDB{}, map[string]int64{database.OutboxStatusPending: 900, database.OutboxStatusFailed: 200}, http.StatusOK, "warning"},
		{"dead letters", fakeDB{}, map[string]int64{database.OutboxStatusDeadLetter: 101}, http.StatusServiceUnavailable, "error"},
		{"database down", fakeDB{err: errors.New("refused")}, nil, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.db, fakeOutbox{counts: tt.counts})
			rec := s.do(http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, decode(t, rec)["status"])
		})
	}
}

func TestStatusReportsBlockingAndRedactedCredential(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeOutbox{})
	s.creds.current = &credential.Credential{Token: "eyJhbGciOiJIUzI1NiJ9.secret", Source: credential.SourceBackup}
	s.machine.Observe(errclass.Blocked(errors.New("403")))

	rec := s.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	body := decode(t, rec)
	assert.Equal(t, "network", body["mode"])
	assert.Equal(t, true, body["refusing"])
	assert.Equal(t, "30m0s", body["next_check_in"])

	blockingState := body["blocking"].(map[string]any)
	assert.Equal(t, true, blockingState["is_blocked"])
	assert.EqualValues(t, 1, blockingState["consecutive_failures"])

	cred := body["credential"].(map[string]any)
	assert.Equal(t, "eyJhbGci...", cred["token"])
	assert.Equal(t, "backup", cred["source"])
}

func TestInjectCredentialResetsCooldown(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeOutbox{})
	s.machine.Observe(errclass.Blocked(errors.New("403")))
	require.True(t, s.machine.Refusing())

	rec := s.do(http.MethodPost, "/api/v1/credentials", `{"token": "  manual-token-value  "}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"manual-token-value"}, s.creds.injected)
	assert.False(t, s.machine.Refusing())
	assert.True(t, s.machine.IsBlocked(), "only a successful query clears the blocked state")
	assert.Equal(t, "manual-t...", decode(t, rec)["token"])
}

func TestInjectCredentialRejectsBadInput(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeOutbox{})

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/credentials", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/credentials", `{"token": " "}`).Code)
	assert.Empty(t, s.creds.injected)
}

func TestCheckWatch(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeOutbox{})
	s.checker.report = monitor.WatchReport{Pages: 2, Items: 40, NewItems: 5, Alerts: 1}

	rec := s.do(http.MethodPost, "/api/v1/watches/7/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, s.checker.ids)

	body := decode(t, rec)
	assert.EqualValues(t, 7, body["watch_id"])
	assert.EqualValues(t, 40, body["items"])
	assert.EqualValues(t, 1, body["alerts"])
}

func TestCheckWatchErrors(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeOutbox{})

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/watches/abc/check", "").Code)

	s.checker.err = database.ErrNotFound
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/watches/9/check", "").Code)

	s.checker.err = errclass.Blocked(errclass.ErrBlocked)
	rec := s.do(http.MethodPost, "/api/v1/watches/9/check", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "blocked", decode(t, rec)["error_kind"])

	s.checker.err = errors.New("upstream exploded")
	assert.Equal(t, http.StatusBadGateway, s.do(http.MethodPost, "/api/v1/watches/9/check", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeOutbox{})
	rec := s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricewatch_blocked")
}

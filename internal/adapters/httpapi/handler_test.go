package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/usecase"
	"github.com/atvirokodosprendimai/wsregistry/migrations"
)

const testAdminToken = "test-admin-token"

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (n *recordingNotifier) Notify(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

func (n *recordingNotifier) Reasons() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.reasons...)
}

type testServer struct {
	router   http.Handler
	notifier *recordingNotifier
	outbox   *sqlite.OutboxRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "registry.sqlite"), gormsqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	wdb, err := db.WriteSQLDB()
	require.NoError(t, err)
	require.NoError(t, migrations.Up(ctx, wdb))

	log := zap.NewNop()
	notifier := &recordingNotifier{}
	outbox := sqlite.NewOutboxRepository(db, 0)
	auth := usecase.NewAuthService(sqlite.NewAdminKeyRepository(db))
	require.NoError(t, auth.Bootstrap(ctx, testAdminToken, "tester"))

	apps := usecase.NewApplicationService(
		sqlite.NewApplicationStore(db),
		nil,
		usecase.NewChangeObserver(notifier, log),
		log,
	)
	h, err := NewHandler(
		apps,
		usecase.NewAuditService(sqlite.NewAuditTrailRepository(db)),
		usecase.NewSyncService(outbox, notifier, nil),
		auth,
		log,
	)
	require.NoError(t, err)
	return &testServer{router: h.Router(), notifier: notifier, outbox: outbox}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("X-API-Key", testAdminToken)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeApp(t *testing.T, rec *httptest.ResponseRecorder) appResponse {
	t.Helper()
	var app appResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app), rec.Body.String())
	return app
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct {
		name   string
		header string
		value  string
	}{
		{name: "missing"},
		{name: "wrong", header: "X-API-Key", value: "nope"},
		{name: "wrong bearer", header: "Authorization", value: "Bearer nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/apps", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			srv.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/apps", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestCreateGeneratesCredentialsAndNotifies(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/apps", `{"name":"Chat","allowed_origins":["https://chat.example"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	app := decodeApp(t, rec)
	assert.True(t, strings.HasPrefix(app.AppID, domain.AppIDPrefix))
	assert.True(t, strings.HasPrefix(app.AppKey, domain.AppKeyPrefix))
	assert.True(t, strings.HasPrefix(app.AppSecret, domain.AppSecretPrefix))
	assert.NotContains(t, app.AppSecret, "...")
	assert.True(t, app.IsActive)
	assert.Equal(t, domain.DefaultMaxConnections, app.MaxConnections)
	assert.Equal(t, []string{"https://chat.example"}, app.AllowedOrigins)
	assert.Equal(t, []string{"created"}, srv.notifier.Reasons())

	stats, err := srv.outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestCreateRejectsSchemaViolations(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct {
		name  string
		body  string
		field string
	}{
		{name: "missing name", body: `{}`, field: "body"},
		{name: "zero connections", body: `{"name":"x","max_connections":0}`, field: "max_connections"},
		{name: "unknown field", body: `{"name":"x","owner":"me"}`, field: "body"},
		{name: "empty origin", body: `{"name":"x","allowed_origins":[""]}`, field: "allowed_origins.0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/v1/apps", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var body struct {
				Fields map[string]string `json:"fields"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Fields, tc.field)
		})
	}

	rec := srv.do(t, http.MethodPost, "/v1/apps", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, srv.notifier.Reasons())
}

func TestCreateDuplicateAppIDConflicts(t *testing.T) {
	srv := newTestServer(t)

	body := `{"app_id":"app-fixed","name":"One"}`
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", body).Code)

	rec := srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-fixed","name":"Two"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "app_id")
}

func TestCreateDuplicateSecretConflicts(t *testing.T) {
	srv := newTestServer(t)

	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_secret":"secret-shared-value","name":"One"}`).Code)

	rec := srv.do(t, http.MethodPost, "/v1/apps", `{"app_secret":"secret-shared-value","name":"Two"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "app_secret")
}

func TestListMasksSecretsAndGetRevealsOnRequest(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-one","app_secret":"secret-abcdefghijklmnop","name":"One"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/v1/apps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []appResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "secret-a...mnop", list.Items[0].AppSecret)
	assert.NotContains(t, rec.Body.String(), "secret-abcdefghijklmnop")

	rec = srv.do(t, http.MethodGet, "/v1/apps/app-one", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret-a...mnop", decodeApp(t, rec).AppSecret)

	rec = srv.do(t, http.MethodGet, "/v1/apps/app-one?reveal=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret-abcdefghijklmnop", decodeApp(t, rec).AppSecret)

	rec = srv.do(t, http.MethodGet, "/v1/apps/app-one?reveal=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFiltersByActive(t *testing.T) {
	srv := newTestServer(t)

	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-on","name":"On"}`).Code)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-off","name":"Off","is_active":false}`).Code)

	rec := srv.do(t, http.MethodGet, "/v1/apps?active=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []appResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "app-off", list.Items[0].AppID)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/v1/apps?active=sometimes", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/v1/apps?limit=ten", "").Code)
}

func TestPatchUpdatesAndRejectsImmutableFields(t *testing.T) {
	srv := newTestServer(t)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-one","name":"One"}`).Code)

	rec := srv.do(t, http.MethodPatch, "/v1/apps/app-one", `{"is_active":false,"max_connections":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	app := decodeApp(t, rec)
	assert.False(t, app.IsActive)
	assert.Equal(t, 5, app.MaxConnections)

	rec = srv.do(t, http.MethodPatch, "/v1/apps/app-one", `{"app_key":"key-new"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/v1/apps/app-one", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/v1/apps/app-missing", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"created", "updated"}, srv.notifier.Reasons())
}

func TestPatchWithoutChangesDoesNotNotify(t *testing.T) {
	srv := newTestServer(t)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-one","name":"One"}`).Code)

	rec := srv.do(t, http.MethodPatch, "/v1/apps/app-one", `{"name":"One"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"created"}, srv.notifier.Reasons())
}

func TestRotateSecretReturnsNewSecret(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-one","name":"One"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	before := decodeApp(t, rec)

	rec = srv.do(t, http.MethodPost, "/v1/apps/app-one:rotate-secret", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	after := decodeApp(t, rec)
	assert.NotEqual(t, before.AppSecret, after.AppSecret)
	assert.Equal(t, before.AppKey, after.AppKey)
	assert.True(t, strings.HasPrefix(after.AppSecret, domain.AppSecretPrefix))

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodPost, "/v1/apps/app-one:explode", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, srv.do(t, http.MethodPost, "/v1/apps/app-one", "").Code)
}

func TestDeleteRemovesApplication(t *testing.T) {
	srv := newTestServer(t)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-one","name":"One"}`).Code)

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodDelete, "/v1/apps/app-one", "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/apps/app-one", "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodDelete, "/v1/apps/app-one", "").Code)
	assert.Equal(t, []string{"created", "deleted"}, srv.notifier.Reasons())
}

func TestAuditListsMutationsNewestFirst(t *testing.T) {
	srv := newTestServer(t)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/apps", `{"app_id":"app-one","name":"One","app_secret":"secret-do-not-leak-1234"}`).Code)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPatch, "/v1/apps/app-one", `{"name":"Uno"}`).Code)

	rec := srv.do(t, http.MethodGet, "/v1/audit?app_id=app-one", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []domain.AuditTrailEvent `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, domain.EventApplicationUpdated, body.Items[0].Action)
	assert.Equal(t, domain.EventApplicationCreated, body.Items[1].Action)
	assert.Equal(t, "tester", body.Items[0].Actor)
	assert.NotEmpty(t, body.Items[0].RequestID)
	assert.NotContains(t, rec.Body.String(), "secret-do-not-leak-1234")

	rec = srv.do(t, http.MethodGet, "/v1/audit?action=created", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/v1/audit?after_id=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/v1/audit?after_id=-1", "").Code)
}

func TestManualSyncQueuesReconcile(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/sync", `{"reason":"drift"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var req domain.SyncRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, domain.EventReconcileRequested, req.EventType)
	assert.Equal(t, "tester", req.Actor)

	rec = srv.do(t, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/v1/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status usecase.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(2), status.Outbox.Pending)
	assert.Equal(t, []string{"reconcile", "reconcile"}, srv.notifier.Reasons())
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "secret-a...wxyz", maskSecret("secret-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "*****", maskSecret("short"))
	assert.Equal(t, "", maskSecret(""))
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/access"
	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/db"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/server/policy"
)

const testKey = "test-api-key"

func newTestServer(t *testing.T, allowedHosts ...string) (*Server, db.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(ctx, &config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "rules.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.NewDefaultConfig()
	engine, err := access.NewEngineFromConfig(store, &cfg.Access)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close(context.Background()) })

	hm := health.NewHealthMonitor()
	hm.RegisterCheck(health.StoreCheck(store))
	hm.CheckNow(ctx)

	srv, err := New(ServerOptions{
		Addr:         "127.0.0.1:0",
		APIKey:       testKey,
		AllowedHosts: allowedHosts,
		Store:        store,
		Engine:       engine,
		Health:       hm,
		ServerStats: func() []policy.ServerStats {
			return []policy.ServerStats{{Name: "policy", Addr: "127.0.0.1:10040"}}
		},
	})
	require.NoError(t, err)
	return srv, store
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresKeyAndStore(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.Error(t, err)

	_, err = New(ServerOptions{APIKey: "k"})
	assert.Error(t, err)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/api/v1/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, "rule_store", resp.Components[0].Name)
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "GET", "/api/v1/rules", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/api/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/rules", nil)
	req.Header.Set("Authorization", "Basic "+testKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, "GET", "/api/v1/rules", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	// httptest requests come from 192.0.2.1.
	srv, _ := newTestServer(t, "10.0.0.0/8")
	rec := do(t, srv.Handler(), "GET", "/api/v1/health", "", false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	srv, _ = newTestServer(t, "10.0.0.0/8", "192.0.2.0/24")
	rec = do(t, srv.Handler(), "GET", "/api/v1/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv, _ = newTestServer(t, "192.0.2.1")
	rec = do(t, srv.Handler(), "GET", "/api/v1/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRulesLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "POST", "/api/v1/rules", `{"kind":"client","key":"192.0.2","action":"reject","argument":"5.7.1 network blocked"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule db.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.NotZero(t, rule.ID)
	assert.Equal(t, "REJECT", rule.Action)

	rec = do(t, h, "POST", "/api/v1/rules", `{"kind":"client","key":"192.0.2","action":"OK"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, "POST", "/api/v1/rules", `{"kind":"body","key":"x","action":"OK"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/rules", `{not json`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/rules", `{"kind":"sender","key":"example.com","action":"OK"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, "GET", "/api/v1/rules?kind=client", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []db.Rule `json:"rules"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "192.0.2", list.Rules[0].Key)

	path := fmt.Sprintf("/api/v1/rules/%d", rule.ID)
	rec = do(t, h, "GET", path, "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, "DELETE", path, "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, "DELETE", path, "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "GET", path, "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/api/v1/rules/{id:[0-9]+}", "DELETE", "404")), float64(1))
}

func TestCheckSeesRuleChanges(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	check := func() access.Decision {
		t.Helper()
		rec := do(t, h, "POST", "/api/v1/check",
			`{"attributes":{"client_address":"198.51.100.20","sender":"a@spam.example","recipient":"b@example.org"}}`, true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var d access.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		return d
	}

	d := check()
	assert.Equal(t, "DUNNO", d.Verdict)

	// Warm the cache, then add a rule: the API purges so the next check sees it.
	check()
	rec := do(t, h, "POST", "/api/v1/rules", `{"kind":"sender","key":"spam.example","action":"REJECT","argument":"go away"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	d = check()
	assert.Equal(t, "REJECT go away", d.Verdict)
	assert.Equal(t, "sender", d.Kind)
	assert.Equal(t, "a@spam.example", d.Key)
	assert.Equal(t, "spam.example", d.MatchedKey)
	assert.False(t, d.Cached)
}

func TestStatsAndCachePurge(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	do(t, h, "POST", "/api/v1/rules", `{"kind":"recipient","key":"abuse@","action":"OK"}`, true)
	do(t, h, "POST", "/api/v1/check", `{"attributes":{"recipient":"abuse@example.org"}}`, true)

	rec := do(t, h, "GET", "/api/v1/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Rules["recipient"])
	require.Len(t, stats.Servers, 1)
	assert.Equal(t, "policy", stats.Servers[0].Name)
	require.NotNil(t, stats.Cache)
	assert.Positive(t, stats.Cache.Entries)
	assert.Equal(t, "CLOSED", stats.Breaker)

	rec = do(t, h, "POST", "/api/v1/cache/purge", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, srv.engine.Cache().Len())
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sevir/fetch/internal/adapter"
	"github.com/sevir/fetch/internal/config"
	"github.com/sevir/fetch/internal/executor"
	"github.com/sevir/fetch/internal/harness"
	"github.com/sevir/fetch/internal/orchestrator"
	"github.com/sevir/fetch/internal/task"
)

type testServer struct {
	srv       *Server
	workspace string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	workspace := t.TempDir()

	sh, err := adapter.NewCustom(adapter.CustomSpec{Name: "sh", Command: "sh", Args: []string{"-c", "{goal}"}})
	require.NoError(t, err)
	registry := adapter.NewRegistry()
	registry.Register(sh)

	reg := prometheus.NewRegistry()
	metrics := harness.MustNewMetrics(reg)
	pool := harness.NewPool(harness.NewSpawner(harness.WithKillGrace(500*time.Millisecond), harness.WithMetrics(metrics)), 2, nil, metrics)
	exec := executor.New(pool, registry, executor.WithLogDir(filepath.Join(dir, "logs")))
	tasks := task.NewManager(nil, task.WithDefaultAgent("sh"))
	orch := orchestrator.New(tasks, exec, pool, orchestrator.Config{
		Agents:         registry,
		DefaultTimeout: 10 * time.Second,
		Metrics:        orchestrator.MustNewMetrics(reg),
	})

	appCfg := config.DefaultConfig()
	appCfg.Workspaces = map[string]string{"demo": workspace}

	srv := New(Config{
		Addr:         "127.0.0.1:0",
		Orchestrator: orch,
		Version:      "test",
		Commit:       "abc123",
		AppConfig:    appCfg,
		Gatherer:     reg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &testServer{srv: srv, workspace: workspace}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = ts.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[map[string]string](t, w)
	require.Equal(t, "test", v["version"])
	require.Equal(t, "abc123", v["commit"])
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodOptions, "/api/tasks", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"goal": "true", "workspace": "demo", "background": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "fetch_tasks_finished_total")
	require.Contains(t, w.Body.String(), "fetch_pool_max_concurrent")
}

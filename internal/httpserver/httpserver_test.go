package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/agentfleet/common/cache"
	"github.com/lyzr/agentfleet/common/config"
	"github.com/lyzr/agentfleet/common/db"
	"github.com/lyzr/agentfleet/common/logger"
	"github.com/lyzr/agentfleet/internal/datatool"
	"github.com/lyzr/agentfleet/internal/gateway"
	"github.com/lyzr/agentfleet/internal/llmclient"
	"github.com/lyzr/agentfleet/internal/registry"
	"github.com/lyzr/agentfleet/internal/schema"
)

func writeDescriptor(t *testing.T, dir, filename, name, url, description string) {
	t.Helper()
	raw := `{"name":"` + name + `","url":"` + url + `","description":"` + description + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(raw), 0o644))
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	log := logger.New("error", "text")

	dir := t.TempDir()
	writeDescriptor(t, dir, "planner.json", "planner-agent", "wss://x/planner", "Decomposes a query into subtasks")
	writeDescriptor(t, dir, "flights.json", "flights-agent", "wss://x/flights", "Finds flight options")

	validator, err := schema.NewDescriptorValidator()
	require.NoError(t, err)

	c := cache.NewMemoryCache(log)
	reg := registry.New(llmclient.NoopEmbedder{}, validator, c, time.Hour, llmclient.EmbeddingDim, log)
	require.NoError(t, reg.Load(context.Background(), dir))

	// A named in-memory database: distinct per test, shared across the
	// pool's connections.
	cfg := &config.Config{Store: config.StoreConfig{DSN: "file:" + t.Name() + "?mode=memory&cache=shared"}}
	store, err := db.New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.ExecContext(context.Background(), `CREATE TABLE flights (id INTEGER PRIMARY KEY, from_airport TEXT, to_airport TEXT)`)
	require.NoError(t, err)
	_, err = store.ExecContext(context.Background(), `INSERT INTO flights (from_airport, to_airport) VALUES ('SFO','LHR'), ('SFO','LHR'), ('SFO','LHR')`)
	require.NoError(t, err)

	tool := datatool.New(store, log)
	gw := gateway.New(reg, tool)

	return New(gw, log)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_FindAgent(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/tools/find_agent", map[string]string{"query": "Finds flight options"})
	require.Equal(t, http.StatusOK, rec.Code)

	var desc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "flights-agent", desc["name"])
}

func TestHTTPServer_QueryData_AcceptsReadRejectsWrite(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/tools/query_data", map[string]string{"statement": "SELECT * FROM flights WHERE from_airport='SFO'"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Results, 3)

	rec = doJSON(t, h, http.MethodPost, "/tools/query_data", map[string]string{"statement": "DELETE FROM flights"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPServer_ListResources(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/resources/agent_cards", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var uris []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uris))
	assert.Contains(t, uris, registry.ResourceURIPrefix+"planner")
	assert.Contains(t, uris, registry.ResourceURIPrefix+"flights")
}

func TestHTTPServer_GetResource_NotFound(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/resources/agent_cards/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPServer_Health(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

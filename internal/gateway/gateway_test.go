package gateway

import (
	"context"
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
	"github.com/lyzr/agentfleet/internal/llmclient"
	"github.com/lyzr/agentfleet/internal/registry"
	"github.com/lyzr/agentfleet/internal/schema"
)

func newTestGateway(t *testing.T) *Gateway {
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

	return New(reg, tool)
}

func writeDescriptor(t *testing.T, dir, filename, name, url, description string) {
	t.Helper()
	raw := `{"name":"` + name + `","url":"` + url + `","description":"` + description + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(raw), 0o644))
}

func TestGateway_QueryData_AcceptsReadRejectsWrite(t *testing.T) {
	gw := newTestGateway(t)

	result, err := gw.QueryData(context.Background(), "SELECT * FROM flights WHERE from_airport='SFO'")
	require.NoError(t, err)

	rows, ok := result["results"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, rows, 3)

	_, err = gw.QueryData(context.Background(), "DELETE FROM flights")
	assert.Error(t, err)
}

func TestGateway_FindAgent(t *testing.T) {
	gw := newTestGateway(t)

	desc, err := gw.FindAgent(context.Background(), "Finds flight options")
	require.NoError(t, err)
	assert.Equal(t, "flights-agent", desc.Name)
}

func TestGateway_FindPlanner_Deterministic(t *testing.T) {
	gw := newTestGateway(t)

	desc1, err := gw.FindPlanner()
	require.NoError(t, err)
	desc2, err := gw.FindPlanner()
	require.NoError(t, err)

	assert.Equal(t, desc1, desc2)
	assert.Equal(t, "planner-agent", desc1.Name)
}

func TestGateway_Resource_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	_, err := gw.Resource(registry.ResourceURIPrefix + "does-not-exist")
	assert.Error(t, err)
}

func TestGateway_ListResources(t *testing.T) {
	gw := newTestGateway(t)

	uris := gw.ListResources()
	assert.Contains(t, uris, registry.ResourceURIPrefix+"planner")
	assert.Contains(t, uris, registry.ResourceURIPrefix+"flights")
}

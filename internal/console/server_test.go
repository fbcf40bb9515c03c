package console

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	apierrors "github.com/narvanalabs/topology-console/internal/api/errors"
	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/rollout"
	"github.com/narvanalabs/topology-console/internal/statussync"
	"github.com/narvanalabs/topology-console/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeBackend struct {
	groups []string
	err    error
}

func (b *fakeBackend) ListGroups(context.Context) ([]string, error) { return b.groups, b.err }
func (b *fakeBackend) Ping(context.Context) error                   { return b.err }

// fakeTopology serves a fixed registry and counts invalidations.
type fakeTopology struct {
	mu          sync.Mutex
	nodes       []models.NodeRecord
	invalidated int
}

func (f *fakeTopology) Get(context.Context) ([]models.NodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes, nil
}

func (f *fakeTopology) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeTopology) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

var registry = []models.NodeRecord{
	{ID: 1, ParentID: models.RootParent, Hostname: "core"},
	{ID: 2, ParentID: 1, Hostname: "edge-a"},
	{ID: 3, ParentID: 1, Hostname: "edge-b"},
}

var installLog = statussync.FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
	return []models.EventRecord{
		{NodeID: 2, GroupKey: "app", Status: models.StatusInstalled},
		{NodeID: 3, GroupKey: "app", Status: models.StatusWaiting},
	}, nil
})

func setupConsole(t *testing.T, nodes []models.NodeRecord) (*httptest.Server, *fakeTopology, *rollout.Monitor) {
	t.Helper()
	return setupConsoleWithLogger(t, nodes, nil)
}

func setupConsoleWithLogger(t *testing.T, nodes []models.NodeRecord, log *slog.Logger) (*httptest.Server, *fakeTopology, *rollout.Monitor) {
	t.Helper()

	topo := &fakeTopology{nodes: nodes}
	monitor := rollout.NewMonitor(rollout.Config{
		Topology: topo,
		Fetcher:  installLog,
		Interval: 10 * time.Millisecond,
	})

	cfg := config.LoadWithDefaults()
	cfg.FetchTimeout = time.Second
	cfg.PollInterval = 10 * time.Millisecond

	s := NewServer(cfg, Deps{
		Monitor:  monitor,
		Backend:  &fakeBackend{groups: []string{"app", "db"}},
		Topology: topo,
	}, log)
	s.pingInterval = time.Hour

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		_ = monitor.Shutdown(ctx)
		ts.Close()
	})
	return ts, topo, monitor
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestTreeReturnsClassifiedSnapshot(t *testing.T) {
	ts, _, monitor := setupConsole(t, registry)

	var resp TreeResponse
	status := getJSON(t, ts.URL+"/groups/app/tree", &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, "app", resp.Snapshot.GroupKey)
	assert.Equal(t, models.ClassificationDone, resp.Snapshot.Classifications[2])
	assert.Equal(t, models.ClassificationWaiting, resp.Snapshot.Classifications[3])
	assert.Equal(t, models.ClassificationUnset, resp.Snapshot.Classifications[1])
	require.Len(t, resp.Snapshot.Tree.Children, 2)

	// The one-off sync is released once the response is written.
	assert.Empty(t, monitor.Groups())
}

func TestTreeRejectsMalformedTopology(t *testing.T) {
	ts, _, _ := setupConsole(t, []models.NodeRecord{
		{ID: 1, ParentID: 2},
		{ID: 2, ParentID: 1},
	})

	var resp apierrors.APIError
	status := getJSON(t, ts.URL+"/groups/app/tree", &resp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, apierrors.CodeMalformedTopology, resp.Code)
}

func TestSelectionIsRememberedPerGroup(t *testing.T) {
	ts, _, _ := setupConsole(t, registry)

	put := func(group, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/groups/"+group+"/selection", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := put("app", `{"node_ids":[3,2,3]}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = put("db", `{"node_ids":[-1]}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var sel SelectionResponse
	getJSON(t, ts.URL+"/groups/db/selection", &sel)
	assert.Empty(t, sel.NodeIDs)

	getJSON(t, ts.URL+"/groups/app/selection", &sel)
	assert.Equal(t, []models.NodeID{3, 2}, sel.NodeIDs)

	var groups GroupsResponse
	getJSON(t, ts.URL+"/groups", &groups)
	assert.Equal(t, []string{"app", "db"}, groups.Groups)
	assert.Equal(t, "app", groups.Active)

	// Reading a selection does not switch groups.
	getJSON(t, ts.URL+"/groups/db/selection", &sel)
	getJSON(t, ts.URL+"/groups", &groups)
	assert.Equal(t, "app", groups.Active)

	resp, err := http.Post(ts.URL+"/groups/db/activate", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sel))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "db", sel.GroupKey)
	assert.Empty(t, sel.NodeIDs)
	getJSON(t, ts.URL+"/groups", &groups)
	assert.Equal(t, "db", groups.Active)

	var tree TreeResponse
	getJSON(t, ts.URL+"/groups/app/tree", &tree)
	require.NotNil(t, tree.Snapshot)
	assert.Equal(t, models.ClassificationInProgress, tree.Snapshot.Classifications[2])
	assert.Equal(t, models.ClassificationInProgress, tree.Snapshot.Classifications[3])
}

func TestStreamSendsSnapshots(t *testing.T) {
	ts, _, monitor := setupConsole(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/groups/app/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var snap statussync.Snapshot
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && events[len(events)-1] == eventSnapshot {
			require.NoError(t, json.Unmarshal([]byte(data), &snap))
			break
		}
	}
	require.Equal(t, []string{eventConnected, eventSnapshot}, events)
	assert.Equal(t, models.ClassificationDone, snap.Classifications[2])
	assert.Equal(t, []string{"app"}, monitor.Groups())
}

func TestWebSocketSendsSnapshots(t *testing.T) {
	ts, _, _ := setupConsole(t, registry)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/groups/app/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventConnected, msg.Type)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventSnapshot, msg.Type)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, models.ClassificationWaiting, msg.Snapshot.Classifications[3])
}

func TestRefreshInvalidatesTopology(t *testing.T) {
	ts, topo, _ := setupConsole(t, registry)

	resp, err := http.Post(ts.URL+"/topology/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, topo.invalidations())
}

func TestHealth(t *testing.T) {
	ts, _, _ := setupConsole(t, registry)

	var body map[string]any
	status := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestGroupRequestsLogGroupKey(t *testing.T) {
	var out syncBuffer
	log := slog.New(slog.NewJSONHandler(&out, nil))
	ts, _, _ := setupConsoleWithLogger(t, registry, log)

	resp, err := http.Post(ts.URL+"/groups/canary/activate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		if e["msg"] == "group activated" && e["component"] == "console" {
			entry = e
		}
	}
	require.NotNil(t, entry, "no activation log line in %s", out.String())
	assert.Equal(t, "canary", entry["group_key"])
	assert.NotEmpty(t, entry["request_id"])
}

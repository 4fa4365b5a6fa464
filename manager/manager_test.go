package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/fanout"
	"github.com/Normation/rudder-plugin-datasources/fetcher"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/nodequery"
	"github.com/Normation/rudder-plugin-datasources/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a manager against an in-memory repository, an in-memory
// inventory, and a counting HTTP endpoint.
type harness struct {
	mgr      *Manager
	repo     *repository.MemoryRepository
	inv      *inventory.MemoryInventory
	server   *httptest.Server
	requests atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repo: repository.NewMemory(),
		inv:  inventory.NewMemoryInventory(),
	}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		node := strings.TrimPrefix(r.URL.Path, "/nodes/")
		_, _ = fmt.Fprintf(w, `{"location":"rack-of-%s"}`, node)
	}))
	t.Cleanup(h.server.Close)

	h.inv.AddNode(inventory.NodeInfo{ID: "root", Hostname: "rudder.example.com", PolicyServerID: "root"})
	h.inv.AddNode(inventory.NodeInfo{ID: "node1", Hostname: "web01.example.com", PolicyServerID: "root"})
	h.inv.AddNode(inventory.NodeInfo{ID: "node2", Hostname: "web02.example.com", PolicyServerID: "root"})

	executor := fanout.New(nodequery.New(fetcher.New()), h.inv, testLogger())
	h.mgr = New(h.repo, h.inv, h.inv, executor, testLogger())
	t.Cleanup(h.mgr.Stop)
	return h
}

func (h *harness) source(id datasource.ID) *datasource.DataSource {
	return &datasource.DataSource{
		ID:            id,
		Name:          string(id),
		Enabled:       true,
		UpdateTimeout: time.Minute,
		RunParams: datasource.RunParameters{
			OnGeneration: true,
			OnNewNode:    true,
			Schedule:     datasource.Scheduled(time.Hour),
		},
		Type: datasource.SourceType{
			Name: datasource.TypeHTTP,
			HTTP: &datasource.HTTPSource{
				URL:            h.server.URL + "/nodes/${node.id}",
				Path:           "$.location",
				Method:         datasource.MethodGet,
				CheckSSL:       true,
				RequestTimeout: 5 * time.Second,
				Mode:           datasource.RequestMode{Kind: datasource.ModeByNode},
				OnMissing:      datasource.MissingNodeBehavior{Kind: datasource.MissingDelete},
			},
		},
	}
}

func waitWrites(t *testing.T, inv *inventory.MemoryInventory, want int) []inventory.RecordedWrite {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		writes := inv.Writes()
		if len(writes) >= want {
			return writes
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d writes, got %d", want, len(inv.Writes()))
	return nil
}

func assertNoWrites(t *testing.T, inv *inventory.MemoryInventory, within time.Duration) {
	t.Helper()
	time.Sleep(within)
	assert.Empty(t, inv.Writes())
}

func TestSave_PersistsAndRegisters(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Save(context.Background(), h.source("dc-location")))

	stored, err := h.mgr.Get(context.Background(), "dc-location")
	require.NoError(t, err)
	assert.Equal(t, datasource.ID("dc-location"), stored.ID)

	// The scheduler exists: a manual trigger reaches every node.
	h.mgr.OnUserAskUpdateAllNodesFor("admin", "dc-location")
	writes := waitWrites(t, h.inv, 3)
	assert.Len(t, writes, 3)
}

func TestSave_ReservedIDFailsWithoutStoring(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.Save(context.Background(), h.source("password"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReservedID)

	ids, err := h.mgr.GetAllIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSave_InvalidDescriptorFails(t *testing.T) {
	h := newHarness(t)

	ds := h.source("dc-location")
	ds.Type.HTTP.URL = ""

	err := h.mgr.Save(context.Background(), ds)
	require.Error(t, err)

	ids, err := h.mgr.GetAllIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSave_NilDescriptorFails(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.mgr.Save(context.Background(), nil))
}

func TestSave_ReplacesExistingScheduler(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Save(context.Background(), h.source("dc-location")))

	updated := h.source("dc-location")
	updated.Name = "Renamed"
	require.NoError(t, h.mgr.Save(context.Background(), updated))

	stored, err := h.mgr.Get(context.Background(), "dc-location")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Name)

	// Still exactly one scheduler answering triggers.
	h.mgr.OnUserAskUpdateNodeFor("admin", "dc-location", "node1")
	writes := waitWrites(t, h.inv, 1)
	assert.Len(t, writes, 1)
}

func TestDelete_NoRunAfterReturn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Save(context.Background(), h.source("dc-location")))
	require.NoError(t, h.mgr.Delete(context.Background(), "dc-location"))

	_, err := h.mgr.Get(context.Background(), "dc-location")
	assert.ErrorIs(t, err, errors.ErrSourceNotFound)

	h.mgr.OnUserAskUpdateAllNodes("admin")
	h.mgr.OnGenerationStarted("policy-engine")
	assertNoWrites(t, h.inv, 100*time.Millisecond)
	assert.Zero(t, h.requests.Load())
}

func TestDelete_UnknownSource(t *testing.T) {
	h := newHarness(t)
	err := h.mgr.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrSourceNotFound)
}

func TestInitialize_RegistersStoredSources(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.repo.Save(context.Background(), h.source("dc-location")))
	require.NoError(t, h.repo.Save(context.Background(), h.source("os-patch-level")))

	require.NoError(t, h.mgr.Initialize(context.Background()))

	// Registered but not armed: nothing fires on its own.
	assertNoWrites(t, h.inv, 50*time.Millisecond)

	// Both react to a generation event, one write per node each.
	h.mgr.OnGenerationStarted("policy-engine")
	writes := waitWrites(t, h.inv, 6)

	names := make(map[string]int)
	for _, write := range writes {
		names[write.Property.Name]++
	}
	assert.Equal(t, 3, names["dc-location"])
	assert.Equal(t, 3, names["os-patch-level"])
}

func TestOnGenerationStarted_RespectsOptIn(t *testing.T) {
	h := newHarness(t)

	optedIn := h.source("dc-location")
	optedOut := h.source("os-patch-level")
	optedOut.RunParams.OnGeneration = false

	require.NoError(t, h.mgr.Save(context.Background(), optedIn))
	require.NoError(t, h.mgr.Save(context.Background(), optedOut))

	h.mgr.OnGenerationStarted("policy-engine")
	writes := waitWrites(t, h.inv, 3)
	for _, write := range writes {
		assert.Equal(t, "dc-location", write.Property.Name)
	}
}

func TestOnNewNode_UpdatesOnlyThatNode(t *testing.T) {
	h := newHarness(t)

	optedIn := h.source("dc-location")
	optedOut := h.source("os-patch-level")
	optedOut.RunParams.OnNewNode = false

	require.NoError(t, h.mgr.Save(context.Background(), optedIn))
	require.NoError(t, h.mgr.Save(context.Background(), optedOut))

	h.mgr.OnNewNode("node2")
	writes := waitWrites(t, h.inv, 1)
	require.Len(t, writes, 1)
	assert.Equal(t, inventory.NodeID("node2"), writes[0].NodeID)
	assert.Equal(t, "dc-location", writes[0].Property.Name)
	assert.Equal(t, inventory.CauseNewNode, writes[0].Cause.Kind)
}

func TestOnNewNode_UnknownNodeWritesNothing(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Save(context.Background(), h.source("dc-location")))

	h.mgr.OnNewNode("ghost")
	assertNoWrites(t, h.inv, 100*time.Millisecond)
}

func TestOnUserAskUpdateNodeFor_ScopesToSourceAndNode(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Save(context.Background(), h.source("dc-location")))
	require.NoError(t, h.mgr.Save(context.Background(), h.source("os-patch-level")))

	h.mgr.OnUserAskUpdateNodeFor("admin", "dc-location", "node1")
	writes := waitWrites(t, h.inv, 1)
	require.Len(t, writes, 1)
	assert.Equal(t, inventory.NodeID("node1"), writes[0].NodeID)
	assert.Equal(t, "dc-location", writes[0].Property.Name)
	assert.Equal(t, inventory.CauseManualNode, writes[0].Cause.Kind)
	assert.Equal(t, "admin", writes[0].Cause.Actor)
}

func TestOnUserAskUpdateAllNodes_SkipsDisabledSources(t *testing.T) {
	h := newHarness(t)

	enabled := h.source("dc-location")
	disabled := h.source("os-patch-level")
	disabled.Enabled = false

	require.NoError(t, h.mgr.Save(context.Background(), enabled))
	require.NoError(t, h.mgr.Save(context.Background(), disabled))

	h.mgr.OnUserAskUpdateAllNodes("admin")
	writes := waitWrites(t, h.inv, 3)
	for _, write := range writes {
		assert.Equal(t, "dc-location", write.Property.Name)
	}
}

func TestStartAll_ArmsScheduledSources(t *testing.T) {
	h := newHarness(t)
	mgr := New(h.repo, h.inv, h.inv, fanout.New(nodequery.New(fetcher.New()), h.inv, testLogger()),
		testLogger(), WithStartStagger(20*time.Millisecond))
	t.Cleanup(mgr.Stop)

	scheduled := h.source("dc-location")
	unscheduled := h.source("os-patch-level")
	unscheduled.RunParams.Schedule = datasource.NoSchedule(time.Hour)

	require.NoError(t, h.repo.Save(context.Background(), scheduled))
	require.NoError(t, h.repo.Save(context.Background(), unscheduled))
	require.NoError(t, mgr.Initialize(context.Background()))

	mgr.StartAll()
	writes := waitWrites(t, h.inv, 3)
	for _, write := range writes {
		assert.Equal(t, "dc-location", write.Property.Name)
		assert.Equal(t, inventory.CauseScheduled, write.Cause.Kind)
	}
}

func TestStop_PreventsFurtherRuns(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Save(context.Background(), h.source("dc-location")))
	h.mgr.Stop()

	h.mgr.OnUserAskUpdateAllNodes("admin")
	assertNoWrites(t, h.inv, 100*time.Millisecond)
}

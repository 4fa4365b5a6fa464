package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/inventory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scheduledSource(period time.Duration) *datasource.DataSource {
	return &datasource.DataSource{
		ID:            "dc-location",
		Name:          "Datacenter location",
		Enabled:       true,
		UpdateTimeout: time.Minute,
		RunParams: datasource.RunParameters{
			Schedule: datasource.Scheduled(period),
		},
		Type: datasource.SourceType{
			Name: datasource.TypeHTTP,
			HTTP: &datasource.HTTPSource{
				URL:            "https://cmdb.example.com",
				Method:         datasource.MethodGet,
				RequestTimeout: time.Second,
				Mode:           datasource.RequestMode{Kind: datasource.ModeByNode},
				OnMissing:      datasource.MissingNodeBehavior{Kind: datasource.MissingDelete},
			},
		},
	}
}

// runRecorder is a RunFunc capturing causes, optionally blocking until
// released.
type runRecorder struct {
	mu      sync.Mutex
	causes  []inventory.UpdateCause
	started chan struct{}
	release chan struct{}
}

func newRunRecorder(blocking bool) *runRecorder {
	r := &runRecorder{started: make(chan struct{}, 16)}
	if blocking {
		r.release = make(chan struct{})
	}
	return r
}

func (r *runRecorder) run(_ context.Context, _ *datasource.DataSource, cause inventory.UpdateCause) {
	r.mu.Lock()
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
	r.started <- struct{}{}
	if r.release != nil {
		<-r.release
	}
}

func (r *runRecorder) recorded() []inventory.UpdateCause {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inventory.UpdateCause(nil), r.causes...)
}

func waitStart(t *testing.T, r *runRecorder) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start in time")
	}
}

func assertNoStart(t *testing.T, r *runRecorder, within time.Duration) {
	t.Helper()
	select {
	case <-r.started:
		t.Fatal("unexpected run")
	case <-time.After(within):
	}
}

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scheduler never reached state %s, still %s", want, s.State())
}

func TestTrigger_RunsOnce(t *testing.T) {
	recorder := newRunRecorder(false)
	s := New(scheduledSource(time.Hour), recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	waitStart(t, recorder)

	causes := recorder.recorded()
	require.Len(t, causes, 1)
	assert.Equal(t, inventory.CauseManualAll, causes[0].Kind)
	assert.NotEmpty(t, causes[0].ModificationID)
}

func TestTrigger_SingleFlight(t *testing.T) {
	recorder := newRunRecorder(true)
	s := New(scheduledSource(time.Hour), recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.Trigger(inventory.NewNodeCause(inventory.CauseManualNode, "admin", "node1"))
	waitStart(t, recorder)
	assert.Equal(t, Running, s.State())

	// Non-resetting triggers while running are dropped, not queued.
	s.Trigger(inventory.NewNodeCause(inventory.CauseManualNode, "admin", "node2"))
	s.Trigger(inventory.NewNodeCause(inventory.CauseNewNode, "inventory", "node3"))

	close(recorder.release)
	waitState(t, s, Idle)
	assert.Len(t, recorder.recorded(), 1)
}

func TestTrigger_CoalescesResettingCauses(t *testing.T) {
	recorder := newRunRecorder(true)
	s := New(scheduledSource(time.Hour), recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.Trigger(inventory.NewCause(inventory.CauseScheduled, "scheduler", "periodic"))
	waitStart(t, recorder)

	// Several resetting triggers collapse into one follow-up run.
	s.Trigger(inventory.NewCause(inventory.CauseGeneration, "policy-engine", "generation"))
	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	s.Trigger(inventory.NewCause(inventory.CauseGeneration, "policy-engine", "generation"))

	// Receives on the closed channel return immediately, so the
	// follow-up run does not block.
	close(recorder.release)

	waitStart(t, recorder)
	waitState(t, s, Armed)

	causes := recorder.recorded()
	require.Len(t, causes, 2)
	assert.Equal(t, inventory.CauseScheduled, causes[0].Kind)
	assert.Equal(t, inventory.CauseGeneration, causes[1].Kind)
}

func TestStartWithDelay_FiresAndRearms(t *testing.T) {
	recorder := newRunRecorder(false)
	s := New(scheduledSource(40*time.Millisecond), recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.StartWithDelay(10 * time.Millisecond)
	assert.Equal(t, Armed, s.State())

	waitStart(t, recorder)
	waitStart(t, recorder)

	causes := recorder.recorded()
	require.GreaterOrEqual(t, len(causes), 2)
	assert.Equal(t, inventory.CauseScheduled, causes[0].Kind)
	assert.Equal(t, inventory.CauseScheduled, causes[1].Kind)
}

func TestStartWithDelay_NoScheduleIsNoOp(t *testing.T) {
	ds := scheduledSource(time.Hour)
	ds.RunParams.Schedule = datasource.NoSchedule(time.Hour)

	recorder := newRunRecorder(false)
	s := New(ds, recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.StartWithDelay(time.Millisecond)
	assert.Equal(t, Idle, s.State())
	assertNoStart(t, recorder, 50*time.Millisecond)
}

func TestTrigger_NoScheduleRunsButDoesNotRearm(t *testing.T) {
	ds := scheduledSource(time.Hour)
	ds.RunParams.Schedule = datasource.NoSchedule(time.Hour)

	recorder := newRunRecorder(false)
	s := New(ds, recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	waitStart(t, recorder)
	waitState(t, s, Idle)
}

func TestTrigger_DisabledSourceIsDropped(t *testing.T) {
	ds := scheduledSource(time.Hour)
	ds.Enabled = false

	recorder := newRunRecorder(false)
	s := New(ds, recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	assertNoStart(t, recorder, 50*time.Millisecond)
	assert.Equal(t, Idle, s.State())
}

func TestTrigger_NodeScopedCauseKeepsTimer(t *testing.T) {
	recorder := newRunRecorder(false)
	s := New(scheduledSource(time.Hour), recorder.run, testLogger(), nil)
	defer s.Cancel()

	s.StartWithDelay(time.Hour)
	require.Equal(t, Armed, s.State())

	s.Trigger(inventory.NewNodeCause(inventory.CauseNewNode, "inventory", "node1"))
	waitStart(t, recorder)
	waitState(t, s, Armed)
}

func TestCancel_StopsTimerAndWaitsForRun(t *testing.T) {
	observed := make(chan struct{})
	run := func(ctx context.Context, _ *datasource.DataSource, _ inventory.UpdateCause) {
		<-ctx.Done()
		close(observed)
	}

	s := New(scheduledSource(time.Hour), run, testLogger(), nil)
	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	waitState(t, s, Running)

	s.Cancel()

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("cancel returned before the run observed it")
	}
	assert.Equal(t, Idle, s.State())
}

func TestTrigger_AfterCancelIsDropped(t *testing.T) {
	recorder := newRunRecorder(false)
	s := New(scheduledSource(time.Hour), recorder.run, testLogger(), nil)
	s.Cancel()

	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	assertNoStart(t, recorder, 50*time.Millisecond)
}

func TestReplace_SwapsDescriptor(t *testing.T) {
	s := New(scheduledSource(time.Hour), newRunRecorder(false).run, testLogger(), nil)
	defer s.Cancel()

	updated := scheduledSource(time.Hour)
	updated.Name = "Renamed"
	s.Replace(updated)

	assert.Equal(t, "Renamed", s.Source().Name)
}

func TestLastRun(t *testing.T) {
	recorder := newRunRecorder(false)
	s := New(scheduledSource(time.Hour), recorder.run, testLogger(), nil)
	defer s.Cancel()

	assert.True(t, s.LastRun().IsZero())

	s.Trigger(inventory.NewCause(inventory.CauseManualAll, "admin", "refresh"))
	waitStart(t, recorder)
	assert.False(t, s.LastRun().IsZero())
}

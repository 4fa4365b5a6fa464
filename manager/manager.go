// Package manager registers one scheduler per data source and routes
// inventory events, operator requests, and CRUD operations to them.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/fanout"
	"github.com/Normation/rudder-plugin-datasources/health"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/metric"
	"github.com/Normation/rudder-plugin-datasources/repository"
	"github.com/Normation/rudder-plugin-datasources/scheduler"
)

// DefaultStartStagger spaces scheduled sources apart at boot so they do
// not all hit upstream services at once.
const DefaultStartStagger = time.Minute

// Manager owns the scheduler registry. Registry mutations are mutually
// exclusive; event hooks dispatch on a snapshot without the lock.
type Manager struct {
	repo     repository.Repository
	nodes    inventory.NodeLister
	params   inventory.ParameterStore
	executor *fanout.Executor
	logger   *slog.Logger
	metrics  *metric.Metrics
	monitor  *health.Monitor
	stagger  time.Duration

	registry *registry
}

// Option customizes a Manager
type Option func(*Manager)

// WithMetrics wires update metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithHealthMonitor wires health reporting
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(mgr *Manager) { mgr.monitor = monitor }
}

// WithStartStagger overrides the boot-time arming interval
func WithStartStagger(d time.Duration) Option {
	return func(mgr *Manager) {
		if d > 0 {
			mgr.stagger = d
		}
	}
}

// New creates a manager with an empty registry
func New(
	repo repository.Repository,
	nodes inventory.NodeLister,
	params inventory.ParameterStore,
	executor *fanout.Executor,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		repo:     repo,
		nodes:    nodes,
		params:   params,
		executor: executor,
		logger:   logger.With("component", "update-manager"),
		stagger:  DefaultStartStagger,
		registry: newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetAllIDs lists the ids of every stored data source
func (m *Manager) GetAllIDs(ctx context.Context) ([]datasource.ID, error) {
	return m.repo.GetAllIDs(ctx)
}

// GetAll loads every stored data source
func (m *Manager) GetAll(ctx context.Context) ([]*datasource.DataSource, error) {
	return m.repo.GetAll(ctx)
}

// Get loads one data source
func (m *Manager) Get(ctx context.Context, id datasource.ID) (*datasource.DataSource, error) {
	return m.repo.Get(ctx, id)
}

// Save validates and persists a descriptor, then replaces its scheduler.
// Reserved ids fail fast without touching storage. When Save returns, a
// scheduler reflecting the new descriptor exists.
func (m *Manager) Save(ctx context.Context, ds *datasource.DataSource) error {
	if ds == nil {
		return errors.WrapInvalid(
			fmt.Errorf("data source is required"), "UpdateManager", "Save", "check descriptor")
	}
	if datasource.IsReservedID(ds.ID) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrReservedID, ds.ID),
			"UpdateManager", "Save", "check descriptor")
	}
	if err := ds.Validate(); err != nil {
		return err
	}

	m.registry.lock()
	defer m.registry.unlock()

	if err := m.repo.Save(ctx, ds); err != nil {
		return err
	}

	if old := m.registry.getLocked(ds.ID); old != nil {
		old.Cancel()
	}
	sched := scheduler.New(ds, m.runUpdate, m.logger, m.metrics)
	m.registry.putLocked(ds.ID, sched)
	if ds.Enabled && ds.RunParams.Schedule.Enabled {
		sched.StartWithDelay(ds.RunParams.Schedule.Period)
	}

	m.logger.Info("data source saved", "source", ds.ID, "enabled", ds.Enabled)
	return nil
}

// Delete cancels the scheduler, removes the stored descriptor, and drops
// the registry entry. When Delete returns no further run can start.
func (m *Manager) Delete(ctx context.Context, id datasource.ID) error {
	m.registry.lock()
	defer m.registry.unlock()

	if sched := m.registry.getLocked(id); sched != nil {
		sched.Cancel()
	}

	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.registry.removeLocked(id)

	m.logger.Info("data source deleted", "source", id)
	return nil
}

// Initialize loads every stored descriptor and registers its scheduler
// without arming any timer. Call StartAll afterwards.
func (m *Manager) Initialize(ctx context.Context) error {
	sources, err := m.repo.GetAll(ctx)
	if err != nil {
		if m.monitor != nil {
			m.monitor.UpdateFromError("update-manager", err)
		}
		return errors.Wrap(err, "UpdateManager", "Initialize", "load data sources")
	}

	m.registry.lock()
	defer m.registry.unlock()

	for _, ds := range sources {
		m.registry.putLocked(ds.ID, scheduler.New(ds, m.runUpdate, m.logger, m.metrics))
	}

	m.logger.Info("update manager initialized", "sources", len(sources))
	if m.monitor != nil {
		m.monitor.UpdateHealthy("update-manager", fmt.Sprintf("%d data source(s) registered", len(sources)))
	}
	return nil
}

// StartAll arms the periodic sources, shortest period first, staggered
// so boot does not fire every source at the same instant.
func (m *Manager) StartAll() {
	schedulers := m.registry.snapshot(func(ds *datasource.DataSource) bool {
		return ds.Enabled && ds.RunParams.Schedule.Enabled
	})
	sort.Slice(schedulers, func(i, j int) bool {
		return schedulers[i].Source().RunParams.Schedule.Period < schedulers[j].Source().RunParams.Schedule.Period
	})

	for i, sched := range schedulers {
		delay := time.Duration(i+1) * m.stagger
		sched.StartWithDelay(delay)
		m.logger.Info("data source schedule armed",
			"source", sched.Source().ID,
			"period", sched.Source().RunParams.Schedule.Period,
			"initial_delay", delay)
	}
}

// Stop cancels every scheduler. The registry stays populated, but a
// cancelled scheduler drops every later trigger, so nothing runs again.
func (m *Manager) Stop() {
	for _, sched := range m.registry.snapshot(nil) {
		sched.Cancel()
	}
	m.logger.Info("update manager stopped")
}

// OnGenerationStarted triggers every enabled source that opted into
// policy-generation refreshes.
func (m *Manager) OnGenerationStarted(actor string) {
	m.dispatch(
		inventory.NewCause(inventory.CauseGeneration, actor, "policy generation started"),
		func(ds *datasource.DataSource) bool { return ds.Enabled && ds.RunParams.OnGeneration })
}

// OnNewNode triggers a one-node refresh on every enabled source that
// opted into new-node refreshes.
func (m *Manager) OnNewNode(nodeID inventory.NodeID) {
	m.dispatch(
		inventory.NewNodeCause(inventory.CauseNewNode, "inventory", nodeID),
		func(ds *datasource.DataSource) bool { return ds.Enabled && ds.RunParams.OnNewNode })
}

// OnUserAskUpdateAllNodes refreshes every enabled source fleet-wide
func (m *Manager) OnUserAskUpdateAllNodes(actor string) {
	m.dispatch(
		inventory.NewCause(inventory.CauseManualAll, actor, "manual refresh of all data sources"),
		func(ds *datasource.DataSource) bool { return ds.Enabled })
}

// OnUserAskUpdateAllNodesFor refreshes one source fleet-wide
func (m *Manager) OnUserAskUpdateAllNodesFor(actor string, id datasource.ID) {
	m.dispatch(
		inventory.NewCause(inventory.CauseManualAll, actor, fmt.Sprintf("manual refresh of data source %s", id)),
		func(ds *datasource.DataSource) bool { return ds.Enabled && ds.ID == id })
}

// OnUserAskUpdateNode refreshes one node on every enabled source
func (m *Manager) OnUserAskUpdateNode(actor string, nodeID inventory.NodeID) {
	m.dispatch(
		inventory.NewNodeCause(inventory.CauseManualNode, actor, nodeID),
		func(ds *datasource.DataSource) bool { return ds.Enabled })
}

// OnUserAskUpdateNodeFor refreshes one node on one source
func (m *Manager) OnUserAskUpdateNodeFor(actor string, id datasource.ID, nodeID inventory.NodeID) {
	m.dispatch(
		inventory.NewNodeCause(inventory.CauseManualNode, actor, nodeID),
		func(ds *datasource.DataSource) bool { return ds.Enabled && ds.ID == id })
}

// dispatch fans one cause out to the matching schedulers. The registry
// is read once, without holding the lock during trigger delivery.
func (m *Manager) dispatch(cause inventory.UpdateCause, match func(*datasource.DataSource) bool) {
	schedulers := m.registry.snapshot(match)
	if len(schedulers) == 0 {
		m.logger.Debug("no data source matches cause", "cause", cause.Kind)
		return
	}
	for _, sched := range schedulers {
		sched.Trigger(cause)
	}
}

// runUpdate is the RunFunc injected into every scheduler: resolve the
// working set, then hand it to the fan-out executor.
func (m *Manager) runUpdate(ctx context.Context, ds *datasource.DataSource, cause inventory.UpdateCause) {
	update, err := m.resolveWorkingSet(ctx, cause)
	if err != nil {
		m.logger.Error("could not resolve nodes for update",
			"source", ds.ID, "cause", cause.Kind, "error", err)
		if m.metrics != nil {
			m.metrics.RecordUpdate(string(ds.ID), string(cause.Kind), "failure")
		}
		return
	}
	if len(update.Nodes) == 0 {
		m.logger.Debug("no nodes to update", "source", ds.ID, "cause", cause.Kind)
		return
	}

	m.executor.Run(ctx, ds, update, cause)
}

// resolveWorkingSet builds the PartialNodeUpdate for one cause: the
// whole fleet, or a single node for node-scoped causes.
func (m *Manager) resolveWorkingSet(ctx context.Context, cause inventory.UpdateCause) (inventory.PartialNodeUpdate, error) {
	update := inventory.PartialNodeUpdate{
		Nodes:         make(map[inventory.NodeID]inventory.NodeInfo),
		PolicyServers: make(map[inventory.NodeID]inventory.NodeInfo),
	}

	if cause.NodeID != "" {
		node, err := m.nodes.GetNode(ctx, cause.NodeID)
		if err != nil {
			return update, errors.Wrap(err, "UpdateManager", "runUpdate", "get node "+string(cause.NodeID))
		}
		update.Nodes[node.ID] = node
	} else {
		nodes, err := m.nodes.ListNodes(ctx)
		if err != nil {
			return update, errors.Wrap(err, "UpdateManager", "runUpdate", "list nodes")
		}
		for _, node := range nodes {
			update.Nodes[node.ID] = node
		}
	}

	servers, err := m.nodes.ListPolicyServers(ctx)
	if err != nil {
		return update, errors.Wrap(err, "UpdateManager", "runUpdate", "list policy servers")
	}
	for _, server := range servers {
		update.PolicyServers[server.ID] = server
	}

	params, err := m.params.ListParameters(ctx)
	if err != nil {
		return update, errors.Wrap(err, "UpdateManager", "runUpdate", "list parameters")
	}
	update.Parameters = params

	return update, nil
}

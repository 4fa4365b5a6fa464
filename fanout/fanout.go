// Package fanout runs the node queries of one data source update in
// parallel, bounded, deadline-scoped, and best-effort: one node's
// failure never aborts the others.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/metric"
	"github.com/Normation/rudder-plugin-datasources/nodequery"
)

// DefaultMaxParallel bounds in-flight node queries per fan-out. Chosen to
// protect upstream servers and avoid socket exhaustion on constrained
// hosts.
const DefaultMaxParallel = 50

// Executor fans one update out across a node set
type Executor struct {
	querier     *nodequery.Querier
	writer      inventory.PropertyWriter
	maxParallel int
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// Option customizes an Executor
type Option func(*Executor)

// WithMaxParallel overrides the in-flight query ceiling
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithMetrics wires update metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor writing through the given property writer
func New(querier *nodequery.Querier, writer inventory.PropertyWriter, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		querier:     querier,
		writer:      writer,
		maxParallel: DefaultMaxParallel,
		logger:      logger.With("component", "fanout"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the best-effort outcome of one fan-out: the nodes whose
// property was written, and the aggregate failure if any node failed.
type Result struct {
	Updated map[inventory.NodeID]struct{}
	Err     error
}

// Run updates every node of the working set for one source. It returns
// when all node queries finished or the source's update timeout elapsed,
// whichever comes first. Completed writes stand either way.
func (e *Executor) Run(
	ctx context.Context,
	ds *datasource.DataSource,
	update inventory.PartialNodeUpdate,
	cause inventory.UpdateCause,
) Result {
	src := ds.Type.HTTP
	started := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if ds.UpdateTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, ds.UpdateTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	updated := make(map[inventory.NodeID]struct{})
	// untouched nodes completed without a write (no-change policy)
	untouched := make(map[inventory.NodeID]struct{})
	failures := make(map[inventory.NodeID]string)

	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(e.maxParallel)

	// The all-nodes request mode executes with per-node semantics until
	// its split path is activated.
	for _, node := range orderedNodes(update.Nodes) {
		group.Go(func() error {
			wrote, err := e.runNode(groupCtx, ds, src, node, update, cause)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[node.ID] = err.Error()
				e.recordQuery(ds.ID, "failure")
				return nil
			}
			if wrote {
				updated[node.ID] = struct{}{}
			} else {
				untouched[node.ID] = struct{}{}
			}
			e.recordQuery(ds.ID, "success")
			return nil
		})
	}

	_ = group.Wait()

	// Nodes never dispatched or cut off by the deadline are failures too.
	if deadlineErr := runCtx.Err(); deadlineErr != nil {
		mu.Lock()
		for id := range update.Nodes {
			if _, ok := updated[id]; ok {
				continue
			}
			if _, ok := untouched[id]; ok {
				continue
			}
			if _, ok := failures[id]; ok {
				continue
			}
			failures[id] = fmt.Sprintf("deadline exceeded after %s", ds.UpdateTimeout)
		}
		mu.Unlock()
	}

	elapsed := time.Since(started)
	result := Result{Updated: updated, Err: aggregate(ds.ID, failures)}
	e.logRun(ds, cause, elapsed, len(updated), len(failures), result.Err)
	if e.metrics != nil {
		status := "success"
		if result.Err != nil {
			status = "failure"
		}
		e.metrics.RecordUpdate(string(ds.ID), string(cause.Kind), status)
		e.metrics.RecordUpdateDuration(string(ds.ID), elapsed)
	}
	return result
}

func (e *Executor) runNode(
	ctx context.Context,
	ds *datasource.DataSource,
	src *datasource.HTTPSource,
	node inventory.NodeInfo,
	update inventory.PartialNodeUpdate,
	cause inventory.UpdateCause,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.WrapTransient(
			fmt.Errorf("update cancelled before node %s was queried", node.ID),
			"FanOut", "Run", "query node")
	}

	policyServer, ok := update.PolicyServers[node.PolicyServerID]
	if !ok {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: node %s references policy server %s",
				errors.ErrPolicyServerGone, node.ID, node.PolicyServerID),
			"FanOut", "Run", "resolve policy server")
	}

	e.track(1)
	prop, err := e.querier.Query(ctx, ds.ID, src, node, policyServer, update.Parameters)
	e.track(-1)
	if err != nil {
		return false, err
	}
	if prop == nil {
		e.logger.Debug("node untouched by policy",
			"source", ds.ID, "node", node.ID)
		return false, nil
	}

	if err := e.writer.WriteProperty(ctx, node.ID, *prop, cause); err != nil {
		return false, errors.WrapTransient(err, "FanOut", "Run", "write node property")
	}
	e.logger.Debug("node property updated",
		"source", ds.ID, "node", node.ID, "property", prop.Name)
	return true, nil
}

func (e *Executor) track(delta float64) {
	if e.metrics != nil {
		e.metrics.NodesInFlight.Add(delta)
	}
}

func (e *Executor) recordQuery(id datasource.ID, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordNodeQuery(string(id), outcome)
	}
}

func (e *Executor) logRun(
	ds *datasource.DataSource,
	cause inventory.UpdateCause,
	elapsed time.Duration,
	updated, failed int,
	err error,
) {
	e.logger.Info("data source update finished",
		"source", ds.ID,
		"name", ds.Name,
		"cause", cause.Kind,
		"elapsed", elapsed,
		"updated", updated,
		"failed", failed)
	if err != nil {
		e.logger.Error("data source update had failures",
			"source", ds.ID, "error", err)
	}
}

// aggregate joins per-node failures into one ;-chained message
func aggregate(id datasource.ID, failures map[inventory.NodeID]string) error {
	if len(failures) == 0 {
		return nil
	}

	ids := make([]string, 0, len(failures))
	for nodeID := range failures {
		ids = append(ids, string(nodeID))
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(failures))
	for _, nodeID := range ids {
		parts = append(parts, fmt.Sprintf("node %s: %s", nodeID, failures[inventory.NodeID(nodeID)]))
	}
	return errors.WrapTransient(
		fmt.Errorf("updating %d node(s) failed: %s", len(failures), strings.Join(parts, "; ")),
		"FanOut", "Run", "update nodes")
}

func orderedNodes(nodes map[inventory.NodeID]inventory.NodeInfo) []inventory.NodeInfo {
	out := make([]inventory.NodeInfo, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

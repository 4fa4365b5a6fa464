// Package events bridges inventory notifications arriving on NATS
// subjects into update-manager triggers. Messages are decoded on the
// subscription callback and handed to a worker pool so a slow update
// never blocks the NATS dispatcher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/health"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/metric"
	"github.com/Normation/rudder-plugin-datasources/natsclient"
	"github.com/Normation/rudder-plugin-datasources/pkg/worker"
)

// Subjects the bridge listens on
const (
	// SubjectGenerationStarted announces a policy generation
	SubjectGenerationStarted = "rudder.policies.generation.started"
	// SubjectNodeAccepted announces a node joining the inventory
	SubjectNodeAccepted = "rudder.nodes.accepted"
	// SubjectUpdateRequest carries operator refresh requests
	SubjectUpdateRequest = "rudder.datasources.update"
)

// Hooks is the slice of the update manager the bridge drives
type Hooks interface {
	OnGenerationStarted(actor string)
	OnNewNode(nodeID inventory.NodeID)
	OnUserAskUpdateAllNodes(actor string)
	OnUserAskUpdateAllNodesFor(actor string, id datasource.ID)
	OnUserAskUpdateNode(actor string, nodeID inventory.NodeID)
	OnUserAskUpdateNodeFor(actor string, id datasource.ID, nodeID inventory.NodeID)
}

// event is one decoded notification queued for dispatch
type event struct {
	subject string
	payload payload
}

// payload covers every subject; unused fields stay empty
type payload struct {
	Actor    string `json:"actor,omitempty"`
	NodeID   string `json:"nodeId,omitempty"`
	SourceID string `json:"sourceId,omitempty"`
}

// Bridge subscribes to inventory subjects and feeds manager hooks
type Bridge struct {
	client   *natsclient.Client
	hooks    Hooks
	pool     *worker.Pool[event]
	logger   *slog.Logger
	monitor  *health.Monitor
	registry *metric.MetricsRegistry

	subscriptions []*nats.Subscription
}

// Option customizes a Bridge
type Option func(*Bridge)

// WithHealthMonitor wires health reporting
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(b *Bridge) { b.monitor = monitor }
}

// WithMetricsRegistry instruments the dispatch pool
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) { b.registry = registry }
}

// New creates a bridge over an established NATS client
func New(client *natsclient.Client, hooks Hooks, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		client: client,
		hooks:  hooks,
		logger: logger.With("component", "events-bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}

	poolOpts := []worker.Option[event]{}
	if b.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[event](b.registry, "datasources_events"))
	}
	b.pool = worker.NewPool(4, 256, b.process, poolOpts...)
	return b
}

// Start subscribes to every subject and starts the dispatch pool
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "EventsBridge", "Start", "start dispatch pool")
	}

	for _, subject := range []string{SubjectGenerationStarted, SubjectNodeAccepted, SubjectUpdateRequest} {
		sub, err := b.client.Subscribe(ctx, subject, b.onMessage)
		if err != nil {
			b.reportUnhealthy(fmt.Sprintf("subscription to %s failed", subject))
			return errors.WrapTransient(err, "EventsBridge", "Start", "subscribe to "+subject)
		}
		b.subscriptions = append(b.subscriptions, sub)
	}

	b.logger.Info("events bridge started", "subjects", len(b.subscriptions))
	b.reportHealthy("subscribed")
	return nil
}

// Stop drains the subscriptions and stops the pool
func (b *Bridge) Stop(timeout time.Duration) error {
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	b.subscriptions = nil

	if err := b.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "EventsBridge", "Stop", "stop dispatch pool")
	}
	b.logger.Info("events bridge stopped")
	return nil
}

func (b *Bridge) onMessage(_ context.Context, msg *nats.Msg) {
	var p payload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			b.logger.Warn("dropping malformed event",
				"subject", msg.Subject, "error", err)
			return
		}
	}

	if err := b.pool.Submit(event{subject: msg.Subject, payload: p}); err != nil {
		b.logger.Warn("dropping event, dispatch queue full", "subject", msg.Subject)
	}
}

func (b *Bridge) process(_ context.Context, e event) error {
	actor := e.payload.Actor
	if actor == "" {
		actor = "system"
	}

	switch e.subject {
	case SubjectGenerationStarted:
		b.hooks.OnGenerationStarted(actor)

	case SubjectNodeAccepted:
		if e.payload.NodeID == "" {
			return fmt.Errorf("node-accepted event without node id")
		}
		b.hooks.OnNewNode(inventory.NodeID(e.payload.NodeID))

	case SubjectUpdateRequest:
		b.dispatchUpdateRequest(actor, e.payload)

	default:
		return fmt.Errorf("unexpected subject %q", e.subject)
	}
	return nil
}

// dispatchUpdateRequest picks the hook matching the request scope:
// optional source filter, optional node filter.
func (b *Bridge) dispatchUpdateRequest(actor string, p payload) {
	switch {
	case p.SourceID != "" && p.NodeID != "":
		b.hooks.OnUserAskUpdateNodeFor(actor, datasource.ID(p.SourceID), inventory.NodeID(p.NodeID))
	case p.SourceID != "":
		b.hooks.OnUserAskUpdateAllNodesFor(actor, datasource.ID(p.SourceID))
	case p.NodeID != "":
		b.hooks.OnUserAskUpdateNode(actor, inventory.NodeID(p.NodeID))
	default:
		b.hooks.OnUserAskUpdateAllNodes(actor)
	}
}

func (b *Bridge) reportHealthy(message string) {
	if b.monitor != nil {
		b.monitor.UpdateHealthy("events-bridge", message)
	}
}

func (b *Bridge) reportUnhealthy(message string) {
	if b.monitor != nil {
		b.monitor.UpdateUnhealthy("events-bridge", message)
	}
}

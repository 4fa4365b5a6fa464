package inventory

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PropertyProvider identifies this plugin as the writer of its properties
// so the node service can refuse overwrites from other actors.
const PropertyProvider = "datasources"

// NodeID identifies a managed node
type NodeID string

// NodeInfo describes a managed node as seen by the update engine
type NodeInfo struct {
	ID             NodeID            `json:"id"`
	Hostname       string            `json:"hostname"`
	PolicyServerID NodeID            `json:"policy_server_id"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Parameter is a global parameter available to interpolation
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NodeProperty is one property write on a node. The name equals the
// data source id that produced it.
type NodeProperty struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Provider string `json:"provider,omitempty"`
}

// PartialNodeUpdate bounds the working set of one fan-out run. The caller
// pre-resolves nodes, their policy servers, and the parameter set so the
// run never re-queries inventory.
type PartialNodeUpdate struct {
	Nodes         map[NodeID]NodeInfo
	PolicyServers map[NodeID]NodeInfo
	Parameters    []Parameter
}

// CauseKind names what triggered an update run
type CauseKind string

const (
	// CauseScheduled is the periodic timer firing
	CauseScheduled CauseKind = "scheduled"
	// CauseGeneration is a policy generation starting
	CauseGeneration CauseKind = "generation"
	// CauseNewNode is a node joining the inventory
	CauseNewNode CauseKind = "new-node"
	// CauseManualAll is an operator refreshing all nodes
	CauseManualAll CauseKind = "manual-all"
	// CauseManualNode is an operator refreshing one node
	CauseManualNode CauseKind = "manual-node"
)

// UpdateCause is attached to every resulting property write for audit
type UpdateCause struct {
	ModificationID string    `json:"modification_id"`
	Kind           CauseKind `json:"kind"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason,omitempty"`
	// NodeID restricts the run to one node for node-scoped causes
	NodeID NodeID `json:"node_id,omitempty"`
}

// NewCause builds a cause with a fresh modification id
func NewCause(kind CauseKind, actor, reason string) UpdateCause {
	return UpdateCause{
		ModificationID: uuid.NewString(),
		Kind:           kind,
		Actor:          actor,
		Reason:         reason,
	}
}

// NewNodeCause builds a node-scoped cause with a fresh modification id
func NewNodeCause(kind CauseKind, actor string, nodeID NodeID) UpdateCause {
	cause := NewCause(kind, actor, fmt.Sprintf("node %s", nodeID))
	cause.NodeID = nodeID
	return cause
}

// ResetsSchedule reports whether this cause resets the periodic timer.
// Node-scoped causes are fire-and-forget.
func (c UpdateCause) ResetsSchedule() bool {
	switch c.Kind {
	case CauseScheduled, CauseGeneration, CauseManualAll:
		return true
	default:
		return false
	}
}

func (c UpdateCause) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return string(c.Kind)
	}
	return string(data)
}

package inventory

import "context"

// NodeLister reads the node inventory
type NodeLister interface {
	// ListNodes returns every managed node
	ListNodes(ctx context.Context) ([]NodeInfo, error)
	// GetNode returns one node by id
	GetNode(ctx context.Context, id NodeID) (NodeInfo, error)
	// ListPolicyServers returns the nodes acting as policy servers
	ListPolicyServers(ctx context.Context) ([]NodeInfo, error)
}

// ParameterStore reads global parameters
type ParameterStore interface {
	ListParameters(ctx context.Context) ([]Parameter, error)
}

// PropertyWriter persists property changes on nodes. Conflict resolution
// between competing providers is the writer's responsibility.
type PropertyWriter interface {
	// WriteProperty merges one property into the node's property set.
	// Writing the empty string clears the property.
	WriteProperty(ctx context.Context, nodeID NodeID, prop NodeProperty, cause UpdateCause) error
}

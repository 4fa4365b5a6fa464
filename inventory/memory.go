package inventory

import (
	"context"
	"sync"

	"github.com/Normation/rudder-plugin-datasources/errors"
)

// MemoryInventory is a thread-safe in-memory implementation of the
// collaborator interfaces, used in tests and as a reference.
type MemoryInventory struct {
	mu         sync.RWMutex
	nodes      map[NodeID]NodeInfo
	parameters []Parameter
	writes     []RecordedWrite
}

// RecordedWrite is one property write captured by the memory writer
type RecordedWrite struct {
	NodeID   NodeID
	Property NodeProperty
	Cause    UpdateCause
}

// NewMemoryInventory creates an empty in-memory inventory
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{nodes: make(map[NodeID]NodeInfo)}
}

// AddNode registers or replaces a node
func (m *MemoryInventory) AddNode(node NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
}

// SetParameters replaces the global parameter set
func (m *MemoryInventory) SetParameters(params []Parameter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parameters = append([]Parameter(nil), params...)
}

// ListNodes returns every node
func (m *MemoryInventory) ListNodes(_ context.Context) ([]NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]NodeInfo, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetNode returns one node by id
func (m *MemoryInventory) GetNode(_ context.Context, id NodeID) (NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[id]
	if !ok {
		return NodeInfo{}, errors.ErrNodeNotFound
	}
	return node, nil
}

// ListPolicyServers returns the nodes referenced as policy servers
func (m *MemoryInventory) ListPolicyServers(_ context.Context) ([]NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	referenced := make(map[NodeID]struct{}, len(m.nodes))
	for _, node := range m.nodes {
		referenced[node.PolicyServerID] = struct{}{}
	}

	var servers []NodeInfo
	for id := range referenced {
		if server, ok := m.nodes[id]; ok {
			servers = append(servers, server)
		}
	}
	return servers, nil
}

// ListParameters returns the global parameters
func (m *MemoryInventory) ListParameters(_ context.Context) ([]Parameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Parameter(nil), m.parameters...), nil
}

// WriteProperty records the write and applies it to the node's property map
func (m *MemoryInventory) WriteProperty(_ context.Context, nodeID NodeID, prop NodeProperty, cause UpdateCause) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return errors.ErrNodeNotFound
	}

	if node.Properties == nil {
		node.Properties = make(map[string]string)
	}
	node.Properties[prop.Name] = prop.Value
	m.nodes[nodeID] = node

	m.writes = append(m.writes, RecordedWrite{NodeID: nodeID, Property: prop, Cause: cause})
	return nil
}

// Writes returns a copy of all recorded writes
func (m *MemoryInventory) Writes() []RecordedWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedWrite(nil), m.writes...)
}

// Snapshot builds a PartialNodeUpdate covering the given nodes, or all
// nodes when ids is empty
func (m *MemoryInventory) Snapshot(ids ...NodeID) PartialNodeUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	update := PartialNodeUpdate{
		Nodes:         make(map[NodeID]NodeInfo),
		PolicyServers: make(map[NodeID]NodeInfo),
		Parameters:    append([]Parameter(nil), m.parameters...),
	}

	include := func(node NodeInfo) {
		update.Nodes[node.ID] = node
		if server, ok := m.nodes[node.PolicyServerID]; ok {
			update.PolicyServers[server.ID] = server
		}
	}

	if len(ids) == 0 {
		for _, node := range m.nodes {
			include(node)
		}
		return update
	}
	for _, id := range ids {
		if node, ok := m.nodes[id]; ok {
			include(node)
		}
	}
	return update
}

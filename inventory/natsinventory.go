package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/natsclient"
)

// Request-reply subjects served by the inventory service
const (
	// SubjectListNodes returns the full node list
	SubjectListNodes = "rudder.inventory.nodes.list"
	// SubjectGetNode returns one node by id
	SubjectGetNode = "rudder.inventory.nodes.get"
	// SubjectListPolicyServers returns the policy server nodes
	SubjectListPolicyServers = "rudder.inventory.policyservers.list"
	// SubjectListParameters returns the global parameters
	SubjectListParameters = "rudder.inventory.parameters.list"
	// SubjectWriteProperty merges one property into a node
	SubjectWriteProperty = "rudder.inventory.properties.write"
)

// NATSInventory implements the collaborator interfaces over the
// inventory service's request-reply subjects.
type NATSInventory struct {
	client *natsclient.Client
}

// NewNATSInventory creates an inventory client over an established
// NATS connection
func NewNATSInventory(client *natsclient.Client) *NATSInventory {
	return &NATSInventory{client: client}
}

// reply is the envelope every inventory answer travels in
type reply struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (n *NATSInventory) request(ctx context.Context, subject string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Inventory", "request", "encode request")
	}

	msg, err := n.client.Request(ctx, subject, data)
	if err != nil {
		return err
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("malformed reply on %s: %w", subject, err),
			"Inventory", "request", "decode reply")
	}
	if r.Error != "" {
		return errors.WrapTransient(
			fmt.Errorf("inventory service: %s", r.Error),
			"Inventory", "request", "call "+subject)
	}
	if out != nil {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("malformed payload on %s: %w", subject, err),
				"Inventory", "request", "decode payload")
		}
	}
	return nil
}

// ListNodes returns every managed node
func (n *NATSInventory) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	var nodes []NodeInfo
	if err := n.request(ctx, SubjectListNodes, struct{}{}, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode returns one node by id
func (n *NATSInventory) GetNode(ctx context.Context, id NodeID) (NodeInfo, error) {
	var node NodeInfo
	req := struct {
		ID NodeID `json:"id"`
	}{ID: id}
	if err := n.request(ctx, SubjectGetNode, req, &node); err != nil {
		return NodeInfo{}, err
	}
	return node, nil
}

// ListPolicyServers returns the nodes acting as policy servers
func (n *NATSInventory) ListPolicyServers(ctx context.Context) ([]NodeInfo, error) {
	var servers []NodeInfo
	if err := n.request(ctx, SubjectListPolicyServers, struct{}{}, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// ListParameters returns the global parameters
func (n *NATSInventory) ListParameters(ctx context.Context) ([]Parameter, error) {
	var params []Parameter
	if err := n.request(ctx, SubjectListParameters, struct{}{}, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// WriteProperty merges one property into a node's property set
func (n *NATSInventory) WriteProperty(ctx context.Context, nodeID NodeID, prop NodeProperty, cause UpdateCause) error {
	req := struct {
		NodeID   NodeID       `json:"nodeId"`
		Property NodeProperty `json:"property"`
		Cause    UpdateCause  `json:"cause"`
	}{NodeID: nodeID, Property: prop, Cause: cause}
	return n.request(ctx, SubjectWriteProperty, req, nil)
}

package interpolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/inventory"
)

func testContext() *Context {
	node := inventory.NodeInfo{
		ID:             "node1",
		Hostname:       "web01.example.com",
		PolicyServerID: "root",
		Properties:     map[string]string{"env": "production"},
	}
	policyServer := inventory.NodeInfo{
		ID:       "root",
		Hostname: "rudder.example.com",
	}
	params := []inventory.Parameter{
		{Name: "cmdb-token", Value: "s3cret"},
	}
	return NewContext(node, policyServer, params)
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"no variables", "https://cmdb.example.com/api", "https://cmdb.example.com/api"},
		{"node id", "https://cmdb.example.com/api/${node.id}", "https://cmdb.example.com/api/node1"},
		{"node hostname", "${node.hostname}", "web01.example.com"},
		{"policy server id", "${node.policyserver.id}", "root"},
		{"policy server hostname", "${node.policyserver.hostname}", "rudder.example.com"},
		{"node property", "${node.properties[env]}", "production"},
		{"quoted property key", `${node.properties["env"]}`, "production"},
		{"global parameter", "Bearer ${rudder.param[cmdb-token]}", "Bearer s3cret"},
		{"several variables", "${node.id}-${node.properties[env]}", "node1-production"},
		{"surrounding whitespace", "${ node.id }", "node1"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, err := testContext().Expand(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.expected, out)
		})
	}
}

func TestExpand_Failures(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		errMsg string
	}{
		{"unknown variable", "${node.unknown}", "unknown variable"},
		{"missing property", "${node.properties[rack]}", `no property "rack"`},
		{"missing parameter", "${rudder.param[nope]}", `"nope" is not defined`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := testContext().Expand(test.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.errMsg)
		})
	}
}

func TestExpandPairs(t *testing.T) {
	pairs := []datasource.Header{
		{Name: "X-Node-${node.id}", Value: "${node.hostname}"},
		{Name: "Accept", Value: "application/json"},
	}

	out, err := testContext().ExpandPairs(pairs)
	require.NoError(t, err)
	assert.Equal(t, []datasource.Header{
		{Name: "X-Node-node1", Value: "web01.example.com"},
		{Name: "Accept", Value: "application/json"},
	}, out)
}

func TestExpandPairs_FailureAborts(t *testing.T) {
	pairs := []datasource.Header{
		{Name: "Authorization", Value: "${rudder.param[gone]}"},
	}

	_, err := testContext().ExpandPairs(pairs)
	require.Error(t, err)
}

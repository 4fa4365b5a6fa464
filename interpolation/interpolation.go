// Package interpolation expands ${...} variables inside templated
// descriptor fields using the node, policy-server, and global-parameter
// context of one query.
package interpolation

import (
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/inventory"
)

const (
	startTag = "${"
	endTag   = "}"
)

// Context carries the values one expansion can draw from. Build one per
// (source, node) pair and reuse it across all templated fields of the
// query.
type Context struct {
	node         inventory.NodeInfo
	policyServer inventory.NodeInfo
	parameters   map[string]string
}

// NewContext builds an expansion context from a node, its policy server,
// and the global parameter set.
func NewContext(node, policyServer inventory.NodeInfo, parameters []inventory.Parameter) *Context {
	params := make(map[string]string, len(parameters))
	for _, p := range parameters {
		params[p.Name] = p.Value
	}
	return &Context{node: node, policyServer: policyServer, parameters: params}
}

// Expand substitutes every ${...} variable in s. Unknown variables and
// missing property or parameter lookups fail with an error naming the
// offending variable.
func (c *Context) Expand(s string) (string, error) {
	if !strings.Contains(s, startTag) {
		return s, nil
	}

	tpl, err := fasttemplate.NewTemplate(s, startTag, endTag)
	if err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("template %q does not parse: %w", s, err),
			"Interpolator", "Expand", "parse template")
	}

	out, err := tpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		value, err := c.resolve(strings.TrimSpace(tag))
		if err != nil {
			return 0, err
		}
		return io.WriteString(w, value)
	})
	if err != nil {
		return "", errors.WrapInvalid(err, "Interpolator", "Expand", "resolve variable")
	}
	return out, nil
}

// ExpandPairs expands both names and values of a header/parameter list,
// preserving order.
func (c *Context) ExpandPairs(pairs []datasource.Header) ([]datasource.Header, error) {
	out := make([]datasource.Header, len(pairs))
	for i, pair := range pairs {
		name, err := c.Expand(pair.Name)
		if err != nil {
			return nil, err
		}
		value, err := c.Expand(pair.Value)
		if err != nil {
			return nil, err
		}
		out[i] = datasource.Header{Name: name, Value: value}
	}
	return out, nil
}

func (c *Context) resolve(tag string) (string, error) {
	switch tag {
	case "node.id":
		return string(c.node.ID), nil
	case "node.hostname":
		return c.node.Hostname, nil
	case "node.policyserver.id":
		return string(c.policyServer.ID), nil
	case "node.policyserver.hostname":
		return c.policyServer.Hostname, nil
	}

	if key, ok := indexedTag(tag, "node.properties"); ok {
		value, found := c.node.Properties[key]
		if !found {
			return "", fmt.Errorf("node %s has no property %q", c.node.ID, key)
		}
		return value, nil
	}

	if key, ok := indexedTag(tag, "rudder.param"); ok {
		value, found := c.parameters[key]
		if !found {
			return "", fmt.Errorf("global parameter %q is not defined", key)
		}
		return value, nil
	}

	return "", fmt.Errorf("unknown variable %q", tag)
}

// indexedTag matches prefix[key] forms, with the key optionally quoted.
func indexedTag(tag, prefix string) (string, bool) {
	if !strings.HasPrefix(tag, prefix+"[") || !strings.HasSuffix(tag, "]") {
		return "", false
	}
	key := tag[len(prefix)+1 : len(tag)-1]
	key = strings.Trim(key, `"'`)
	if key == "" {
		return "", false
	}
	return key, true
}

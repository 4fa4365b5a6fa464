// Package nodequery runs the query of one data source against one node:
// interpolate the descriptor, fetch, select, and map the outcome to an
// optional property change.
package nodequery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/fetcher"
	"github.com/Normation/rudder-plugin-datasources/interpolation"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/jsonselect"
)

// Querier runs per-node queries through a shared fetcher
type Querier struct {
	fetcher *fetcher.Fetcher
}

// New creates a querier
func New(f *fetcher.Fetcher) *Querier {
	return &Querier{fetcher: f}
}

// Query resolves the property change of one (source, node) pair. A nil
// property with a nil error means "do not touch the node".
func (q *Querier) Query(
	ctx context.Context,
	sourceID datasource.ID,
	src *datasource.HTTPSource,
	node inventory.NodeInfo,
	policyServer inventory.NodeInfo,
	parameters []inventory.Parameter,
) (*inventory.NodeProperty, error) {
	expander := interpolation.NewContext(node, policyServer, parameters)

	url, err := expander.Expand(src.URL)
	if err != nil {
		return nil, err
	}
	path, err := expander.Expand(src.Path)
	if err != nil {
		return nil, err
	}
	headers, err := expander.ExpandPairs(src.Headers)
	if err != nil {
		return nil, err
	}
	params, err := expander.ExpandPairs(src.Params)
	if err != nil {
		return nil, err
	}

	outcome, err := q.fetcher.Fetch(ctx, fetcher.Request{
		Method:         src.Method,
		URL:            url,
		Headers:        headers,
		Params:         params,
		CheckSSL:       src.CheckSSL,
		ConnectTimeout: src.RequestTimeout,
		ReadTimeout:    src.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	switch outcome.Kind {
	case fetcher.Success:
		return q.propertyFromBody(sourceID, path, outcome.Body)

	case fetcher.NotFound:
		return q.propertyFromMissing(sourceID, src.OnMissing)

	case fetcher.HTTPError:
		return nil, errors.WrapTransient(
			fmt.Errorf("endpoint %s answered status %d", url, outcome.StatusCode),
			"NodeQuery", "Query", "fetch node data")

	default:
		return nil, errors.WrapTransient(
			fmt.Errorf("request to %s failed: %s", url, outcome.Reason),
			"NodeQuery", "Query", "fetch node data")
	}
}

// SelectValue applies the selection step alone, for callers that already
// hold the per-node JSON slice.
func (q *Querier) SelectValue(sourceID datasource.ID, path string, body []byte) (*inventory.NodeProperty, error) {
	return q.propertyFromBody(sourceID, path, body)
}

func (q *Querier) propertyFromBody(sourceID datasource.ID, path string, body []byte) (*inventory.NodeProperty, error) {
	values, err := jsonselect.Select(path, body)
	if err != nil {
		return nil, err
	}

	// No match clears the property; extra matches are ignored.
	value := ""
	if len(values) > 0 {
		value = values[0]
	}
	return newProperty(sourceID, value), nil
}

func (q *Querier) propertyFromMissing(sourceID datasource.ID, behavior datasource.MissingNodeBehavior) (*inventory.NodeProperty, error) {
	switch behavior.Kind {
	case datasource.MissingNoChange:
		return nil, nil

	case datasource.MissingDefaultValue:
		value, err := renderDefault(behavior.Value)
		if err != nil {
			return nil, err
		}
		return newProperty(sourceID, value), nil

	default:
		return newProperty(sourceID, ""), nil
	}
}

// renderDefault materializes the configured default: a JSON string is
// stored bare, anything else as its compact rendering.
func renderDefault(raw []byte) (string, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("default value is not valid JSON: %w", err),
			"NodeQuery", "Query", "render default value")
	}
	if s, ok := value.(string); ok {
		return s, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", errors.WrapInvalid(err, "NodeQuery", "Query", "render default value")
	}
	return compact.String(), nil
}

func newProperty(sourceID datasource.ID, value string) *inventory.NodeProperty {
	return &inventory.NodeProperty{
		Name:     string(sourceID),
		Value:    value,
		Provider: inventory.PropertyProvider,
	}
}

package datasource

import (
	"fmt"
	"strings"

	"github.com/Normation/rudder-plugin-datasources/errors"
)

// reservedIDs are property names owned by the host system. A data source
// can never claim them.
var reservedIDs = map[string]struct{}{
	"from":              {},
	"id":                {},
	"user":              {},
	"password":          {},
	"plugin":            {},
	"inventory":         {},
	"datasources":       {},
	"rudder":            {},
	"policy_server":     {},
	"policy_server_id":  {},
	"acceptation_state": {},
}

// IsReservedID reports whether id is reserved by the host system
func IsReservedID(id ID) bool {
	_, ok := reservedIDs[strings.ToLower(string(id))]
	return ok
}

// ReservedIDs returns the reserved property names, for error messages
func ReservedIDs() []string {
	ids := make([]string, 0, len(reservedIDs))
	for id := range reservedIDs {
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the descriptor for structural problems. All failures
// are classified as invalid input.
func (ds *DataSource) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf(format, args...), "DataSource", "Validate", "check descriptor")
	}

	if ds.ID == "" {
		return fail("data source id is required")
	}
	if IsReservedID(ds.ID) {
		return fail("%w: %q", errors.ErrReservedID, ds.ID)
	}
	if strings.ContainsAny(string(ds.ID), " \t\n") {
		return fail("data source id %q cannot contain whitespace", ds.ID)
	}
	if ds.Name == "" {
		return fail("data source name is required")
	}
	if ds.UpdateTimeout <= 0 {
		return fail("update timeout must be positive, got %s", ds.UpdateTimeout)
	}
	if ds.RunParams.Schedule.Period <= 0 {
		return fail("schedule period must be positive, got %s", ds.RunParams.Schedule.Period)
	}

	if ds.Type.Name != TypeHTTP {
		return fail("unsupported source type %q", ds.Type.Name)
	}
	if ds.Type.HTTP == nil {
		return fail("HTTP source parameters are required")
	}
	return ds.Type.HTTP.validate(fail)
}

func (h *HTTPSource) validate(fail func(string, ...any) error) error {
	if h.URL == "" {
		return fail("url is required")
	}
	switch h.Method {
	case MethodGet, MethodPost:
	default:
		return fail("request method %q is not one of GET, POST", h.Method)
	}
	if h.RequestTimeout <= 0 {
		return fail("request timeout must be positive, got %s", h.RequestTimeout)
	}

	switch h.Mode.Kind {
	case ModeByNode:
	case ModeAllNodes:
		if h.Mode.NodeAttribute == "" {
			return fail("all-nodes request mode requires a node attribute")
		}
	default:
		return fail("request mode %q is not one of byNode, allNodes", h.Mode.Kind)
	}

	switch h.OnMissing.Kind {
	case MissingDelete, MissingNoChange:
	case MissingDefaultValue:
		if len(h.OnMissing.Value) == 0 {
			return fail("default-value behavior requires a value")
		}
	default:
		return fail("missing-node behavior %q is not one of delete, noChange, defaultValue", h.OnMissing.Kind)
	}

	return nil
}

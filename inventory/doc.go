// Package inventory defines the node, parameter, and property types the
// update engine consumes, together with the collaborator interfaces for
// listing nodes, resolving policy servers, reading global parameters, and
// writing node properties. Implementations are injected by the host
// application; an in-memory implementation ships for tests.
package inventory

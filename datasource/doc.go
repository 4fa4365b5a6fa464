// Package datasource defines the data source descriptor: an HTTP endpoint,
// its request shape, a JSON selection path, a refresh schedule, and the
// policy applied when the endpoint reports a node as missing. The package
// also owns the persisted JSON wire format and its validation.
package datasource

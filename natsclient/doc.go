// Package natsclient provides a NATS connection wrapper with circuit
// breaker protection, health reporting, and a JetStream key-value store
// used to persist data source descriptors.
//
// The Client tracks connection state atomically and opens a circuit after
// repeated failures so callers fail fast instead of piling up on a dead
// broker. KVStore layers retries and compare-and-swap updates on top of
// a JetStream key-value bucket.
package natsclient

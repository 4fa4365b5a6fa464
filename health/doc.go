// Package health provides health monitoring for the update engine's
// components.
//
// A Monitor tracks per-component Status values (scheduler, repository,
// event bridge) and aggregates them into a single system status with the
// usual roll-up rules: any unhealthy sub-component makes the system
// unhealthy, otherwise any degraded one makes it degraded.
//
// Status messages that derive from errors are sanitized before exposure so
// URLs, paths, addresses and credentials never leak through the health
// endpoint.
//
// Typical usage:
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("scheduler", "armed")
//	monitor.UpdateFromError("repository", err)
//	system := monitor.AggregateHealth("datasources")
package health

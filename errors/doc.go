// Package errors provides standardized error handling for the datasources
// update engine.
//
// # Overview
//
// The package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable),
// and Fatal (unrecoverable, stop processing).
//
// Classification lets callers make retry and escalation decisions without
// string matching on error messages. It integrates with Go's standard error
// handling, supporting errors.Is(), errors.As(), and wrapping chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Fetcher", "Get", "request")
//	errors.WrapInvalid(err, "DataSource", "Validate", "descriptor check")
//	errors.WrapFatal(err, "Repository", "Open", "bucket access")
//
// The generic Wrap() preserves the original error's classification.
//
// # Standard Error Variables
//
// Pre-defined variables cover recurring conditions, organized by category:
// lifecycle (ErrAlreadyStarted, ErrNotStarted), registry (ErrSourceNotFound,
// ErrReservedID), querying (ErrNodeNotFound, ErrPolicyServerGone,
// ErrRequestTimeout), data (ErrInvalidData, ErrBadSelector), storage
// (ErrStorageUnavailable, ErrKeyNotFound) and configuration
// (ErrInvalidConfig, ErrMissingConfig). Prefer them over ad-hoc messages.
//
// # Context Cancellation
//
// context.DeadlineExceeded and context.Canceled classify as Transient, so
// context-based timeouts flow through the same retry decisions as network
// timeouts.
package errors

// Package domain defines the core types and interfaces of the connection layer.
//
// Concept-oriented files (security.go, transport.go, admission.go, broadcast.go, lifecycle.go, errors.go)
// hold shared value types and cross-cutting contracts. Nothing here does I/O.
// Keeps registry, admission, heartbeat and broadcast free of imports on each other's internals.
package domain

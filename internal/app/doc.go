// Package app provides the application service layer.
//
// Orchestrates the connection lifecycle: admission, registration, heartbeat watching,
// broadcast fan-out and teardown. Sits between the transport adapters and the lifecycle
// components; it is the only place that references all of them.
package app

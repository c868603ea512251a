// Package coordination publishes per-instance liveness to Redis so operators can see the fleet.
// Connection state, capacity and heartbeats never leave the instance that owns them.
package coordination

// Package registry owns the authoritative map from connection id to connection state.
//
// Membership changes are serialized by one RWMutex; per-connection counters by a mutex on each Connection,
// so Size and Snapshot never hold the membership lock while reading connection stats.
// Unregister is the single teardown path: it cancels the connection context, detaches the transport observer
// and closes the transport exactly once.
package registry

// Package heartbeat pings every registered connection on a fixed cadence and
// unregisters connections that stop answering.
//
// Each watched connection runs a small state machine: a ping moves it to awaiting,
// a pong moves it back to healthy and yields a round-trip sample, and an interval that
// elapses while still awaiting counts as one missed heartbeat. Reaching the configured
// threshold unregisters the connection with reason "heartbeat_timeout".
//
// Watchers capture the connection's generation and context, so a timer that fires after
// teardown, or for an id that has since been reused, does nothing.
package heartbeat

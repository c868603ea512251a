// Package metrics owns every Prometheus collector of the service.
//
// Collectors are registered on an injected prometheus.Registerer, never on the default
// registry, so tests can build isolated registries. The Aggregator receives lifecycle,
// admission, heartbeat and broadcast events on a bounded channel and applies them on a
// single goroutine; recording never blocks the caller.
package metrics

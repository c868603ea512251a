// Package redis holds the Redis-backed pieces: client construction with metrics and
// circuit-breaker hooks, and the fleet-wide admission rate limiter.
package redis

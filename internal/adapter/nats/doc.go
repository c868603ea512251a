// Package nats receives broadcast commands from the domain services over NATS.
package nats

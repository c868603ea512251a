// Package websocket adapts gorilla/websocket connections to the domain.Transport contract.
package websocket

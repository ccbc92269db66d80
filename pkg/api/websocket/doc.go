// Package websocket streams execution lifecycle events to connected
// clients over a WebSocket upgrade.
package websocket

// Package api implements the HTTP REST API and WebSocket server for the XMV bridge.
//
// This package provides:
//   - REST endpoints to read and control amplifier channels
//   - Channel history from the local SQLite store
//   - WebSocket hub pushing connectivity and channel changes
//   - Prometheus metrics for the device link, MQTT and HTTP traffic
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// Handlers call the xmv.Controller directly. A command returns once the
// device has confirmed it, so the response body already carries the new
// state. The Server subscribes to the controller as an xmv.Listener and
// relays every event to WebSocket clients.
//
// # Errors
//
// Controller errors map onto HTTP status codes: unknown channel 404,
// invalid value 400, device unreachable 503, timeout 504, device
// rejection 502.
package api

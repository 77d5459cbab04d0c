// Package websocket provides real-time event streaming over WebSocket.
//
// Clients connect to receive dispatcher lifecycle events (task dispatched,
// completed, failed, cancelled, worker state changes) as they are published
// on the event bus.
package websocket

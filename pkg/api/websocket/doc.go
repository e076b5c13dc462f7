// Package websocket streams run events to clients over WebSocket.
//
// Each connection observes one run. Events are written as JSON text
// frames; the server closes the connection after the run's final event.
package websocket

// Package server is the relay's transport: the gin HTTP surface, the
// WebSocket hub and clients that carry chat events, per-connection rate
// limiting, origin checks and graceful shutdown.
package server

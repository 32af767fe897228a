// Package api implements the HTTP REST API and WebSocket server for Air Vinyl.
//
// This package provides:
//   - GET /api and PUT /api to read and change the streaming target and volume
//   - GET /api/health with registry, session and dependency status
//   - /api/ws, a WebSocket hub pushing session and device changes
//   - /metrics when a Prometheus handler is supplied
//   - The web UI, from api.ui_path or the embedded page
//   - Middleware stack (request ID, logging, recovery, metrics, CORS, body limit)
//
// # Security
//
// When security.jwt.secret is set, PUT /api requires an HS256 bearer token
// and WebSocket connections require a single-use ticket from
// POST /api/ws-ticket, so the token never appears in a URL. Reads stay
// open for the UI.
//
// # Errors
//
// Errors use one envelope: {"status": 404, "code": "not_found", "message": "..."}.
// An unknown device is 404, an out-of-range volume 400, and a session that
// could not be started 502.
package api

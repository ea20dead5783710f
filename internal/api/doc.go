// Package api serves the transfer status endpoint.
//
// The server exposes the live job list with cancellation, the recorder's
// state and table of contents, the transfer history, Prometheus metrics and a
// websocket that streams job events as they are published.
//
// # Routes
//
//	GET  /healthz                  liveness
//	GET  /api/jobs                 snapshots of every submitted job
//	GET  /api/jobs/{id}            one job
//	POST /api/jobs/{id}/cancel     cancel a live job
//	GET  /api/device               recorder state, identity and TOC
//	GET  /api/history              recorded outcomes (?state=, ?limit=)
//	GET  /metrics                  Prometheus exposition
//	GET  /ws                       job events as JSON messages
//
// Events are not buffered for slow websocket clients: a client that falls
// behind misses events and catches up from the next one.
package api

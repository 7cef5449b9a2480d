// Package http serves the loopback status API used by the desktop UI.
//
// Routes:
//
//	GET  /license/status    status bar summary
//	POST /license/verify    manual verification (daily quota)
//	POST /license/activate  activate a license key on this machine
//	POST /license/transfer  move the license to this machine
//	GET  /health            component health
//	GET  /metrics           Prometheus scrape endpoint
//
// Errors are rendered as RFC 7807 problem documents carrying the stable
// license error code and the operator-facing message.
package http

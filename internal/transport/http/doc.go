// Package http implements the HTTP handlers for the licensing daemon and
// the verification server. Handlers stay thin: parse and validate the
// request, call the service layer, render the response. Errors become
// RFC 7807 problem documents via the central error mapper.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Manager
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
package http

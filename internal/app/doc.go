// Package app provides initialization and lifecycle management for the
// license daemon. It wires configuration, logging, telemetry, the license
// manager, the websocket hub, and the HTTP surface, and handles graceful
// shutdown.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging and observability
//	3. Create the license manager and websocket hub
//	4. Initialize services with their dependencies
//	5. Set up HTTP handlers and middleware
//	6. Configure and start the HTTP server
//
// # Usage
//
// The main entry point is typically:
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Run handles SIGINT and SIGTERM to ensure active requests complete,
// websocket clients receive close frames, and final telemetry is flushed.
// Initialization errors are returned to the caller; the package never
// calls os.Exit itself.
package app

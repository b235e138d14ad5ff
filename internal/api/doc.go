// Package api provides the read-only HTTP status surface of the relay.
//
// It exposes a health probe, the pipeline counters with the Miniserver
// connection state, and the redacted active configuration. The external UI
// consumes these endpoints; everything that mutates state goes through the
// MQTT control topics instead.
//
// The server follows the same lifecycle pattern as the other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

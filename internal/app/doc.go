// Package app wires the license agent together: configuration, logging,
// telemetry, the record store, the license service client, the license
// manager, its background scheduler and the loopback status API.
//
// The GUI either runs cmd/license-agent as a child process or embeds an
// Application directly:
//
//	application, err := app.New(ctx, cfg, logger)
//	decision, err := application.Startup(ctx)
//	if !decision.Allowed { ... }
//	err = application.Run(ctx)
package app

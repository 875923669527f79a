// Package bootstrap wires configuration, logging and the request pipeline into a
// running process and owns its lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown(ctx)
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Block until SIGINT/SIGTERM or a server failure
//	err = app.WaitForShutdown(ctx)
package bootstrap

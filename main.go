// Package main is the entry point for the themis compliance pipeline.
package main

import (
	"context"
	"fmt"
	"os"

	"themis/bootstrap"
	"themis/cmd"
)

// run initializes and starts the service.
func run() error {
	ctx := context.Background()

	configPath := os.Getenv("THEMIS_CONFIG")
	app, err := bootstrap.NewApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// CLI subcommands run one-shot and exit; anything else starts the server.
	if len(os.Args) > 1 {
		var command string
		switch os.Args[1] {
		case "cleanup", "report":
			command = os.Args[1]
		}
		if command != "" {
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
			var c = cmd.NewCleanupCmd()
			if command == "report" {
				c = cmd.NewReportCmd()
			}
			if err := c.Execute(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

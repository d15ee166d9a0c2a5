package main

import (
	"context"
	"os"

	"github.com/PratikDhanave/sync-queue-service/internal/cli"
)

// main hands off to the CLI; "serve" runs the full service.
func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}

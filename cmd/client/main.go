// Package main is the shinara command-line client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/atinyakov/shinara-go/internal/cli"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	cli.Version, cli.BuildDate = version, buildDate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand(&cli.RootOptions{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shinara:", err)
		stop()
		os.Exit(1)
	}
}

// Command meshport uploads 3D models to a meshport backend and drives
// text, image and home generation from the terminal.
//
// Usage:
//
//	meshport upload scene.gltf textures/     # convert and publish a model
//	meshport generate text "a red armchair"  # text to 3D
//	meshport generate image photo.jpg        # image to 3D
//	meshport home "2BHK with a balcony"      # plan a home
//	meshport status <job-id>                 # one job snapshot
//	meshport watch <job-id>                  # stream job snapshots
//	meshport health                          # check the backend
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshport/meshport/internal/apperr"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", apperr.Message(err))
		os.Exit(1)
	}
}

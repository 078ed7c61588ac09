package main

import (
	"github.com/flare-foundation/flappy-fuse/internal/app"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
)

func main() {
	if err := app.Run(); err != nil {
		logger.Fatal(err)
	}
}

// Command kiln-host is the pool host started by the kiln manager. It reads
// control messages from descriptor 3, attaches compute workers to the
// descriptors that follow and logs to stderr, which the manager relays.
package main

import (
	"context"
	"os"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine/steal"
	"github.com/seantiz/kiln/internal/host"
	"github.com/seantiz/kiln/internal/launch"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	control, err := host.FileConn(launch.ControlFD, "kiln-control")
	if err != nil {
		logger.Error("open control channel", "error", err)
		os.Exit(1)
	}
	defer control.Close()

	h := host.New(steal.New(), control, host.FileChannels, host.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		AttachTimeout:     cfg.AttachTimeout,
		Logger:            logger,
	})
	if err := h.Serve(context.Background()); err != nil {
		logger.Error("host stopped", "error", err)
		control.Close()
		os.Exit(1)
	}
}

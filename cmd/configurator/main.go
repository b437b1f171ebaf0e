package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/configurator/cmd/configurator/commands"
	"github.com/openfroyo/configurator/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Used until the configured logger is up, and for the final error.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, finishing the current resource...")
		cancel()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	switch {
	case err == nil:
	case engine.IsHostNotFound(err):
		// Nothing to do for this machine.
	default:
		log.Error().Err(err).Msg("Command execution failed")
		cancel()
		os.Exit(1)
	}
}

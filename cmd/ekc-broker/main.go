// Command ekc-broker runs an embedded NATS server whose payload limit is
// large enough for encoded images.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxorio/ekc/pkg/broker"
	"github.com/fluxorio/ekc/pkg/config"
	"github.com/fluxorio/ekc/pkg/logging"
)

var (
	configPath string
	verbosity  int
)

func main() {
	root := &cobra.Command{
		Use:           "ekc-broker",
		Short:         "Run the message broker for ekc",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().CountVarP(&verbosity, "verbose", "v", "raise log verbosity (repeatable)")
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON settings file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ekc-broker failed: %v\n", err)
		os.Exit(1)
	}
}

func run(*cobra.Command, []string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	settings.Log.Level = logging.RaiseLevel(settings.Log.Level, verbosity)
	logger, err := logging.New(settings.Log)
	if err != nil {
		return err
	}
	logger = logger.WithField("process", "broker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.Start(settings.Broker, logger)
	if err != nil {
		return err
	}
	logger.Infof("broker ready at %s (max payload %d bytes)", b.ClientURL(), b.MaxPayload())

	<-ctx.Done()
	logger.Infof("shutting down")
	b.Shutdown()
	return nil
}

// Command ekc-worker opens the local GPU, announces itself on the bus and
// runs every image it is assigned through the coordinator's kernel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/config"
	"github.com/fluxorio/ekc/pkg/gpu"
	"github.com/fluxorio/ekc/pkg/logging"
	"github.com/fluxorio/ekc/pkg/observability/prometheus"
	"github.com/fluxorio/ekc/pkg/observability/tracing"
	"github.com/fluxorio/ekc/pkg/status"
	"github.com/fluxorio/ekc/pkg/worker"
)

var (
	configPath string
	verbosity  int
)

func main() {
	root := &cobra.Command{
		Use:           "ekc-worker",
		Short:         "Run ekc compute tasks on the local GPU",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().CountVarP(&verbosity, "verbose", "v", "raise log verbosity (repeatable)")
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON settings file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ekc-worker failed: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	settings.Log.Level = logging.RaiseLevel(settings.Log.Level, verbosity)
	logger, err := logging.New(settings.Log)
	if err != nil {
		return err
	}
	logger = logger.WithField("process", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if settings.Tracing.ServiceName == "" {
		settings.Tracing.ServiceName = "ekc-worker"
	}
	shutdownTracing, err := tracing.Initialize(ctx, settings.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	device, err := gpu.Open()
	if err != nil {
		return err
	}
	defer device.Close()
	logger.Infof("using GPU device %s", device.Name())

	b, err := bus.ConnectNATS(settings.Bus, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	metrics := prometheus.GetMetrics()
	w, err := worker.New(settings.Worker, b, device, logger, prometheus.WorkerObserver(metrics))
	if err != nil {
		return err
	}
	defer w.Close()
	logger.Infof("worker %s waiting for a kernel", w.ID())

	if settings.Status.Enabled() {
		srv := status.NewServer(settings.Status, func() interface{} {
			return map[string]interface{}{
				"worker_id": w.ID(),
				"state":     string(w.State()),
				"device":    device.Name(),
			}
		}, metrics.Handler(), logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Errorf("status server: %v", err)
			}
		}()
	}

	if err := w.Run(ctx); err != nil {
		return err
	}
	logger.Infof("worker %s stopped", w.ID())
	return nil
}

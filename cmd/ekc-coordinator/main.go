// Command ekc-coordinator publishes a compute kernel to every worker on the
// bus, spreads the images of the input directory across them and writes
// the results to the output directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/config"
	"github.com/fluxorio/ekc/pkg/coordinator"
	"github.com/fluxorio/ekc/pkg/imagestore"
	"github.com/fluxorio/ekc/pkg/kernel"
	"github.com/fluxorio/ekc/pkg/ledger"
	"github.com/fluxorio/ekc/pkg/logging"
	"github.com/fluxorio/ekc/pkg/observability/prometheus"
	"github.com/fluxorio/ekc/pkg/observability/tracing"
	"github.com/fluxorio/ekc/pkg/status"
)

var (
	configPath string
	verbosity  int
)

func main() {
	root := &cobra.Command{
		Use:           "ekc-coordinator <kernel-file>",
		Short:         "Distribute a GPU kernel and a batch of images across ekc workers",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().CountVarP(&verbosity, "verbose", "v", "raise log verbosity (repeatable)")
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON settings file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ekc-coordinator failed: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	settings.Log.Level = logging.RaiseLevel(settings.Log.Level, verbosity)
	logger, err := logging.New(settings.Log)
	if err != nil {
		return err
	}
	logger = logger.WithField("process", "coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if settings.Tracing.ServiceName == "" {
		settings.Tracing.ServiceName = "ekc-coordinator"
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

	src, err := kernel.Load(args[0])
	if err != nil {
		return err
	}
	logger.Infof("loaded kernel %s (%d bytes, fingerprint %s)", args[0], len(src.Text), src.Short())

	input, err := imagestore.OpenDir(settings.Coordinator.InputDir)
	if errors.Is(err, imagestore.ErrNoImages) {
		logger.Warnf("nothing to do: %v", err)
		return nil
	}
	if err != nil {
		return err
	}
	sink, err := imagestore.NewPNGSink(settings.Coordinator.OutputDir, imagestore.DefaultPattern)
	if err != nil {
		return err
	}
	logger.Infof("%d images in %s, results go to %s", input.Len(), settings.Coordinator.InputDir, settings.Coordinator.OutputDir)

	b, err := bus.ConnectNATS(settings.Bus, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var c *coordinator.Coordinator
	metrics := prometheus.GetMetrics()
	observers := []coordinator.Observer{
		coordinator.LogObserver{Logger: logger},
		prometheus.CoordinatorObserver(metrics, func() (int, int) { return c.Registry().Counts() }),
	}

	if settings.Ledger.Enabled() {
		l, err := ledger.Open(ctx, settings.Ledger)
		if err != nil {
			return err
		}
		defer l.Close()
		runID := uuid.NewString()
		rec := ledger.NewRecorder(l, runID, logger)
		defer rec.Close()
		observers = append(observers, rec)
		logger.Infof("recording run %s to %s ledger", runID, settings.Ledger.Driver)
	}

	if settings.Status.FeedAddr != "" {
		feed := status.NewFeed(logger)
		observers = append(observers, feed)
		go func() {
			if err := feed.ListenAndServe(ctx, settings.Status.FeedAddr); err != nil {
				logger.Errorf("event feed: %v", err)
			}
		}()
	}

	c, err = coordinator.New(settings.Coordinator, b, src, input, sink, logger, observers...)
	if err != nil {
		return err
	}

	if settings.Status.Enabled() {
		srv := status.NewServer(settings.Status, func() interface{} { return c.Snapshot() }, metrics.Handler(), logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Errorf("status server: %v", err)
			}
		}()
	}

	progress, err := c.Run(ctx)
	if err != nil {
		return err
	}
	if !progress.Done() {
		logger.Warnf("interrupted with %d of %d images outstanding", progress.Total-progress.Completed-progress.Failed, progress.Total)
		return nil
	}
	logger.Infof("batch complete: %d completed, %d failed", progress.Completed, progress.Failed)
	return nil
}

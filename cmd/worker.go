package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"coremachine/internal/app"
)

var workerNoSweep bool

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job and task message consumer",
	Long: `Consumes job and task messages from the configured queue and drives jobs
through their stages. Unless --no-sweep is given, the worker also runs the
periodic sweep when it can take the sweep lock file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}

		ctx, stop := signalContext(cmd.Context(), appInstance.Log)
		defer stop()

		if err := runWorker(ctx, appInstance, !workerNoSweep); err != nil {
			appInstance.Log.WithError(err).Error("Worker exited with error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerNoSweep, "no-sweep", false, "Do not run the periodic sweep in this process")
}

// runWorker consumes messages, and optionally sweeps, until ctx is cancelled.
func runWorker(ctx context.Context, a *app.App, sweep bool) error {
	cfg := a.Config
	g, ctx := errgroup.WithContext(ctx)

	a.Log.WithFields(logrus.Fields{
		"queue":       cfg.Queue.Backend,
		"concurrency": cfg.Worker.Concurrency,
		"queues":      cfg.Worker.Queues,
	}).Info("Starting worker")
	g.Go(func() error {
		if err := a.Consumer.Run(ctx, a.Machine); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})

	if sweep {
		lock, err := tryLockSweep(cfg.Sweep.LockFile)
		if err != nil {
			return err
		}
		if lock == nil {
			a.Log.WithField("lock_file", cfg.Sweep.LockFile).Info("Sweep lock held elsewhere, not sweeping")
		} else {
			g.Go(func() error {
				defer lock.Unlock()
				a.Log.WithField("interval", cfg.Sweep.Interval).Info("Starting sweeper")
				return a.Machine.RunSweeper(ctx, cfg.Sweep.Interval)
			})
		}
	}

	err := g.Wait()
	a.Log.Info("Worker stopped")
	return err
}

// tryLockSweep returns nil without error when another process holds the lock.
func tryLockSweep(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("sweep lock %s: %w", path, err)
	}
	if !locked {
		return nil, nil
	}
	return lock, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, log logrus.FieldLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-shutdown:
			log.WithField("signal", sig.String()).Info("Shutdown signal received, initiating graceful shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(shutdown)
		cancel()
	}
}

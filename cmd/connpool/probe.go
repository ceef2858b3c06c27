package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-i2p/go-connpool"
	"github.com/go-i2p/go-connpool/metrics"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newProbeCommand() *cobra.Command {
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Run concurrent checkout/hold/checkin loops and report pool statistics",
		Args:  cobra.NoArgs,
		RunE:  runProbe,
	}

	flags := probeCmd.Flags()
	flags.Int("workers", 10, "Number of concurrent workers")
	flags.Duration("duration", 10*time.Second, "How long to run")
	flags.Duration("hold", 20*time.Millisecond, "How long each worker holds a connection")
	flags.Int("retries", 0, "Checkout retries on pool timeout (-1 for unlimited)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	return probeCmd
}

type probeOptions struct {
	workers int
	hold    time.Duration
	retry   connpool.RetryPolicy
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	workers, _ := flags.GetInt("workers")
	duration, _ := flags.GetDuration("duration")
	hold, _ := flags.GetDuration("hold")
	retries, _ := flags.GetInt("retries")
	if addr, _ := flags.GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	p, err := cfg.NewPool()
	if err != nil {
		return err
	}

	sm := connpool.NewShutdownManager(cfg.Pool.WaitOnClose.Std() + 5*time.Second)
	sm.Register(p)

	collector := metrics.NewCollector()
	collector.Register(p)

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, collector)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	failures := probe(ctx, p, probeOptions{
		workers: workers,
		hold:    hold,
		retry:   connpool.RetryPolicy{MaxRetries: retries, Backoff: 50 * time.Millisecond},
	})

	printStats(cmd.OutOrStdout(), p.Stats())

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	if err := sm.Shutdown(); err != nil {
		return err
	}

	if failures > 0 {
		log.WithField("failures", failures).Warn("probe finished with checkout failures")
		return oops.
			Code("PROBE_FAILED").
			In("cmd").
			With("pool", p.Name()).
			With("failures", failures).
			Errorf("%d checkout(s) failed", failures)
	}
	return nil
}

// probe runs the worker loops until ctx is done and returns the number of
// failed checkouts, not counting those interrupted by ctx.
func probe(ctx context.Context, p *connpool.Pool, opts probeOptions) int64 {
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)

	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for ctx.Err() == nil {
				pc, err := connpool.CheckoutWithRetry(ctx, p, opts.retry)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, connpool.ErrPoolClosed) {
						return
					}
					failures.Add(1)
					log.WithError(err).WithField("worker", worker).Warn("checkout failed")
					select {
					case <-time.After(opts.hold):
					case <-ctx.Done():
					}
					continue
				}

				select {
				case <-time.After(opts.hold):
				case <-ctx.Done():
				}

				if err := p.Checkin(pc); err != nil {
					log.WithError(err).WithField("worker", worker).Warn("checkin failed")
				}
			}
		}(i)
	}

	wg.Wait()
	return failures.Load()
}

func serveMetrics(addr, path string, collector *metrics.Collector) *http.Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr": addr,
			"path": path,
		}).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return srv
}

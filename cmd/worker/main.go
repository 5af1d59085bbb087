// Package main provides the relayq worker process: it opens a queue,
// registers a handler, and processes jobs until told to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaygo/relayq"
	"github.com/relaygo/relayq/internal/config"
	"github.com/relaygo/relayq/internal/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)
	workerLog.Info("worker starting",
		"queue", cfg.QueueName,
		"concurrency", cfg.WorkerConcurrency,
		"stall_interval", cfg.StallInterval,
		"redis_url", cfg.RedisURL)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := relayq.New(ctx, relayq.NewSettings(cfg.QueueName,
		relayq.WithRedisURL(cfg.RedisURL),
		relayq.WithStallInterval(cfg.StallInterval),
	))
	if err != nil {
		workerLog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}

	q.OnError(func(err error) {
		workerLog.Error("queue error", "error", err)
	})

	// TODO: replace exampleHandler with the job handler this deployment needs.
	if err := q.Process(cfg.WorkerConcurrency, exampleHandler(workerLog)); err != nil {
		workerLog.Error("failed to start processing", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := q.Metrics()
				workerLog.Info("queue metrics",
					"jobs_saved", m.JobsSaved,
					"jobs_succeeded", m.JobsSucceeded,
					"jobs_retried", m.JobsRetried,
					"jobs_failed", m.JobsFailed,
					"stalled_recovered", m.StalledRecovered,
					"worker_utilization", fmt.Sprintf("%.1f%%", m.WorkerUtilization),
					"uptime", m.Uptime.String())
			}
		}
	}()

	sig := <-sigChan
	workerLog.Info("received shutdown signal, draining in-flight jobs", "signal", sig)
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := q.Close(closeCtx); err != nil {
		workerLog.Error("error during shutdown", "error", err)
	}

	workerLog.Info("worker shut down successfully")
}

func exampleHandler(log logger.Logger) relayq.Handler {
	return func(ctx context.Context, job *relayq.Job) (any, error) {
		log.Info("processing job", "id", job.ID)
		return map[string]any{"id": job.ID, "processed": true}, nil
	}
}

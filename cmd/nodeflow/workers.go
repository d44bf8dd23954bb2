/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/nodeflow/nodeflow"
	"github.com/nodeflow/nodeflow/api"
	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/notification"
	redis_db "github.com/nodeflow/nodeflow/internal/redis-db"
	"github.com/nodeflow/nodeflow/internal/traces"
)

const shutdownTimeout = 30 * time.Second

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := traces.SetupOTelSDK(ctx, "nodeflow")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializeWebhookServer(r *redis_db.Redis, cfg *config.Configuration) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(r.AsynqOpt(), asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{cfg.Queue.WebhookQueue: 1},
		Logger:      logrus.StandardLogger(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(cfg.Queue.WebhookQueue, nodeflow.ProcessWebhook)
	return srv, mux
}

func startMonitoringServer(n *nodeflow.Nodeflow, cfg *config.Configuration) *http.Server {
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewAPI(n).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("Monitoring API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("monitoring API stopped: %v", err)
		}
	}()
	return server
}

// runWorkers drains one batch, or with daemon set keeps the worker loop, the webhook consumer and
// the monitoring API running until SIGINT or SIGTERM.
func runWorkers(ctx context.Context, cfg *config.Configuration, daemon bool) error {
	shutdownTracing, err := initializeTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logrus.Errorf("error during tracing shutdown: %v", err)
		}
	}()

	r, err := redis_db.NewRedisClient(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	defer r.Close()

	webhooks := nodeflow.NewWebhookQueue(r.AsynqOpt(), cfg.Queue.WebhookQueue)
	defer webhooks.Close()
	notification.RegisterWebhookSender(webhooks.Send)

	n, err := setupNodeflow(cfg, nodeflow.WithRedis(r.Client()), nodeflow.WithWebhooks(webhooks))
	if err != nil {
		return err
	}
	worker := nodeflow.NewWorker(n)
	logger := logrus.WithField("worker_id", worker.ID())

	if !daemon {
		processed, err := worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Infof("processed %d queue entries", processed)
		return nil
	}

	srv, mux := initializeWebhookServer(r, cfg)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("could not start webhook server: %w", err)
	}
	defer srv.Shutdown()

	monitoring := startMonitoringServer(n, cfg)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Start(sigCtx)
	<-sigCtx.Done()
	logger.Info("shutdown signal received, finishing current batch")
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := monitoring.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("monitoring API shutdown: %v", err)
	}
	return nil
}

func workerCommands(app *nodeflowInstance) *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "process the nodeflow task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.Context(), app.cnf, daemon)
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep polling the queue until SIGINT or SIGTERM")
	return cmd
}

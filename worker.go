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

package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/internal/notification"
	"github.com/nodeflow/nodeflow/model"
)

var errInvalidPayload = errors.New("invalid queue payload")

// Worker claims queue entries in batches and runs them one after another.
type Worker struct {
	nodeflow     *Nodeflow
	id           string
	batchSize    int
	pollInterval time.Duration
	backoff      backoff.BackOff
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewWorker(n *Nodeflow) *Worker {
	cfg := n.config.Worker

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.PollInterval
	b.MaxInterval = 10 * cfg.PollInterval
	b.MaxElapsedTime = 0

	return &Worker{
		nodeflow:     n,
		id:           newWorkerID(),
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		backoff:      b,
		stopCh:       make(chan struct{}),
	}
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (w *Worker) ID() string {
	return w.id
}

// RunOnce releases stale claims, claims one batch and processes it. A claim failure is returned;
// failures of individual entries are recorded on the entries themselves.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	logger := logrus.WithField("worker_id", w.id)

	if released, err := w.nodeflow.ReleaseStaleLocks(ctx); err != nil {
		logger.Errorf("failed to release stale queue locks: %v", err)
	} else if released > 0 {
		logger.Warnf("%d queue entries failed after their locks expired", released)
	}

	entries, err := w.nodeflow.datasource.ClaimQueueBatch(ctx, w.batchSize, w.id, w.nodeflow.now())
	if err != nil {
		return 0, err
	}
	if len(entries) > 0 {
		logger.Infof("claimed %d queue entries", len(entries))
	}

	// A claimed batch is always finished, even when shutdown has been requested.
	batchCtx := context.WithoutCancel(ctx)
	for _, entry := range entries {
		w.process(batchCtx, entry)
	}
	return len(entries), nil
}

func (w *Worker) process(ctx context.Context, entry model.QueueEntry) {
	logger := logrus.WithFields(logrus.Fields{"worker_id": w.id, "queue_task_id": entry.ID, "task_type": entry.TaskType, "attempt": entry.Attempts + 1})

	err := w.handle(ctx, entry)
	if err == nil {
		if err := w.nodeflow.datasource.CompleteQueueTask(ctx, entry.ID); err != nil {
			logger.Errorf("failed to complete queue entry: %v", err)
		}
		return
	}

	retryable := w.isRetryable(err)
	logger.WithField("retryable", retryable).Warnf("queue entry failed: %v", err)
	if err := w.nodeflow.failQueueTask(ctx, entry, err, retryable); err != nil {
		logger.Errorf("failed to record queue entry failure: %v", err)
	}
}

func (w *Worker) handle(ctx context.Context, entry model.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing queue entry %d: %v", entry.ID, r)
		}
	}()

	payload, err := entry.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	switch p := payload.(type) {
	case model.NodeExecutionPayload:
		return w.nodeflow.RunNode(ctx, p)
	case model.PollStatusPayload:
		return w.nodeflow.PollExternalTask(ctx, p)
	default:
		return fmt.Errorf("%w: unhandled task type %s", errInvalidPayload, entry.TaskType)
	}
}

func (w *Worker) isRetryable(err error) bool {
	switch {
	case errors.Is(err, errInvalidPayload), errors.Is(err, ErrUnknownNodeType):
		return false
	case IsInsufficientCredits(err):
		return w.nodeflow.config.Credits.InsufficientCreditRetries
	default:
		return true
	}
}

// Start runs the worker loop in the background until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()

	logrus.WithField("worker_id", w.id).Info("Queue worker started")
}

// Stop asks the loop to exit and waits for the current batch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logrus.WithField("worker_id", w.id).Info("Queue worker stopped")
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	for {
		wait := w.pollInterval
		if _, err := w.RunOnce(ctx); err != nil {
			wait = w.backoff.NextBackOff()
			logrus.WithField("worker_id", w.id).Errorf("failed to claim queue entries, retrying in %s: %v", wait, err)
			notification.NotifyError(err)
		} else {
			w.backoff.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logrus.Info("Queue worker context cancelled")
			return
		case <-w.stopCh:
			timer.Stop()
			logrus.Info("Queue worker stop signal received")
			return
		case <-timer.C:
		}
	}
}

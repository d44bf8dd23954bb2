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
	"embed"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/database"
	"github.com/nodeflow/nodeflow/internal/plugin"
	"github.com/nodeflow/nodeflow/internal/provider"
	"github.com/nodeflow/nodeflow/internal/storage"
	"github.com/nodeflow/nodeflow/model"
)

var tracer = otel.Tracer("nodeflow")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Nodeflow ties the queue, the orchestrator and their collaborators to one datasource.
type Nodeflow struct {
	datasource database.IDataSource
	config     *config.Configuration
	executors  *ExecutorRegistry
	providers  *provider.Registry
	storage    *storage.Store
	webhooks   *WebhookQueue
	redis      redis.UniversalClient
	now        func() time.Time
}

// Option customises a Nodeflow built by NewNodeflow.
type Option func(*Nodeflow)

func WithExecutors(registry *ExecutorRegistry) Option {
	return func(n *Nodeflow) { n.executors = registry }
}

func WithProviders(registry *provider.Registry) Option {
	return func(n *Nodeflow) { n.providers = registry }
}

func WithStorage(store *storage.Store) Option {
	return func(n *Nodeflow) { n.storage = store }
}

func WithWebhooks(queue *WebhookQueue) Option {
	return func(n *Nodeflow) { n.webhooks = queue }
}

// WithRedis enables the per node task lock taken around node runs.
func WithRedis(client redis.UniversalClient) Option {
	return func(n *Nodeflow) { n.redis = client }
}

func WithClock(now func() time.Time) Option {
	return func(n *Nodeflow) { n.now = now }
}

// NewNodeflow builds a Nodeflow over db from the loaded configuration. Collaborators not supplied
// through options are built from config: the plugin-backed executor registry, the rhub provider and
// the storage tiers.
func NewNodeflow(db database.IDataSource, opts ...Option) (*Nodeflow, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	n := &Nodeflow{
		datasource: db,
		config:     cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.executors == nil {
		var p NodeExecutor
		if client := plugin.NewClient(cfg.Plugin); client != nil {
			p = client
		}
		n.executors = NewExecutorRegistry(p, cfg.Worker.MaxDelay)
	}
	if n.providers == nil {
		n.providers = provider.NewRegistry(provider.NewRHub(cfg.Providers.RHub))
	}
	if n.storage == nil {
		store, err := storage.New(cfg.Storage)
		if err != nil {
			return nil, err
		}
		n.storage = store
	}
	return n, nil
}

// GetExecution returns an execution with its node tasks.
func (n *Nodeflow) GetExecution(ctx context.Context, id int64) (*model.WorkflowExecution, []model.NodeTask, error) {
	exec, err := n.datasource.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := n.datasource.GetNodeTasksByExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return exec, tasks, nil
}

// StorageMode names the first artifact storage tier in use.
func (n *Nodeflow) StorageMode() string {
	return n.storage.Mode()
}

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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"NODEFLOW_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"NODEFLOW_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"NODEFLOW_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"NODEFLOW_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"NODEFLOW_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"NODEFLOW_REDIS_SKIP_TLS_VERIFY"`
}

// WorkerConfig controls the queue worker loop.
type WorkerConfig struct {
	BatchSize         int           `json:"batch_size" envconfig:"NODEFLOW_WORKER_BATCH_SIZE"`
	PollInterval      time.Duration `json:"poll_interval" envconfig:"NODEFLOW_WORKER_POLL_INTERVAL"`
	StaleLockTimeout  time.Duration `json:"stale_lock_timeout" envconfig:"NODEFLOW_WORKER_STALE_LOCK_TIMEOUT"`
	MaxAttempts       int           `json:"max_attempts" envconfig:"NODEFLOW_WORKER_MAX_ATTEMPTS"`
	RetryDelay        time.Duration `json:"retry_delay" envconfig:"NODEFLOW_WORKER_RETRY_DELAY"`
	ProcessingTimeout time.Duration `json:"processing_timeout" envconfig:"NODEFLOW_WORKER_PROCESSING_TIMEOUT"`
	NodeLockTimeout   time.Duration `json:"node_lock_timeout" envconfig:"NODEFLOW_WORKER_NODE_LOCK_TIMEOUT"`
	MaxDelay          time.Duration `json:"max_delay" envconfig:"NODEFLOW_WORKER_MAX_DELAY"`
}

// PollerConfig controls external task polling.
type PollerConfig struct {
	InitialDelay  time.Duration `json:"initial_delay" envconfig:"NODEFLOW_POLLER_INITIAL_DELAY"`
	Interval      time.Duration `json:"interval" envconfig:"NODEFLOW_POLLER_INTERVAL"`
	RetryInterval time.Duration `json:"retry_interval" envconfig:"NODEFLOW_POLLER_RETRY_INTERVAL"`
	MaxPolls      int           `json:"max_polls" envconfig:"NODEFLOW_POLLER_MAX_POLLS"`
	StaleAfter    time.Duration `json:"stale_after" envconfig:"NODEFLOW_POLLER_STALE_AFTER"`
}

type CreditsConfig struct {
	NodeCosts                 map[string]int64 `json:"node_costs"`
	InsufficientCreditRetries bool             `json:"insufficient_credit_retries" envconfig:"NODEFLOW_CREDITS_INSUFFICIENT_CREDIT_RETRIES"`
}

type RHubConfig struct {
	BaseURL string        `json:"base_url" envconfig:"NODEFLOW_RHUB_BASE_URL"`
	APIKey  string        `json:"api_key" envconfig:"NODEFLOW_RHUB_API_KEY"`
	Timeout time.Duration `json:"timeout" envconfig:"NODEFLOW_RHUB_TIMEOUT"`
}

type ProvidersConfig struct {
	RHub RHubConfig `json:"rhub"`
}

type PluginHttpService struct {
	Url     string        `json:"url" envconfig:"NODEFLOW_PLUGIN_URL"`
	Timeout time.Duration `json:"timeout" envconfig:"NODEFLOW_PLUGIN_TIMEOUT"`
	Headers struct {
		Authorization string `json:"Authorization"`
	} `json:"headers"`
}

type CDNConfig struct {
	Url     string            `json:"url" envconfig:"NODEFLOW_STORAGE_CDN_URL"`
	Headers map[string]string `json:"headers"`
}

type S3Config struct {
	AccessKeyId     string `json:"access_key_id" envconfig:"NODEFLOW_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"NODEFLOW_S3_SECRET_ACCESS_KEY"`
	Endpoint        string `json:"endpoint" envconfig:"NODEFLOW_S3_ENDPOINT"`
	Region          string `json:"region" envconfig:"NODEFLOW_S3_REGION"`
	Bucket          string `json:"bucket" envconfig:"NODEFLOW_S3_BUCKET"`
	PublicBaseURL   string `json:"public_base_url" envconfig:"NODEFLOW_S3_PUBLIC_BASE_URL"`
}

type MinIOConfig struct {
	Endpoint      string `json:"endpoint" envconfig:"NODEFLOW_MINIO_ENDPOINT"`
	AccessKey     string `json:"access_key" envconfig:"NODEFLOW_MINIO_ACCESS_KEY"`
	SecretKey     string `json:"secret_key" envconfig:"NODEFLOW_MINIO_SECRET_KEY"`
	Bucket        string `json:"bucket" envconfig:"NODEFLOW_MINIO_BUCKET"`
	UseSSL        bool   `json:"use_ssl" envconfig:"NODEFLOW_MINIO_USE_SSL"`
	PublicBaseURL string `json:"public_base_url" envconfig:"NODEFLOW_MINIO_PUBLIC_BASE_URL"`
}

type LocalStorageConfig struct {
	Dir           string `json:"dir" envconfig:"NODEFLOW_STORAGE_LOCAL_DIR"`
	PublicBaseURL string `json:"public_base_url" envconfig:"NODEFLOW_STORAGE_LOCAL_PUBLIC_BASE_URL"`
}

type StorageConfig struct {
	CDN   CDNConfig          `json:"cdn"`
	S3    S3Config           `json:"s3"`
	MinIO MinIOConfig        `json:"minio"`
	Local LocalStorageConfig `json:"local"`
}

type QueueConfig struct {
	WebhookQueue string `json:"webhook_queue" envconfig:"NODEFLOW_QUEUE_WEBHOOK_QUEUE"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"NODEFLOW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"NODEFLOW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"NODEFLOW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"NODEFLOW_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"NODEFLOW_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"NODEFLOW_PROJECT_NAME"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"NODEFLOW_ENABLE_TELEMETRY"`
	SyncNodeTypes   []string          `json:"sync_node_types" envconfig:"NODEFLOW_SYNC_NODE_TYPES"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	Worker          WorkerConfig      `json:"worker"`
	Poller          PollerConfig      `json:"poller"`
	Credits         CreditsConfig     `json:"credits"`
	Providers       ProvidersConfig   `json:"providers"`
	Plugin          PluginHttpService `json:"plugin"`
	Storage         StorageConfig     `json:"storage"`
	Queue           QueueConfig       `json:"queue"`
	Notification    Notification      `json:"notification"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("nodeflow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called nodeflow.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Nodeflow Worker"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Worker.addDefaults()
	cnf.Poller.addDefaults()

	if cnf.Providers.RHub.BaseURL == "" {
		cnf.Providers.RHub.BaseURL = "https://www.runninghub.ai/task/openapi/outputs"
	}
	if cnf.Providers.RHub.Timeout == 0 {
		cnf.Providers.RHub.Timeout = 30 * time.Second
	}
	if cnf.Plugin.Timeout == 0 {
		cnf.Plugin.Timeout = 120 * time.Second
	}
	if cnf.Storage.Local.Dir == "" {
		cnf.Storage.Local.Dir = "uploads"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Credits.NodeCosts == nil {
		cnf.Credits.NodeCosts = map[string]int64{}
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (w *WorkerConfig) addDefaults() {
	if w.BatchSize <= 0 {
		w.BatchSize = 10
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.StaleLockTimeout <= 0 {
		w.StaleLockTimeout = 10 * time.Minute
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 3
	}
	if w.RetryDelay <= 0 {
		w.RetryDelay = 30 * time.Second
	}
	if w.ProcessingTimeout <= 0 {
		w.ProcessingTimeout = 5 * time.Minute
	}
	if w.NodeLockTimeout <= 0 {
		w.NodeLockTimeout = 15 * time.Minute
	}
	if w.MaxDelay <= 0 {
		w.MaxDelay = 60 * time.Second
	}
}

func (p *PollerConfig) addDefaults() {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 10 * time.Second
	}
	if p.Interval <= 0 {
		p.Interval = 10 * time.Second
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = 30 * time.Second
	}
	if p.MaxPolls <= 0 {
		p.MaxPolls = 60
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = time.Hour
	}
}

// IsSyncNodeType reports whether results of the node type are always final,
// even when the executor also returns a task id.
func (cnf *Configuration) IsSyncNodeType(nodeType string) bool {
	for _, t := range cnf.SyncNodeTypes {
		if strings.EqualFold(t, nodeType) {
			return true
		}
	}
	return false
}

// NodeCost returns the configured credit cost of a node type.
func (cnf *Configuration) NodeCost(nodeType string) int64 {
	return cnf.Credits.NodeCosts[nodeType]
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Worker.addDefaults()
	mockConfig.Poller.addDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

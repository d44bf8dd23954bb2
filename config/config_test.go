package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{
			Dns: "",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: " some-dns "},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	err = cnf.validateAndAddDefaults()
	assert.NoError(t, err)
	assert.Equal(t, "some-dns", cnf.DataSource.Dns)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, "Nodeflow Worker", cnf.ProjectName)
}

func TestWorkerAndPollerDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	assert.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, 10, cnf.Worker.BatchSize)
	assert.Equal(t, 30*time.Second, cnf.Worker.RetryDelay)
	assert.Equal(t, 3, cnf.Worker.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cnf.Worker.ProcessingTimeout)
	assert.Equal(t, 60*time.Second, cnf.Worker.MaxDelay)

	assert.Equal(t, 10*time.Second, cnf.Poller.InitialDelay)
	assert.Equal(t, 10*time.Second, cnf.Poller.Interval)
	assert.Equal(t, 30*time.Second, cnf.Poller.RetryInterval)
	assert.Equal(t, 60, cnf.Poller.MaxPolls)
	assert.Equal(t, time.Hour, cnf.Poller.StaleAfter)

	assert.Equal(t, "new:webhook", cnf.Queue.WebhookQueue)
	assert.NotNil(t, cnf.Credits.NodeCosts)
}

func TestRateLimitDefaults(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}
	assert.NoError(t, cnf.validateAndAddDefaults())
	if assert.NotNil(t, cnf.RateLimit.Burst) {
		assert.Equal(t, 20, *cnf.RateLimit.Burst)
	}
	if assert.NotNil(t, cnf.RateLimit.CleanupIntervalSec) {
		assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)
	}
}

func TestNodeTypeHelpers(t *testing.T) {
	cnf := Configuration{
		SyncNodeTypes: []string{"text-generation"},
		Credits: CreditsConfig{
			NodeCosts: map[string]int64{"video-generation": 25},
		},
	}

	assert.True(t, cnf.IsSyncNodeType("Text-Generation"))
	assert.False(t, cnf.IsSyncNodeType("video-generation"))
	assert.Equal(t, int64(25), cnf.NodeCost("video-generation"))
	assert.Equal(t, int64(0), cnf.NodeCost("delay"))
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "nodeflow.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource: DataSourceConfig{
			Dns: "temp-dns",
		},
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("NODEFLOW_PROJECT_NAME", "Env Project")
	os.Setenv("NODEFLOW_WORKER_BATCH_SIZE", "25")
	defer os.Unsetenv("NODEFLOW_PROJECT_NAME")
	defer os.Unsetenv("NODEFLOW_WORKER_BATCH_SIZE")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	assert.Equal(t, 25, loadedConfig.Worker.BatchSize)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "nodeflow.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource: DataSourceConfig{
			Dns: "init-config-dns",
		}, Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
}

func TestMockConfigAppliesDefaults(t *testing.T) {
	MockConfig(&Configuration{})
	cnf, err := Fetch()
	assert.NoError(t, err)
	assert.Equal(t, 30*time.Second, cnf.Worker.RetryDelay)
	assert.Equal(t, 60, cnf.Poller.MaxPolls)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func loadConfig(t *testing.T, doc map[string]any) *GatewayConfig {
	t.Helper()
	manager := NewManager(nil)
	t.Cleanup(func() { _ = manager.Close() })
	require.NoError(t, manager.LoadConfig(writeConfigFile(t, doc)))
	return manager.GetConfig()
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg := loadConfig(t, map[string]any{})

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "FIX.4.4", cfg.FIX.BeginString)
	assert.Equal(t, 10, cfg.FIX.HeartbeatIntervalSecs)
	assert.Equal(t, 8*1024, cfg.FIX.EncoderBufferSize)
	assert.Equal(t, int64(120000), cfg.FIX.SendingTimeWindowMS)
	assert.Equal(t, int16(1), cfg.Cluster.NodeID)
	assert.Equal(t, []int16{1}, cfg.Cluster.Members)
	assert.Equal(t, int64(1000), cfg.Cluster.TimeoutMS)
	assert.Equal(t, "majority", cfg.Cluster.AcknowledgementStrategy)
	assert.Equal(t, "fixgate.committed", cfg.Kafka.Topic)
}

func TestLoadConfigReadsFile(t *testing.T) {
	cfg := loadConfig(t, map[string]any{
		"environment": "staging",
		"fix": map[string]any{
			"bind_address":            ":9881",
			"begin_string":            "FIX.4.2",
			"heartbeat_interval_secs": 30,
		},
		"cluster": map[string]any{
			"node_id":                  2,
			"members":                  []int{1, 2, 3},
			"timeout_ms":               250,
			"acknowledgement_strategy": "entire-cluster",
		},
	})

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, ":9881", cfg.FIX.BindAddress)
	assert.Equal(t, "FIX.4.2", cfg.FIX.BeginString)
	assert.Equal(t, 30, cfg.FIX.HeartbeatIntervalSecs)
	assert.Equal(t, int16(2), cfg.Cluster.NodeID)
	assert.Equal(t, []int16{1, 2, 3}, cfg.Cluster.Members)
	assert.Equal(t, 250*time.Millisecond, cfg.Cluster.Timeout())
	assert.Equal(t, "entire-cluster", cfg.Cluster.AcknowledgementStrategy)
}

func TestEvenClusterSizeRejected(t *testing.T) {
	manager := NewManager(nil)
	defer manager.Close()

	err := manager.LoadConfig(writeConfigFile(t, map[string]any{
		"cluster": map[string]any{"node_id": 1, "members": []int{1, 2}},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd number of members")
}

func TestNodeMustBeAClusterMember(t *testing.T) {
	manager := NewManager(nil)
	defer manager.Close()

	err := manager.LoadConfig(writeConfigFile(t, map[string]any{
		"cluster": map[string]any{"node_id": 5, "members": []int{1, 2, 3}},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in cluster members")
}

func TestDuplicateClusterMemberRejected(t *testing.T) {
	manager := NewManager(nil)
	defer manager.Close()

	err := manager.LoadConfig(writeConfigFile(t, map[string]any{
		"cluster": map[string]any{"node_id": 1, "members": []int{1, 1, 3}},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate cluster member")
}

func TestProductionRequiresSecureJWTSecret(t *testing.T) {
	manager := NewManager(nil)
	defer manager.Close()

	err := manager.LoadConfig(writeConfigFile(t, map[string]any{
		"environment": "production",
		"admin":       map[string]any{"jwt_secret": "change-this-in-production"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secure admin JWT secret")
}

func TestKafkaEnabledRequiresBrokers(t *testing.T) {
	manager := NewManager(nil)
	defer manager.Close()

	err := manager.LoadConfig(writeConfigFile(t, map[string]any{
		"kafka": map[string]any{"enabled": true},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers")
}

func TestEnvironmentVariableOverridesFile(t *testing.T) {
	t.Setenv("FIXGATE_FIX_BEGIN_STRING", "FIXT.1.1")

	cfg := loadConfig(t, map[string]any{
		"fix": map[string]any{"begin_string": "FIX.4.4"},
	})
	assert.Equal(t, "FIXT.1.1", cfg.FIX.BeginString)
}

func TestHotReloadPicksUpChanges(t *testing.T) {
	doc := map[string]any{
		"fix": map[string]any{"heartbeat_interval_secs": 10},
	}
	path := writeConfigFile(t, doc)

	manager := NewManager(nil)
	defer manager.Close()
	require.NoError(t, manager.LoadConfig(path))

	reloaded := make(chan *GatewayConfig, 1)
	manager.AddReloadCallback(func(oldConfig, newConfig *GatewayConfig) error {
		select {
		case reloaded <- newConfig:
		default:
		}
		return nil
	})

	doc["fix"] = map[string]any{"heartbeat_interval_secs": 45}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 45, cfg.FIX.HeartbeatIntervalSecs)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}

	require.Eventually(t, func() bool {
		return manager.GetConfig().FIX.HeartbeatIntervalSecs == 45
	}, 2*time.Second, 20*time.Millisecond)
}

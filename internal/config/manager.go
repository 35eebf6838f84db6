package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReloadCallback is called when configuration is reloaded.
type ReloadCallback func(oldConfig, newConfig *GatewayConfig) error

// Manager loads the gateway configuration, validates it and hot reloads it
// when a watched file changes.
type Manager struct {
	mu        sync.RWMutex
	config    *GatewayConfig
	viper     *viper.Viper
	validator *validator.Validate
	logger    *zap.Logger

	watcher         *fsnotify.Watcher
	watchPaths      []string
	reloadCallbacks []ReloadCallback
	ctx             context.Context
	cancel          context.CancelFunc

	lastReload time.Time
}

// NewManager creates a configuration manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		viper:     viper.New(),
		validator: validator.New(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddReloadCallback registers a callback run after every successful reload.
func (m *Manager) AddReloadCallback(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *GatewayConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// LastReloadTime returns when the configuration last changed.
func (m *Manager) LastReloadTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReload
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	m.cancel()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// LoadConfig reads the given YAML files, overlays FIXGATE_* environment
// variables, validates the result and starts watching the files that exist.
func (m *Manager) LoadConfig(configPaths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("loading gateway configuration", zap.Strings("paths", configPaths))

	m.setupViper()
	if err := m.loadConfigFiles(configPaths...); err != nil {
		return fmt.Errorf("failed to load config files: %w", err)
	}

	config, err := m.buildConfig()
	if err != nil {
		return err
	}

	if err := m.startWatcher(); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	m.config = config
	m.lastReload = time.Now()

	m.logger.Info("configuration loaded", zap.String("effective", config.String()))
	return nil
}

func (m *Manager) setupViper() {
	m.viper.SetConfigType("yaml")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.SetEnvPrefix("FIXGATE")
	m.bindEnvironmentVariables()
}

func (m *Manager) loadConfigFiles(configPaths ...string) error {
	if len(configPaths) == 0 {
		configPaths = []string{
			"./config.yaml",
			"./configs/config.yaml",
			"/etc/fixgate/config.yaml",
		}
	}

	var loadedFiles []string
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.logger.Debug("config file not found, skipping", zap.String("path", path))
			continue
		}
		m.viper.SetConfigFile(path)
		if err := m.viper.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loadedFiles = append(loadedFiles, path)
		m.watchPaths = append(m.watchPaths, path)
	}

	if len(loadedFiles) == 0 {
		m.logger.Warn("no configuration files found, using defaults and environment variables")
	} else {
		m.logger.Info("loaded configuration files", zap.Strings("files", loadedFiles))
	}
	return nil
}

func (m *Manager) bindEnvironmentVariables() {
	envMappings := map[string]string{
		"FIXGATE_ENVIRONMENT": "environment",

		"FIXGATE_FIX_BIND_ADDRESS":             "fix.bind_address",
		"FIXGATE_FIX_BEGIN_STRING":             "fix.begin_string",
		"FIXGATE_FIX_HEARTBEAT_INTERVAL_SECS":  "fix.heartbeat_interval_secs",
		"FIXGATE_FIX_ENCODER_BUFFER_SIZE":      "fix.encoder_buffer_size",
		"FIXGATE_FIX_SENDING_TIME_WINDOW_MS":   "fix.sending_time_window_ms",
		"FIXGATE_FIX_PERSIST_SEQUENCES":        "fix.persist_sequences",
		"FIXGATE_CLUSTER_NODE_ID":              "cluster.node_id",
		"FIXGATE_CLUSTER_TIMEOUT_MS":           "cluster.timeout_ms",
		"FIXGATE_CLUSTER_ACK_STRATEGY":         "cluster.acknowledgement_strategy",
		"FIXGATE_ARCHIVE_DIR":                  "archive.dir",
		"FIXGATE_ADMIN_BIND_ADDRESS":           "admin.bind_address",
		"FIXGATE_ADMIN_JWT_SECRET":             "admin.jwt_secret",
		"FIXGATE_REDIS_ENABLED":                "redis.enabled",
		"FIXGATE_REDIS_PASSWORD":               "redis.password",
		"FIXGATE_KAFKA_ENABLED":                "kafka.enabled",
		"FIXGATE_KAFKA_TOPIC":                  "kafka.topic",
		"FIXGATE_JOURNAL_ENABLED":              "journal.enabled",
		"FIXGATE_JOURNAL_DSN":                  "journal.dsn",
		"FIXGATE_LOGGING_LEVEL":                "logging.level",
	}
	for env, key := range envMappings {
		if value := os.Getenv(env); value != "" {
			m.viper.Set(key, value)
		}
	}
}

// buildConfig unmarshals, defaults and validates a configuration from the
// manager's current viper state.
func (m *Manager) buildConfig() (*GatewayConfig, error) {
	var config GatewayConfig
	if err := m.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	m.setDefaults(&config)

	if err := m.validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// setDefaults fills in zero values with the documented defaults.
func (m *Manager) setDefaults(config *GatewayConfig) {
	defaults := Default()

	if config.Environment == "" {
		config.Environment = defaults.Environment
	}
	if config.FIX.BindAddress == "" {
		config.FIX.BindAddress = defaults.FIX.BindAddress
	}
	if config.FIX.BeginString == "" {
		config.FIX.BeginString = defaults.FIX.BeginString
	}
	if config.FIX.HeartbeatIntervalSecs == 0 {
		config.FIX.HeartbeatIntervalSecs = defaults.FIX.HeartbeatIntervalSecs
	}
	if config.FIX.EncoderBufferSize == 0 {
		config.FIX.EncoderBufferSize = defaults.FIX.EncoderBufferSize
	}
	if config.FIX.SendingTimeWindowMS == 0 {
		config.FIX.SendingTimeWindowMS = defaults.FIX.SendingTimeWindowMS
	}
	if config.Cluster.NodeID == 0 {
		config.Cluster.NodeID = defaults.Cluster.NodeID
	}
	if len(config.Cluster.Members) == 0 {
		config.Cluster.Members = defaults.Cluster.Members
	}
	if config.Cluster.TimeoutMS == 0 {
		config.Cluster.TimeoutMS = defaults.Cluster.TimeoutMS
	}
	if config.Cluster.AcknowledgementStrategy == "" {
		config.Cluster.AcknowledgementStrategy = defaults.Cluster.AcknowledgementStrategy
	}
	if config.Archive.Dir == "" {
		config.Archive.Dir = defaults.Archive.Dir
	}
	if config.Admin.BindAddress == "" {
		config.Admin.BindAddress = defaults.Admin.BindAddress
	}
	if config.Kafka.Topic == "" {
		config.Kafka.Topic = defaults.Kafka.Topic
	}
	if config.Kafka.Compression == "" {
		config.Kafka.Compression = defaults.Kafka.Compression
	}
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
}

func (m *Manager) validateConfig(config *GatewayConfig) error {
	if err := m.validator.Struct(config); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := m.validateCustomRules(config); err != nil {
		return fmt.Errorf("custom validation failed: %w", err)
	}
	return nil
}

// validateCustomRules enforces cross-field rules the struct tags cannot.
func (m *Manager) validateCustomRules(config *GatewayConfig) error {
	if len(config.Cluster.Members)%2 == 0 {
		return fmt.Errorf("cluster must have an odd number of members, got %d", len(config.Cluster.Members))
	}
	if !config.Cluster.HasMember(config.Cluster.NodeID) {
		return fmt.Errorf("node_id %d is not in cluster members %v", config.Cluster.NodeID, config.Cluster.Members)
	}
	seen := make(map[int16]struct{}, len(config.Cluster.Members))
	for _, member := range config.Cluster.Members {
		if _, dup := seen[member]; dup {
			return fmt.Errorf("duplicate cluster member %d", member)
		}
		seen[member] = struct{}{}
	}

	if config.Environment == "production" {
		if config.Admin.JWTSecret == "" || strings.Contains(config.Admin.JWTSecret, "change-this") {
			return fmt.Errorf("production environment requires a secure admin JWT secret")
		}
	}

	if config.Redis.Enabled && len(config.Redis.Addrs) == 0 {
		return fmt.Errorf("redis is enabled but no addresses are configured")
	}
	if config.Kafka.Enabled && len(config.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka is enabled but no brokers are configured")
	}
	if config.Journal.Enabled && config.Journal.DSN == "" {
		return fmt.Errorf("journal is enabled but no DSN is configured")
	}

	if config.FIX.BindAddress == config.Admin.BindAddress {
		return fmt.Errorf("fix and admin bind addresses cannot be the same")
	}
	return nil
}

func (m *Manager) startWatcher() error {
	if len(m.watchPaths) == 0 {
		m.logger.Info("no config files to watch, hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	m.watcher = watcher

	for _, path := range m.watchPaths {
		if err := watcher.Add(path); err != nil {
			m.logger.Warn("failed to watch config file", zap.String("path", path), zap.Error(err))
		}
	}

	go m.watchForChanges()
	m.logger.Info("file watcher started for hot reload", zap.Strings("paths", m.watchPaths))
	return nil
}

func (m *Manager) watchForChanges() {
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				m.logger.Debug("config file changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()))
				debounceTimer.Reset(500 * time.Millisecond)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("file watcher error", zap.Error(err))

		case <-debounceTimer.C:
			if err := m.reloadConfig(); err != nil {
				m.logger.Error("failed to reload configuration", zap.Error(err))
			}
		}
	}
}

// reloadConfig rebuilds the configuration from the watched files. A failed
// reload keeps the previous configuration.
func (m *Manager) reloadConfig() error {
	m.logger.Info("reloading configuration")

	m.mu.RLock()
	oldConfig := m.config
	watchPaths := make([]string, len(m.watchPaths))
	copy(watchPaths, m.watchPaths)
	callbacks := make([]ReloadCallback, len(m.reloadCallbacks))
	copy(callbacks, m.reloadCallbacks)
	m.mu.RUnlock()

	newViper := viper.New()
	newViper.SetConfigType("yaml")
	for _, path := range watchPaths {
		newViper.SetConfigFile(path)
		if err := newViper.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to reload config file %s: %w", path, err)
		}
	}

	m.mu.Lock()
	originalViper := m.viper
	m.viper = newViper
	m.bindEnvironmentVariables()
	newConfig, err := m.buildConfig()
	if err != nil {
		m.viper = originalViper
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	m.mu.Lock()
	m.config = newConfig
	m.lastReload = time.Now()
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", zap.String("effective", newConfig.String()))
	return nil
}

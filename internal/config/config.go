// Package config provides centralized configuration management for the
// gateway with validation and hot reload.
package config

import (
	"fmt"
	"time"
)

// GatewayConfig is the complete gateway configuration.
type GatewayConfig struct {
	Environment string `mapstructure:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	FIX     FIXConfig     `mapstructure:"fix" yaml:"fix"`
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// FIXConfig holds the session layer knobs.
type FIXConfig struct {
	BindAddress           string `mapstructure:"bind_address" yaml:"bind_address" validate:"required"`
	BeginString           string `mapstructure:"begin_string" yaml:"begin_string"`
	HeartbeatIntervalSecs int    `mapstructure:"heartbeat_interval_secs" yaml:"heartbeat_interval_secs" validate:"min=1,max=3600"`
	EncoderBufferSize     int    `mapstructure:"encoder_buffer_size" yaml:"encoder_buffer_size" validate:"min=512"`
	SendingTimeWindowMS   int64  `mapstructure:"sending_time_window_ms" yaml:"sending_time_window_ms" validate:"min=1000"`

	// PersistSequences resumes sequence numbers across reconnects when the
	// peer logs on without requesting a reset.
	PersistSequences bool `mapstructure:"persist_sequences" yaml:"persist_sequences"`

	// Credentials maps logon usernames to bcrypt password hashes. Empty
	// means every logon is accepted.
	Credentials map[string]string `mapstructure:"credentials" yaml:"credentials"`

	Initiators []InitiatorConfig `mapstructure:"initiators" yaml:"initiators" validate:"dive"`
}

// InitiatorConfig describes one outbound session the gateway dials.
type InitiatorConfig struct {
	Address      string `mapstructure:"address" yaml:"address" validate:"required"`
	SenderCompID string `mapstructure:"sender_comp_id" yaml:"sender_comp_id" validate:"required"`
	SenderSubID  string `mapstructure:"sender_sub_id" yaml:"sender_sub_id"`
	TargetCompID string `mapstructure:"target_comp_id" yaml:"target_comp_id" validate:"required"`
	Username     string `mapstructure:"username" yaml:"username"`
	Password     string `mapstructure:"password" yaml:"password"`
	ResetOnLogon bool   `mapstructure:"reset_on_logon" yaml:"reset_on_logon"`
}

// ClusterConfig holds the replication knobs.
type ClusterConfig struct {
	NodeID                  int16   `mapstructure:"node_id" yaml:"node_id" validate:"required,min=1"`
	Members                 []int16 `mapstructure:"members" yaml:"members" validate:"required,min=1"`
	TimeoutMS               int64   `mapstructure:"timeout_ms" yaml:"timeout_ms" validate:"min=1"`
	AcknowledgementStrategy string  `mapstructure:"acknowledgement_strategy" yaml:"acknowledgement_strategy" validate:"oneof=entire-cluster majority"`
}

// ArchiveConfig holds the fragment store location.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" validate:"required"`
}

// AdminConfig holds the admin API surface knobs.
type AdminConfig struct {
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address" validate:"required"`
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

// RedisConfig holds the sequence index backend.
type RedisConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Addrs    []string `mapstructure:"addrs" yaml:"addrs"`
	Password string   `mapstructure:"password" yaml:"password"`
	DB       int      `mapstructure:"db" yaml:"db"`
}

// KafkaConfig holds the committed stream bridge knobs.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers     []string `mapstructure:"brokers" yaml:"brokers"`
	Topic       string   `mapstructure:"topic" yaml:"topic"`
	Compression string   `mapstructure:"compression" yaml:"compression"`
}

// JournalConfig holds the session event journal backend.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// LoggingConfig holds log output knobs.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns a development configuration with every knob at its
// documented default.
func Default() *GatewayConfig {
	return &GatewayConfig{
		Environment: "development",
		FIX: FIXConfig{
			BindAddress:           ":9880",
			BeginString:           "FIX.4.4",
			HeartbeatIntervalSecs: 10,
			EncoderBufferSize:     8 * 1024,
			SendingTimeWindowMS:   (2 * time.Minute).Milliseconds(),
			PersistSequences:      true,
		},
		Cluster: ClusterConfig{
			NodeID:                  1,
			Members:                 []int16{1},
			TimeoutMS:               1000,
			AcknowledgementStrategy: "majority",
		},
		Archive: ArchiveConfig{Dir: "./data/archive"},
		Admin:   AdminConfig{BindAddress: ":8080"},
		Kafka:   KafkaConfig{Topic: "fixgate.committed", Compression: "snappy"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// HeartbeatInterval returns the configured heartbeat interval as a duration.
func (c FIXConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

// Timeout returns the configured election timeout floor as a duration.
func (c ClusterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// HasMember reports whether the given node id belongs to the cluster.
func (c ClusterConfig) HasMember(nodeID int16) bool {
	for _, member := range c.Members {
		if member == nodeID {
			return true
		}
	}
	return false
}

// String renders the effective endpoints for startup logging, secrets
// excluded.
func (c *GatewayConfig) String() string {
	return fmt.Sprintf("env=%s fix=%s admin=%s node=%d members=%v strategy=%s",
		c.Environment, c.FIX.BindAddress, c.Admin.BindAddress,
		c.Cluster.NodeID, c.Cluster.Members, c.Cluster.AcknowledgementStrategy)
}

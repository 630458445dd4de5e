package apiconfig

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Api          ApiConfig          `koanf:"api" json:"api"`
	ChainNode    ChainNodeConfig    `koanf:"chain_node" json:"chain_node"`
	Store        StoreConfig        `koanf:"store" json:"store"`
	Nats         NatsServerConfig   `koanf:"nats" json:"nats"`
	Trainer      TrainerConfig      `koanf:"trainer" json:"trainer"`
	Registry     RegistryConfig     `koanf:"registry" json:"registry"`
	Scheduler    SchedulerConfig    `koanf:"scheduler" json:"scheduler"`
	Validation   ValidationConfig   `koanf:"validation" json:"validation"`
	Verification VerificationConfig `koanf:"verification" json:"verification"`
	Scoring      ScoringConfig      `koanf:"scoring" json:"scoring"`
	Publisher    PublisherConfig    `koanf:"publisher" json:"publisher"`
}

type ApiConfig struct {
	PublicServerPort  int   `koanf:"public_server_port" json:"public_server_port"`
	AdminServerPort   int   `koanf:"admin_server_port" json:"admin_server_port"`
	RequestTimeoutSec int   `koanf:"request_timeout_seconds" json:"request_timeout_seconds"`
	RateLimitPerMin   int   `koanf:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	RateLimitBurst    int   `koanf:"rate_limit_burst" json:"rate_limit_burst"`
	SignatureMaxAge   int64 `koanf:"signature_max_age_seconds" json:"signature_max_age_seconds"`
}

type ChainNodeConfig struct {
	Url           string `koanf:"url" json:"url"`
	AccountPrefix string `koanf:"account_prefix" json:"account_prefix"`
	SignerKeyName string `koanf:"signer_key_name" json:"signer_key_name"`
}

type StoreConfig struct {
	// Backend selects "postgres", "sqlite" or "memory". Empty picks
	// postgres when PGHOST is set and sqlite otherwise.
	Backend    string `koanf:"backend" json:"backend"`
	SqlitePath string `koanf:"sqlite_path" json:"sqlite_path"`
}

type NatsServerConfig struct {
	Host                  string `koanf:"host" json:"host"`
	Port                  int    `koanf:"port" json:"port"`
	StoreDir              string `koanf:"store_dir" json:"store_dir"`
	MaxMessagesAgeSeconds int64  `koanf:"max_messages_age_seconds" json:"max_messages_age_seconds"`
}

type TrainerConfig struct {
	Url               string `koanf:"url" json:"url"`
	RequestTimeoutSec int    `koanf:"request_timeout_seconds" json:"request_timeout_seconds"`
}

type RegistryConfig struct {
	HeartbeatIntervalSec int `koanf:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	MissedBeatsProbation int `koanf:"missed_beats_probation" json:"missed_beats_probation"`
	RejectionThreshold   int `koanf:"rejection_threshold" json:"rejection_threshold"`
	SuspectThreshold     int `koanf:"suspect_threshold" json:"suspect_threshold"`
	FraudBanThreshold    int `koanf:"fraud_ban_threshold" json:"fraud_ban_threshold"`
	IdleWindowsProbation int `koanf:"idle_windows_probation" json:"idle_windows_probation"`
}

type SchedulerConfig struct {
	MaxUnitsPerNode    int `koanf:"max_units_per_node" json:"max_units_per_node"`
	UnitDeadlineSec    int `koanf:"unit_deadline_seconds" json:"unit_deadline_seconds"`
	DeadlineBackoffMax int `koanf:"deadline_backoff_max_seconds" json:"deadline_backoff_max_seconds"`
	MaxRetries         int `koanf:"max_retries" json:"max_retries"`
	SweepIntervalSec   int `koanf:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	// ReplicaFactor is how many nodes receive the same quorum-type unit.
	// Policy parameter; operators set it per deployment.
	ReplicaFactor int `koanf:"replica_factor" json:"replica_factor"`
}

type ValidationConfig struct {
	MaxPayloadBytes int64 `koanf:"max_payload_bytes" json:"max_payload_bytes"`
	MaxStepCount    int64 `koanf:"max_step_count" json:"max_step_count"`
}

type VerificationConfig struct {
	WorkerCount       int     `koanf:"worker_count" json:"worker_count"`
	SampleFraction    float64 `koanf:"sample_fraction" json:"sample_fraction"`
	QuorumSize        int     `koanf:"quorum_size" json:"quorum_size"`
	NumericTolerance  float64 `koanf:"numeric_tolerance" json:"numeric_tolerance"`
	MaxRetries        int     `koanf:"max_retries" json:"max_retries"`
	RetryBackoffSec   int     `koanf:"retry_backoff_seconds" json:"retry_backoff_seconds"`
	RequestTimeoutSec int     `koanf:"request_timeout_seconds" json:"request_timeout_seconds"`
}

type ScoringConfig struct {
	WindowLengthSec int `koanf:"window_length_seconds" json:"window_length_seconds"`
	// SealGraceSec is how long after a window closes the scorer waits for
	// in-flight verification before computing the vector.
	SealGraceSec    int     `koanf:"seal_grace_seconds" json:"seal_grace_seconds"`
	WeightTolerance float64 `koanf:"weight_tolerance" json:"weight_tolerance"`
}

type PublisherConfig struct {
	InitialBackoffSec int `koanf:"initial_backoff_seconds" json:"initial_backoff_seconds"`
	MaxBackoffSec     int `koanf:"max_backoff_seconds" json:"max_backoff_seconds"`
	MaxAttempts       int `koanf:"max_attempts" json:"max_attempts"`
}

func (c ApiConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c TrainerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c SchedulerConfig) UnitDeadline() time.Duration {
	return time.Duration(c.UnitDeadlineSec) * time.Second
}

func (c SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c VerificationConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSec) * time.Second
}

func (c VerificationConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c ScoringConfig) WindowLength() time.Duration {
	return time.Duration(c.WindowLengthSec) * time.Second
}

func (c ScoringConfig) SealGrace() time.Duration {
	return time.Duration(c.SealGraceSec) * time.Second
}

func (c PublisherConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSec) * time.Second
}

func (c PublisherConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

// Validate checks the fields the daemon cannot start without. Returns every
// problem found so operators fix a config file in one pass.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Api.PublicServerPort <= 0 || cfg.Api.PublicServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("api.public_server_port must be between 1 and 65535, got %d", cfg.Api.PublicServerPort))
	}
	if cfg.Api.AdminServerPort <= 0 || cfg.Api.AdminServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("api.admin_server_port must be between 1 and 65535, got %d", cfg.Api.AdminServerPort))
	}
	if cfg.Scheduler.MaxUnitsPerNode <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.max_units_per_node must be greater than 0, got %d", cfg.Scheduler.MaxUnitsPerNode))
	}
	if cfg.Scheduler.ReplicaFactor <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.replica_factor must be greater than 0, got %d", cfg.Scheduler.ReplicaFactor))
	}
	if cfg.Verification.QuorumSize <= 0 {
		errs = append(errs, fmt.Sprintf("verification.quorum_size must be greater than 0, got %d", cfg.Verification.QuorumSize))
	}
	if cfg.Verification.QuorumSize > cfg.Scheduler.ReplicaFactor {
		errs = append(errs, fmt.Sprintf("verification.quorum_size (%d) cannot exceed scheduler.replica_factor (%d)",
			cfg.Verification.QuorumSize, cfg.Scheduler.ReplicaFactor))
	}
	if cfg.Verification.SampleFraction < 0 || cfg.Verification.SampleFraction > 1 {
		errs = append(errs, fmt.Sprintf("verification.sample_fraction must be in [0,1], got %f", cfg.Verification.SampleFraction))
	}
	if cfg.Scoring.WindowLengthSec <= 0 {
		errs = append(errs, fmt.Sprintf("scoring.window_length_seconds must be greater than 0, got %d", cfg.Scoring.WindowLengthSec))
	}
	if cfg.Validation.MaxPayloadBytes <= 0 {
		errs = append(errs, fmt.Sprintf("validation.max_payload_bytes must be greater than 0, got %d", cfg.Validation.MaxPayloadBytes))
	}
	if cfg.Registry.MissedBeatsProbation <= 0 {
		errs = append(errs, fmt.Sprintf("registry.missed_beats_probation must be greater than 0, got %d", cfg.Registry.MissedBeatsProbation))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

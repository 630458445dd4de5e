package apiconfig

import (
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	configPathEnv = "ORCH_CONFIG"
	envPrefix     = "ORCH_"
)

// ConfigManager is the single owner of the daemon's configuration. Reads go
// through accessors so callers never hold a reference into a struct that a
// reload may replace.
type ConfigManager struct {
	mu     sync.RWMutex
	config *Config
}

// Defaults returns the documented fallback configuration. Policy thresholds
// (replica factor, quorum size, ban thresholds) are deliberately listed here
// rather than scattered through the code.
func Defaults() *Config {
	return &Config{
		Api: ApiConfig{
			PublicServerPort:  9100,
			AdminServerPort:   9101,
			RequestTimeoutSec: 15,
			RateLimitPerMin:   300,
			RateLimitBurst:    30,
			SignatureMaxAge:   30,
		},
		ChainNode: ChainNodeConfig{
			Url:           "http://localhost:26657",
			AccountPrefix: "orch",
		},
		Store: StoreConfig{
			SqlitePath: "orchestrator.db",
		},
		Nats: NatsServerConfig{
			Host:                  "0.0.0.0",
			Port:                  4222,
			StoreDir:              ".orchestrator/nats",
			MaxMessagesAgeSeconds: 24 * 60 * 60,
		},
		Trainer: TrainerConfig{
			RequestTimeoutSec: 120,
		},
		Registry: RegistryConfig{
			HeartbeatIntervalSec: 10,
			MissedBeatsProbation: 3,
			RejectionThreshold:   5,
			SuspectThreshold:     3,
			FraudBanThreshold:    2,
			IdleWindowsProbation: 4,
		},
		Scheduler: SchedulerConfig{
			MaxUnitsPerNode:    4,
			UnitDeadlineSec:    300,
			DeadlineBackoffMax: 3600,
			MaxRetries:         5,
			SweepIntervalSec:   10,
			ReplicaFactor:      3,
		},
		Validation: ValidationConfig{
			MaxPayloadBytes: 8 << 30,
			MaxStepCount:    1 << 20,
		},
		Verification: VerificationConfig{
			WorkerCount:       10,
			SampleFraction:    0.1,
			QuorumSize:        2,
			NumericTolerance:  1e-4,
			MaxRetries:        15,
			RetryBackoffSec:   3,
			RequestTimeoutSec: 20,
		},
		Scoring: ScoringConfig{
			WindowLengthSec: 600,
			SealGraceSec:    60,
			WeightTolerance: 1e-9,
		},
		Publisher: PublisherConfig{
			InitialBackoffSec: 2,
			MaxBackoffSec:     120,
			MaxAttempts:       8,
		},
	}
}

// LoadConfigManager layers defaults, an optional YAML file (ORCH_CONFIG),
// and ORCH_-prefixed environment variables, highest last.
func LoadConfigManager() (*ConfigManager, error) {
	cfg := Defaults()

	k := koanf.New(".")

	if path := os.Getenv(configPathEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// ORCH_SCHEDULER_REPLICA_FACTOR -> scheduler.replica_factor. Only the
	// first underscore becomes a separator; section names and field names
	// keep theirs.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return &ConfigManager{config: cfg}, nil
}

// NewConfigManager wraps an already-built Config. Tests use this.
func NewConfigManager(cfg *Config) *ConfigManager {
	return &ConfigManager{config: cfg}
}

func (m *ConfigManager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

func (m *ConfigManager) GetApiConfig() ApiConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Api
}

func (m *ConfigManager) GetChainNodeConfig() ChainNodeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ChainNode
}

func (m *ConfigManager) GetStoreConfig() StoreConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Store
}

func (m *ConfigManager) GetNatsConfig() NatsServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Nats
}

func (m *ConfigManager) GetTrainerConfig() TrainerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Trainer
}

func (m *ConfigManager) GetRegistryConfig() RegistryConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Registry
}

func (m *ConfigManager) GetSchedulerConfig() SchedulerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Scheduler
}

func (m *ConfigManager) GetValidationConfig() ValidationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Validation
}

func (m *ConfigManager) GetVerificationConfig() VerificationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Verification
}

func (m *ConfigManager) GetScoringConfig() ScoringConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Scoring
}

func (m *ConfigManager) GetPublisherConfig() PublisherConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Publisher
}

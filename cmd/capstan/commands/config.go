package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/capstan-io/capstan/pkg/runner"
	"github.com/capstan-io/capstan/pkg/telemetry"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "capstan.yaml"

// Config is the capstan.yaml document.
type Config struct {
	DataDir         string         `yaml:"data_dir" validate:"required"`
	Database        DatabaseConfig `yaml:"database"`
	Cache           CacheConfig    `yaml:"cache"`
	CapabilitiesDir string         `yaml:"capabilities_dir" validate:"required"`
	ErrorPatterns   string         `yaml:"error_patterns,omitempty"`
	Policies        []string       `yaml:"policies,omitempty"`
	Runner          RunnerConfig   `yaml:"runner"`
	Provider        ProviderConfig `yaml:"provider"`
	Healing         HealingConfig  `yaml:"healing"`
	Execution       ExecConfig     `yaml:"execution"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DatabaseConfig locates the state database.
type DatabaseConfig struct {
	// Path defaults to <data_dir>/capstan.db.
	Path            string        `yaml:"path,omitempty"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// CacheConfig sets how long provider lookups stay fresh.
type CacheConfig struct {
	ResourceTTL time.Duration `yaml:"resource_ttl" validate:"gte=0"`
	ListTTL     time.Duration `yaml:"list_ttl" validate:"gte=0"`
}

// RunnerConfig selects where step commands run.
type RunnerConfig struct {
	Type  string            `yaml:"type" validate:"oneof=local ssh"`
	Shell string            `yaml:"shell,omitempty"`
	SSH   *runner.SSHConfig `yaml:"ssh,omitempty" validate:"required_if=Type ssh"`
}

// ProviderConfig is how resources are looked up on a cache miss. An empty
// query disables provider lookups.
type ProviderConfig struct {
	Query           string   `yaml:"query,omitempty"`
	NotFoundMarkers []string `yaml:"not_found_markers,omitempty"`
}

// HealingConfig controls self-healing retries.
type HealingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gte=0"`
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gte=0"`
}

// ExecConfig holds executor defaults.
type ExecConfig struct {
	DefaultStepTimeout  time.Duration `yaml:"default_step_timeout" validate:"gte=0"`
	RollbackFailedSteps bool          `yaml:"rollback_failed_steps"`
}

// DefaultConfig returns the configuration for a workspace rooted at dir.
func DefaultConfig(dir string) *Config {
	dataDir := filepath.Join(dir, "data")
	return &Config{
		DataDir:         dataDir,
		Cache:           CacheConfig{ResourceTTL: 5 * time.Minute, ListTTL: 2 * time.Minute},
		CapabilitiesDir: filepath.Join(dir, "capabilities"),
		ErrorPatterns:   filepath.Join(dir, "error-patterns.yaml"),
		Runner:          RunnerConfig{Type: "local"},
		Healing: HealingConfig{
			Enabled:       true,
			MaxAttempts:   3,
			RetryDelay:    2 * time.Second,
			ScriptTimeout: 5 * time.Second,
		},
		Execution: ExecConfig{DefaultStepTimeout: 30 * time.Minute},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadConfig reads path over the defaults for its directory. A missing
// default file yields the defaults; a missing explicit file is an error.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	cfg := DefaultConfig(filepath.Dir(path))
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.DataDir, "capstan.db")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}


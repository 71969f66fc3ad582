package offline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, as in
// OFFLINE_RENEW_MARGIN=2m.
const EnvPrefix = "OFFLINE"

// Config tunes a Coordinator.
type Config struct {
	// OperationTimeout bounds acquire, renew and query calls made without a
	// caller deadline.
	OperationTimeout time.Duration `yaml:"operation_timeout" envconfig:"OPERATION_TIMEOUT"`
	// ReleaseTimeout bounds release calls made without a caller deadline.
	ReleaseTimeout time.Duration `yaml:"release_timeout" envconfig:"RELEASE_TIMEOUT"`
	// RenewMargin is the remaining license duration at or below which Resume
	// and Maintain renew.
	RenewMargin      time.Duration `yaml:"renew_margin" envconfig:"RENEW_MARGIN"`
	MaintainInterval time.Duration `yaml:"maintain_interval" envconfig:"MAINTAIN_INTERVAL"`
	RenewRetries     int           `yaml:"renew_retries" envconfig:"RENEW_RETRIES"`
	RetryInterval    time.Duration `yaml:"retry_interval" envconfig:"RETRY_INTERVAL"`
	UserAgent        string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	LogLevel         string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogRequests      bool          `yaml:"log_requests" envconfig:"LOG_REQUESTS"`
	HTTP1Only        bool          `yaml:"http1_only" envconfig:"HTTP1_ONLY"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		OperationTimeout: 30 * time.Second,
		ReleaseTimeout:   10 * time.Second,
		RenewMargin:      time.Minute,
		MaintainInterval: 30 * time.Second,
		RenewRetries:     3,
		RetryInterval:    2 * time.Second,
		UserAgent:        "offline/1",
		LogLevel:         "info",
	}
}

// LoadConfig layers the YAML file at path, when path is not empty, and then
// the environment over DefaultConfig, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects settings a Coordinator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation_timeout must be positive"))
	}
	if c.ReleaseTimeout <= 0 {
		errs = append(errs, errors.New("release_timeout must be positive"))
	}
	if c.RenewMargin < 0 {
		errs = append(errs, errors.New("renew_margin must not be negative"))
	}
	if c.MaintainInterval <= 0 {
		errs = append(errs, errors.New("maintain_interval must be positive"))
	}
	if c.RenewRetries < 0 {
		errs = append(errs, errors.New("renew_retries must not be negative"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, errors.New("retry_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Package config resolves txlife settings from defaults, an optional YAML
// file and TXLIFE_* environment variables, in that order of precedence,
// and validates the result against an embedded CUE schema.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/roach88/txlife/internal/dispatcher"
	"github.com/roach88/txlife/internal/feed"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid is returned when a resolved configuration violates the schema.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every tunable of the txlife binary.
type Config struct {
	DBPath string `env:"TXLIFE_DB" mapstructure:"db_path" json:"db_path"`

	Workers              int           `env:"TXLIFE_WORKERS" mapstructure:"workers" json:"workers"`
	QueueDepth           int           `env:"TXLIFE_QUEUE_DEPTH" mapstructure:"queue_depth" json:"queue_depth"`
	MaxConflictRetries   int           `env:"TXLIFE_MAX_CONFLICT_RETRIES" mapstructure:"max_conflict_retries" json:"max_conflict_retries"`
	MaxStorageRetries    int           `env:"TXLIFE_MAX_STORAGE_RETRIES" mapstructure:"max_storage_retries" json:"max_storage_retries"`
	RetryInitialInterval time.Duration `env:"TXLIFE_RETRY_INITIAL_INTERVAL" mapstructure:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `env:"TXLIFE_RETRY_MAX_INTERVAL" mapstructure:"retry_max_interval" json:"retry_max_interval"`
	StorageTimeout       time.Duration `env:"TXLIFE_STORAGE_TIMEOUT" mapstructure:"storage_timeout" json:"storage_timeout"`

	AMQPURL      string `env:"TXLIFE_AMQP_URL" mapstructure:"amqp_url" json:"amqp_url"`
	AMQPQueue    string `env:"TXLIFE_AMQP_QUEUE" mapstructure:"amqp_queue" json:"amqp_queue"`
	AMQPPrefetch int    `env:"TXLIFE_AMQP_PREFETCH" mapstructure:"amqp_prefetch" json:"amqp_prefetch"`

	OTelEndpoint string `env:"TXLIFE_OTEL_ENDPOINT" mapstructure:"otel_endpoint" json:"otel_endpoint"`
	ServiceName  string `env:"TXLIFE_SERVICE_NAME" mapstructure:"service_name" json:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := dispatcher.DefaultConfig()
	return &Config{
		DBPath:               "txlife.db",
		Workers:              d.Workers,
		QueueDepth:           d.QueueDepth,
		MaxConflictRetries:   d.MaxConflictRetries,
		MaxStorageRetries:    d.MaxStorageRetries,
		RetryInitialInterval: d.RetryInitialInterval,
		RetryMaxInterval:     d.RetryMaxInterval,
		StorageTimeout:       d.StorageTimeout,
		AMQPQueue:            "transaction-events",
		AMQPPrefetch:         32,
		ServiceName:          "txlife",
	}
}

// Load resolves the configuration. path may be empty; a named file that
// does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overlays TXLIFE_* variables onto target. Unset variables leave
// fields untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return err
	}

	return v.Unmarshal(cfg)
}

// Validate checks cfg against the embedded schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}
	return nil
}

// Dispatcher returns the dispatcher settings.
func (c *Config) Dispatcher() dispatcher.Config {
	return dispatcher.Config{
		Workers:              c.Workers,
		QueueDepth:           c.QueueDepth,
		MaxConflictRetries:   c.MaxConflictRetries,
		MaxStorageRetries:    c.MaxStorageRetries,
		RetryInitialInterval: c.RetryInitialInterval,
		RetryMaxInterval:     c.RetryMaxInterval,
		StorageTimeout:       c.StorageTimeout,
	}
}

// AMQP returns the broker settings.
func (c *Config) AMQP() feed.AMQPConfig {
	return feed.AMQPConfig{
		URL:      c.AMQPURL,
		Queue:    c.AMQPQueue,
		Prefetch: c.AMQPPrefetch,
	}
}

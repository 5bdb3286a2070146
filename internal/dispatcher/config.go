package dispatcher

import (
	"fmt"
	"time"
)

// Config tunes the dispatcher.
type Config struct {
	// Workers is the number of shards. Each transaction id maps to exactly
	// one shard.
	Workers int

	// QueueDepth bounds each shard queue.
	QueueDepth int

	// MaxConflictRetries bounds re-runs after a lost version race.
	MaxConflictRetries int

	// MaxStorageRetries bounds re-runs after a transient storage failure.
	MaxStorageRetries int

	// RetryInitialInterval and RetryMaxInterval shape the exponential
	// backoff between attempts.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// StorageTimeout caps one apply attempt. Zero means no timeout.
	StorageTimeout time.Duration
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		Workers:              8,
		QueueDepth:           64,
		MaxConflictRetries:   5,
		MaxStorageRetries:    3,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     time.Second,
		StorageTimeout:       5 * time.Second,
	}
}

// Validate checks that c is usable.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("dispatcher config: workers must be >= 1, got %d", c.Workers)
	case c.QueueDepth < 1:
		return fmt.Errorf("dispatcher config: queue depth must be >= 1, got %d", c.QueueDepth)
	case c.MaxConflictRetries < 0:
		return fmt.Errorf("dispatcher config: max conflict retries must be >= 0, got %d", c.MaxConflictRetries)
	case c.MaxStorageRetries < 0:
		return fmt.Errorf("dispatcher config: max storage retries must be >= 0, got %d", c.MaxStorageRetries)
	case c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval:
		return fmt.Errorf("dispatcher config: invalid retry intervals %s..%s", c.RetryInitialInterval, c.RetryMaxInterval)
	case c.StorageTimeout < 0:
		return fmt.Errorf("dispatcher config: negative storage timeout %s", c.StorageTimeout)
	}
	return nil
}

package cosched

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const (
	// MinStackSize is the smallest coroutine stack budget accepted.
	MinStackSize = 16 << 10

	// DefaultStackSize is the default coroutine stack budget.
	DefaultStackSize = 256 << 10

	// DefaultQueueLimit is the default capacity of the default pool's
	// pending queue.
	DefaultQueueLimit = 1024

	// DefaultAIOWorkers is the default number of blocking-I/O threads.
	DefaultAIOWorkers = 4

	// DefaultAIOQueueCapacity bounds outstanding unclaimed jobs.
	DefaultAIOQueueCapacity = 1024

	// DefaultAIOFreeList bounds the number of recycled jobs retained.
	DefaultAIOFreeList = 256
)

// ExceptionPolicy selects what the default exception hook does with
// a failed task.
type ExceptionPolicy string

const (
	// PolicyLog logs the failure and keeps the event loop running.
	PolicyLog ExceptionPolicy = "log"
	// PolicyAbort logs the failure and panics out of the event loop.
	PolicyAbort ExceptionPolicy = "abort"
)

// Config holds every construction-time limit. Nothing here can be
// resized once a Scheduler is built.
type Config struct {
	// WorkerStackSize is the stack budget of default-pool coroutines.
	WorkerStackSize int `toml:"worker_stack_size"`
	// WorkerLimit caps concurrently running default-pool coroutines;
	// 0 means unbounded.
	WorkerLimit int `toml:"worker_limit"`
	// QueueLimit is the capacity of the default pool's pending queue.
	QueueLimit int `toml:"queue_limit"`
	// DedicatedPools lists the task type keys given their own
	// unbounded, non-queueing pool.
	DedicatedPools []DedicatedPoolConfig `toml:"dedicated_pools"`
	// ExceptionPolicy drives the default exception hook.
	ExceptionPolicy ExceptionPolicy `toml:"exception_policy"`
	// AIO configures the blocking-I/O worker pool.
	AIO AIOConfig `toml:"aio"`
}

// DedicatedPoolConfig registers one task type key.
type DedicatedPoolConfig struct {
	Name      string `toml:"name"`
	StackSize int    `toml:"stack_size"`
}

// AIOConfig sizes the asynchronous-I/O subsystem.
type AIOConfig struct {
	Workers       int `toml:"workers"`
	QueueCapacity int `toml:"queue_capacity"`
	FreeList      int `toml:"free_list"`
}

// DefaultConfig returns an unbounded default pool with the default
// stack budget and a log-and-continue exception policy.
func DefaultConfig() Config {
	return Config{
		WorkerStackSize: DefaultStackSize,
		QueueLimit:      DefaultQueueLimit,
		ExceptionPolicy: PolicyLog,
		AIO: AIOConfig{
			Workers:       DefaultAIOWorkers,
			QueueCapacity: DefaultAIOQueueCapacity,
			FreeList:      DefaultAIOFreeList,
		},
	}
}

// ParseConfig decodes TOML over DefaultConfig and validates the
// result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cosched: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cosched: read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate reports the first invalid field as a *ConfigError, or a
// duplicate dedicated pool as ErrDuplicateRegistration.
func (c Config) Validate() error {
	if c.WorkerStackSize < MinStackSize {
		return &ConfigError{
			Field:  "worker_stack_size",
			Reason: fmt.Sprintf("%d is below the minimum of %d bytes", c.WorkerStackSize, MinStackSize),
		}
	}
	if c.WorkerLimit < 0 {
		return &ConfigError{Field: "worker_limit", Reason: "must not be negative"}
	}
	if c.QueueLimit < 0 {
		return &ConfigError{Field: "queue_limit", Reason: "must not be negative"}
	}
	switch c.ExceptionPolicy {
	case PolicyLog, PolicyAbort:
	default:
		return &ConfigError{
			Field:  "exception_policy",
			Reason: fmt.Sprintf("unknown policy %q", c.ExceptionPolicy),
		}
	}
	if err := validateDedicated(c.DedicatedPools); err != nil {
		return err
	}
	return c.AIO.Validate()
}

// Validate checks the worker and queue sizes of the I/O subsystem.
func (c AIOConfig) Validate() error {
	if c.Workers < 1 {
		return &ConfigError{Field: "aio.workers", Reason: "at least one worker is required"}
	}
	if c.QueueCapacity < 1 {
		return &ConfigError{Field: "aio.queue_capacity", Reason: "must be positive"}
	}
	if c.FreeList < 0 {
		return &ConfigError{Field: "aio.free_list", Reason: "must not be negative"}
	}
	return nil
}

func validateDedicated(pools []DedicatedPoolConfig) error {
	seen := make(map[string]struct{}, len(pools))
	for i, p := range pools {
		if p.Name == "" {
			return &ConfigError{
				Field:  fmt.Sprintf("dedicated_pools[%d].name", i),
				Reason: "must not be empty",
			}
		}
		if p.StackSize < MinStackSize {
			return &ConfigError{
				Field:  fmt.Sprintf("dedicated_pools[%d].stack_size", i),
				Reason: fmt.Sprintf("%d is below the minimum of %d bytes", p.StackSize, MinStackSize),
			}
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateRegistration, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

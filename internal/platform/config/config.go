package config

import (
	"fmt"
	"os"
	"time"

	"github.com/oss/geoetl-orchestrator/internal/platform/envutil"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

/*
Config is the orchestration core's boot-time configuration, enumerated
exactly per the external configuration contract: queue lock/renewal
durations, handler timeout, queue names, worker concurrency, and the
handler-local retry policy.

Load reads every key from the environment with a default (the same
GetEnv/GetEnvAsInt idiom the rest of this codebase uses; only the string
keys log their source), then enforces
the harmonization invariant before returning: lock_duration must not
exceed auto_renew_max, and auto_renew_max must equal handler_timeout.
Violating it is a boot-time fatal error, not a warning — a server that
started anyway would eventually redeliver an in-flight task and corrupt
stage-completion counting.
*/
type Config struct {
	LockDuration      time.Duration
	AutoRenewMax      time.Duration
	HandlerTimeout    time.Duration
	MaxDeliveryCount  int
	JobsQueueName     string
	TasksQueueName    string
	MaxConcurrentCalls int
	WorkerCount       int
	InstanceCount     int

	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	DBConnection string
	AppSchema    string

	RedisAddr string
}

func Load(log *logger.Logger) (*Config, error) {
	cfg := &Config{
		LockDuration:       time.Duration(envutil.Int("QUEUE_LOCK_DURATION_SECONDS", 60)) * time.Second,
		AutoRenewMax:       time.Duration(envutil.Int("QUEUE_AUTO_RENEW_MAX_SECONDS", 300)) * time.Second,
		HandlerTimeout:     time.Duration(envutil.Int("HANDLER_TIMEOUT_SECONDS", 300)) * time.Second,
		MaxDeliveryCount:   envutil.Int("QUEUE_MAX_DELIVERY_COUNT", 1),
		JobsQueueName:      getEnv("QUEUE_JOBS_NAME", "jobs", log),
		TasksQueueName:     getEnv("QUEUE_TASKS_NAME", "tasks", log),
		MaxConcurrentCalls: envutil.Int("MAX_CONCURRENT_CALLS", 8),
		WorkerCount:        envutil.Int("WORKER_COUNT", 4),
		InstanceCount:      envutil.Int("INSTANCE_COUNT", 1),

		RetryMax:       envutil.Int("RETRY_MAX", 3),
		RetryBaseDelay: time.Duration(envutil.Int("RETRY_BASE_DELAY_MS", 250)) * time.Millisecond,
		RetryMaxDelay:  time.Duration(envutil.Int("RETRY_MAX_DELAY_MS", 5000)) * time.Millisecond,

		DBConnection: getEnv("DB_CONNECTION", "", log),
		AppSchema:    getEnv("STORE_APP_SCHEMA", "app", log),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379", log),
	}

	if err := cfg.validateHarmonization(); err != nil {
		if log != nil {
			log.Fatal("queue configuration violates harmonization invariant", "error", err)
		}
		return nil, err
	}
	if cfg.JobsQueueName == "" || cfg.TasksQueueName == "" {
		return nil, fmt.Errorf("queue.jobs_name and queue.tasks_name must be non-empty")
	}
	if cfg.MaxConcurrentCalls < 1 {
		return nil, fmt.Errorf("max_concurrent_calls must be >= 1")
	}
	if cfg.WorkerCount < 1 || cfg.InstanceCount < 1 {
		return nil, fmt.Errorf("worker_count and instance_count must be >= 1")
	}
	return cfg, nil
}

// validateHarmonization enforces L <= R == handler_timeout (see §4.2).
// Redelivery of an in-flight task before it either completes or is
// abandoned produces duplicate handler invocations and can advance a
// stage prematurely; refusing to start is cheaper than debugging that race.
func (c *Config) validateHarmonization() error {
	if c.MaxDeliveryCount != 1 {
		return fmt.Errorf("queue.max_delivery_count must be 1, got %d", c.MaxDeliveryCount)
	}
	if c.LockDuration <= 0 || c.AutoRenewMax <= 0 || c.HandlerTimeout <= 0 {
		return fmt.Errorf("lock_duration, auto_renew_max and handler_timeout must all be > 0")
	}
	if c.LockDuration > c.AutoRenewMax {
		return fmt.Errorf("queue.lock_duration (%s) must be <= queue.auto_renew_max (%s)", c.LockDuration, c.AutoRenewMax)
	}
	if c.AutoRenewMax != c.HandlerTimeout {
		return fmt.Errorf("queue.auto_renew_max (%s) must equal handler_timeout (%s)", c.AutoRenewMax, c.HandlerTimeout)
	}
	return nil
}

func getEnv(key, defaultVal string, log *logger.Logger) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "env_var", key, "default", defaultVal)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found", "env_var", key)
	}
	return val
}

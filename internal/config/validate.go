package config

import (
	"errors"
	"fmt"
)

/*
Validation covers every section the process uses at startup:
- Database driver and DSN
- Queue backend with its Redis or NATS connection
- Worker queues and concurrency
- Retry and sweep timings
- Storage backend
- Logging
*/

func (c *Config) Validate() error {
	// Database config
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite', got '%s'", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Database.Driver == "postgres" && c.Database.MaxConns <= 0 {
		return errors.New("database.max_conns must be positive for postgres")
	}

	// Queue config
	switch c.Queue.Backend {
	case "asynq":
		if c.Redis.Address == "" {
			return errors.New("redis.address is required when queue.backend is asynq")
		}
	case "nats":
		if c.Queue.NATS.URL == "" {
			return errors.New("queue.nats.url is required when queue.backend is nats")
		}
		if c.Queue.NATS.Stream == "" {
			return errors.New("queue.nats.stream is required when queue.backend is nats")
		}
	case "memory":
		if c.Database.Driver != "sqlite" {
			return errors.New("queue.backend memory only supports database.driver sqlite")
		}
	default:
		return fmt.Errorf("queue.backend must be 'asynq', 'nats' or 'memory', got '%s'", c.Queue.Backend)
	}
	if c.Queue.JobQueue == "" || c.Queue.TaskQueue == "" {
		return errors.New("queue.job_queue and queue.task_queue are required")
	}
	if c.Queue.JobQueue == c.Queue.TaskQueue {
		return errors.New("queue.job_queue and queue.task_queue must differ")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return errors.New("queue.visibility_timeout must be positive")
	}

	// Worker config
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if c.Queue.Backend == "asynq" {
		if len(c.Worker.Queues) == 0 {
			return errors.New("worker.queues must define at least one queue")
		}
		for name, priority := range c.Worker.Queues {
			if name == "" {
				return errors.New("worker.queues contains an empty queue name")
			}
			if priority <= 0 {
				return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
			}
		}
		for _, name := range []string{c.Queue.JobQueue, c.Queue.TaskQueue} {
			if _, ok := c.Worker.Queues[name]; !ok {
				return fmt.Errorf("worker.queues must include queue '%s'", name)
			}
		}
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker.heartbeat_interval must be positive")
	}

	// Retry config
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay (%s) must be non-negative and not exceed retry.max_delay (%s)",
			c.Retry.BaseDelay, c.Retry.MaxDelay)
	}

	// Sweep config
	if c.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive")
	}
	if c.Sweep.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("sweep.stale_after (%s) must exceed worker.heartbeat_interval (%s)",
			c.Sweep.StaleAfter, c.Worker.HeartbeatInterval)
	}
	if c.Sweep.BatchSize <= 0 {
		return errors.New("sweep.batch_size must be positive")
	}

	// Storage config
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Root == "" {
			return errors.New("storage.root is required when storage.backend is local")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required when storage.backend is s3")
		}
	default:
		return fmt.Errorf("storage.backend must be 'local' or 's3', got '%s'", c.Storage.Backend)
	}

	// Log config
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got '%s'", c.Log.Format)
	}

	return nil
}

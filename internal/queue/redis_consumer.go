/**
 * Direct Redis Queue Consumer for the image translation worker
 *
 * Uses plain Redis LIST operations so any producer that can LPUSH a job id
 * and HSET its payload can feed the worker.
 *
 * Keys (prefix = queue name):
 *   <q>             list of job ids
 *   <q>:data        hash id -> RedisJobData JSON
 *   <q>:processing  set of job ids in flight
 *   <q>:completed   set of completed job ids
 *   <q>:failed      set of failed job ids
 *   <q>:results     hash job id -> ResultRecord JSON
 *   <q>:errors      hash job id -> error JSON
 *   <q>:events      pub/sub channel for job status
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/processor"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultQueueName   = "imagetranslate:jobs"
	DefaultPollTimeout = 5 * time.Second
)

var errNoJobs = stderrors.New("no jobs available")

// ResultRecord is stored in <q>:results for completed jobs
type ResultRecord struct {
	*processor.Result
	OverlayPNG string `json:"overlayPng,omitempty"` // base64
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *Runner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL string
	// Client overrides RedisURL when set
	Client      *redis.Client
	QueueName   string
	Runner      *Runner
	Workers     int // defaults to the controller's maximum concurrency
	PollTimeout time.Duration
	IdleDelay   time.Duration
	Logger      *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.Runner.Controller().Stats().Max
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("RedisConsumer")
	}

	client := cfg.Client
	if client == nil {
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("RedisURL is required")
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client = redis.NewClient(opt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, stop := context.WithCancel(context.Background())
	return &RedisConsumer{
		client: client,
		runner: cfg.Runner,
		config: cfg,
		logger: cfg.Logger,
		ctx:    consumerCtx,
		cancel: stop,
	}, nil
}

// Client returns the underlying Redis client
func (c *RedisConsumer) Client() *redis.Client { return c.client }

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "workers", c.config.Workers, "queue", c.config.QueueName)

	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop gracefully stops the consumer. Jobs interrupted by the stop are put
// back on the queue.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	if c.config.Client != nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		if c.ctx.Err() != nil {
			c.logger.Debug("Worker stopping", "worker", id)
			return
		}
		if c.runner.Controller().Stats().Halted {
			c.sleep(c.config.IdleDelay)
			continue
		}
		if err := c.processNextJob(); err != nil {
			if err != errNoJobs && c.ctx.Err() == nil {
				c.logger.Warn("Worker error", "worker", id, "error", err)
				c.sleep(c.config.IdleDelay)
			}
		}
	}
}

func (c *RedisConsumer) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.ctx.Done():
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	id := result[1]

	raw, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = id
	}

	c.client.SAdd(c.ctx, c.key("processing"), id)
	c.publish(id, "processing")

	res, outcome, runErr := c.runner.Run(c.ctx, &job.Payload)

	// Queue bookkeeping must finish even while shutting down
	ctx := context.WithoutCancel(c.ctx)
	switch outcome {
	case OutcomeCompleted:
		c.markCompleted(ctx, id, res)

	case OutcomeDuplicate:
		c.client.SRem(ctx, c.key("processing"), id)

	case OutcomeRequeue:
		c.runner.Redeliver(&job.Payload)
		c.client.SRem(ctx, c.key("processing"), id)
		c.client.RPush(ctx, c.config.QueueName, id)
		c.publish(id, "requeued")

	default:
		job.Attempts++
		if job.Attempts < job.MaxRetries {
			c.runner.Redeliver(&job.Payload)
			updated, _ := json.Marshal(job)
			c.client.HSet(ctx, c.key("data"), id, updated)
			c.client.SRem(ctx, c.key("processing"), id)
			c.client.LPush(ctx, c.config.QueueName, id)
			c.logger.Info("Job re-queued for retry", "job", id, "attempt", job.Attempts, "max", job.MaxRetries)
			return nil
		}
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		c.markFailed(id, map[string]interface{}{
			"error":    errMsg,
			"attempts": job.Attempts,
		})
	}
	return nil
}

func (c *RedisConsumer) markCompleted(ctx context.Context, id string, res *processor.Result) {
	c.client.SRem(ctx, c.key("processing"), id)
	c.client.SAdd(ctx, c.key("completed"), id)
	if res != nil {
		rec := ResultRecord{Result: res}
		if len(res.OverlayPNG) > 0 {
			rec.OverlayPNG = base64.StdEncoding.EncodeToString(res.OverlayPNG)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			c.logger.Warn("Failed to marshal result", "job", id, "error", err)
		} else {
			c.client.HSet(ctx, c.key("results"), id, data)
		}
	}
	c.publish(id, "completed")
}

func (c *RedisConsumer) markFailed(id string, detail map[string]interface{}) {
	ctx := context.WithoutCancel(c.ctx)
	c.client.SRem(ctx, c.key("processing"), id)
	c.client.SAdd(ctx, c.key("failed"), id)
	data, _ := json.Marshal(detail)
	c.client.HSet(ctx, c.key("errors"), id, data)
	c.publish(id, "failed")
}

// publish announces a job status change on <q>:events
func (c *RedisConsumer) publish(jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	data, _ := json.Marshal(event)
	c.client.Publish(context.WithoutCancel(c.ctx), c.key("events"), data)
}

// Enqueue stores job and pushes its id, the same way an external producer
// would
func (c *RedisConsumer) Enqueue(ctx context.Context, job *RedisJobData) error {
	if job.ID == "" {
		job.ID = job.Payload.JobID
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.ID, data)
	pipe.LPush(ctx, c.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}

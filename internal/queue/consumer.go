/**
 * Asynq Queue Consumer for the image translation worker
 *
 * Alternative transport to the list consumer: jobs arrive as asynq tasks of
 * type image:translate and asynq owns delivery, retries and archiving.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskTypeTranslate is the asynq task type for one image
const TaskTypeTranslate = "image:translate"

// Consumer handles job consumption from an asynq queue
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *Runner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int // defaults to the controller's maximum concurrency
	Runner      *Runner
	Logger      *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.Runner.Controller().Stats().Max
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("AsynqConsumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	c := &Consumer{
		mux:    asynq.NewServeMux(),
		runner: cfg.Runner,
		config: cfg,
		logger: cfg.Logger,
	}

	c.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				c.logger.Warn("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)
	c.mux.HandleFunc(TaskTypeTranslate, c.handleTranslate)

	return c, nil
}

// retryDelay backs off 5s, 10s, 20s... capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()
	return nil
}

// handleTranslate processes one image:translate task
func (c *Consumer) handleTranslate(ctx context.Context, task *asynq.Task) error {
	var job ImageJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	_, outcome, err := c.runner.Run(ctx, &job)
	switch outcome {
	case OutcomeCompleted, OutcomeDuplicate:
		return nil
	case OutcomeRequeue:
		// Let asynq redeliver after its retry delay
		c.runner.Redeliver(&job)
		return fmt.Errorf("deferred: %w", err)
	}
	if verr := job.Validate(); verr != nil {
		return fmt.Errorf("%v: %w", verr, asynq.SkipRetry)
	}
	c.runner.Redeliver(&job)
	return fmt.Errorf("image processing failed: %w", err)
}

// Producer enqueues image:translate tasks
type Producer struct {
	client    *asynq.Client
	queueName string
}

// NewProducer creates a producer for queueName
func NewProducer(redisURL, queueName string) (*Producer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return &Producer{client: asynq.NewClient(redisOpt), queueName: queueName}, nil
}

// NewTranslateTask builds the task for job, assigning a job id when missing
func NewTranslateTask(job *ImageJob) (*asynq.Task, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeTranslate, payload), nil
}

// Enqueue submits job. The job id doubles as the asynq task id so a job is
// queued at most once.
func (p *Producer) Enqueue(ctx context.Context, job *ImageJob, maxRetry int) (*asynq.TaskInfo, error) {
	task, err := NewTranslateTask(job)
	if err != nil {
		return nil, err
	}
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(p.queueName),
		asynq.TaskID(job.JobID),
		asynq.MaxRetry(maxRetry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info, nil
}

// Close closes the producer's client
func (p *Producer) Close() error {
	return p.client.Close()
}

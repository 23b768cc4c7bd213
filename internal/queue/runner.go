package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/adverant/nexus/imagetranslate-worker/internal/events"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/processor"
	"github.com/adverant/nexus/imagetranslate-worker/internal/scheduler"
	"github.com/adverant/nexus/imagetranslate-worker/internal/storage"
)

// DefaultProcessingTimeout bounds one job including retries
const DefaultProcessingTimeout = 5 * time.Minute

// StatusStore persists job status. *storage.PostgresClient implements it.
type StatusStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Outcome tells a consumer what to do with a delivered job
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	// OutcomeRequeue means the job should be delivered again after the
	// controller resumes
	OutcomeRequeue
	// OutcomeDuplicate means the same item is already done or in flight
	OutcomeDuplicate
)

// RunnerConfig holds runner configuration
type RunnerConfig struct {
	Processor  processor.ImageProcessorInterface
	Controller *scheduler.Controller
	Store      StatusStore // optional
	Timeout    time.Duration
	Logger     *logging.Logger
}

// Runner pushes queue jobs through the concurrency controller and the image
// processor. Both queue consumers share it.
type Runner struct {
	config RunnerConfig
	logger *logging.Logger
}

// NewRunner creates a runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("Controller is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProcessingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Runner")
	}
	return &Runner{config: cfg, logger: cfg.Logger}, nil
}

// Controller returns the controller jobs run under
func (r *Runner) Controller() *scheduler.Controller { return r.config.Controller }

// Run processes one job and records its status. The error is nil for
// completed jobs.
func (r *Runner) Run(ctx context.Context, job *ImageJob) (*processor.Result, Outcome, error) {
	log := r.logger.With("job", job.JobID, "item", job.ID())
	if err := job.Validate(); err != nil {
		return nil, OutcomeFailed, err
	}

	processCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	recorder := &events.Recorder{}
	var result *processor.Result

	err := r.config.Controller.Do(processCtx, job, func(itemCtx context.Context, _ scheduler.Item) error {
		r.store(ctx, job, storage.StatusProcessing, nil, nil, nil)
		req := job.Request()
		req.Events = recorder
		res, err := r.config.Processor.Process(itemCtx, req)
		result = res
		return err
	})

	switch {
	case err == nil:
		r.store(ctx, job, storage.StatusCompleted, result, recorder, nil)
		log.Info("Job completed", "boxes", len(result.Boxes), "skipped", result.Skipped, "duration_ms", result.ProcessingTimeMs)
		return result, OutcomeCompleted, nil

	case stderrors.Is(err, scheduler.ErrSkipped):
		log.Debug("Duplicate delivery ignored")
		return nil, OutcomeDuplicate, err

	case stderrors.Is(err, scheduler.ErrHalted), errors.CodeOf(err) == errors.ErrorServiceDegraded:
		r.store(ctx, job, storage.StatusHalted, result, recorder, err)
		log.Warn("Job deferred until translation recovers", "error", err)
		return result, OutcomeRequeue, err

	case ctx.Err() != nil:
		log.Info("Job interrupted by shutdown")
		return result, OutcomeRequeue, err

	case processCtx.Err() == context.DeadlineExceeded:
		timeoutErr := errors.NewProcessingTimeoutError(job.JobID, r.config.Timeout, err)
		r.store(ctx, job, storage.StatusFailed, result, recorder, timeoutErr)
		log.Warn("Job timed out", "timeout", r.config.Timeout)
		return result, OutcomeFailed, timeoutErr
	}

	r.store(ctx, job, storage.StatusFailed, result, recorder, err)
	log.Warn("Job failed", "code", errors.CodeOf(err), "error", err)
	return result, OutcomeFailed, err
}

// Redeliver forgets the controller state for job so a requeued delivery is
// processed from scratch
func (r *Runner) Redeliver(job *ImageJob) {
	r.config.Controller.Rescan(job.ID())
}

func (r *Runner) store(ctx context.Context, job *ImageJob, status string, res *processor.Result, rec *events.Recorder, cause error) {
	if r.config.Store == nil {
		return
	}

	update := &storage.JobUpdate{
		JobID:          job.JobID,
		ItemID:         job.ID(),
		Source:         job.Source,
		Status:         status,
		TargetLanguage: job.TargetLanguage,
	}
	if res != nil {
		update.OCREngine = res.OCREngine
		update.RegionCount = len(res.Regions)
		update.BoxCount = len(res.Boxes)
		update.Degraded = res.Degraded
		update.Skipped = res.Skipped
		update.ProcessingTimeMs = res.ProcessingTimeMs
	}
	if rec != nil {
		for _, t := range rec.Types() {
			update.Events = append(update.Events, string(t))
		}
	}
	if cause != nil {
		update.ErrorCode = string(errors.CodeOf(cause))
		update.ErrorMessage = cause.Error()
		var pe *errors.ProcessingError
		if stderrors.As(cause, &pe) {
			update.Metadata = pe.ToMap()
		}
	}

	// Status writes must survive a canceled job context
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.config.Store.UpdateJobStatus(storeCtx, update); err != nil {
		r.logger.Warn("Failed to persist job status", "job", job.JobID, "status", status, "error", err)
	}
}

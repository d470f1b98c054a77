package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/config"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/services"
	"meshqueue/internal/stage"
)

const maxCauseMessage = 2048

// Decision tells the worker pool how to settle the delivery.
type Decision string

const (
	Ack  Decision = "ack"
	Nack Decision = "nack"
)

// Outcome is the result of one Execute call.
type Outcome struct {
	Decision Decision
	// State is the job state the executor last observed.
	State jobs.State
	// Finished is set when this delivery moved the job to a terminal state.
	Finished bool
	Err      error
}

// RetryPolicy bounds attempts per stage.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// PolicyFromConfig reads [workers] retry settings.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.Workers.MaxAttempts,
		Backoff:     time.Duration(cfg.Workers.RetryBackoffMS) * time.Millisecond,
	}
}

// Observer receives execution events, typically for metrics.
type Observer interface {
	StageFinished(stage string, outcome stage.Outcome, elapsed time.Duration)
	JobFinished(state jobs.State)
}

// Options wires an Executor.
type Options struct {
	Store    jobs.Store
	Runner   stage.Runner
	Catalog  *stage.Catalog
	Policy   RetryPolicy
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// Executor drives one job through its pipeline. It is the only component
// that decides whether a failed stage is retried.
type Executor struct {
	store    jobs.Store
	runner   stage.Runner
	catalog  *stage.Catalog
	policy   RetryPolicy
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// New validates opts and returns an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("stage runner is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("stage catalog is required")
	}
	if opts.Policy.MaxAttempts <= 0 {
		return nil, errors.New("retry policy needs a positive attempt bound")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:    opts.Store,
		runner:   opts.Runner,
		catalog:  opts.Catalog,
		policy:   opts.Policy,
		logger:   logger,
		observer: opts.Observer,
		now:      now,
	}, nil
}

// Execute runs jobID from its persisted cursor until it reaches a terminal
// state, the context ends, or the job record store fails.
func (e *Executor) Execute(ctx context.Context, jobID string) Outcome {
	ctx = services.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, e.logger)

	job, err := e.store.Get(ctx, jobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		logging.WarnWithContext(logger, "delivery references unknown job", "job_unknown",
			logging.String(logging.FieldErrorHint, "the record was purged or never created"),
			logging.String(logging.FieldImpact, "delivery discarded"),
		)
		return Outcome{Decision: Ack}
	case err != nil:
		return e.storeFailure(logger, "", fmt.Errorf("load job: %w", err))
	case job.State.Terminal():
		logger.Info("job already finished; discarding delivery",
			logging.String(logging.FieldEventType, "job_redelivered_terminal"),
			logging.String("state", string(job.State)),
		)
		return Outcome{Decision: Ack, State: job.State}
	}

	descriptors, err := e.catalog.Resolve(job.Pipeline)
	if err != nil {
		cause := services.Wrap(services.ErrValidation, "", "resolve pipeline", "", err)
		return e.finishFailed(ctx, logger, job, causeOf(cause, "", job.StageAttempts))
	}

	job, outcome, ok := e.start(ctx, logger, job)
	if !ok {
		return outcome
	}

	var lastErr error
	for job.CurrentStageIndex < len(job.Pipeline) {
		desc := descriptors[job.CurrentStageIndex]
		stageCtx := services.WithStage(ctx, desc.Name())
		stageLogger := logging.WithContext(stageCtx, e.logger)

		if job.CancelRequested {
			return e.finishCancelled(stageCtx, stageLogger, job)
		}
		if job.StageAttempts >= e.policy.MaxAttempts {
			if lastErr == nil {
				lastErr = services.Wrap(services.ErrToolExecution, desc.Name(), "retry", fmt.Sprintf("retry budget of %d attempts exhausted", e.policy.MaxAttempts), nil)
			}
			return e.finishFailed(stageCtx, stageLogger, job, causeOf(lastErr, desc.Name(), job.StageAttempts))
		}

		attempt := job.StageAttempts + 1
		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.Attempt(attempt),
			logging.Int("stage_index", job.CurrentStageIndex),
		)
		res := e.runner.Run(stageCtx, stage.Request{
			JobID:      job.ID,
			Descriptor: desc,
			Input:      inputFor(job, descriptors),
			Attempt:    attempt,
		})
		e.stageFinished(desc.Name(), res)

		if res.Outcome == stage.OutcomeInterrupted || ctx.Err() != nil {
			stageLogger.Info("stage interrupted; delivery will be released",
				logging.String(logging.FieldEventType, "stage_interrupted"),
			)
			return Outcome{Decision: Nack, State: job.State, Err: res.Err}
		}

		if res.OK() {
			if err := job.CompleteStage(res.Ref, res.Warnings, e.now()); err != nil {
				return e.transitionFailure(stageLogger, job, err)
			}
			if out, saved := e.save(stageCtx, stageLogger, job); !saved {
				return out
			}
			stageLogger.Info("stage succeeded",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.String("artifact", res.Ref.String()),
				logging.Duration("elapsed", res.Duration),
				logging.Int("warnings", len(res.Warnings)),
			)
			lastErr = nil
			continue
		}

		lastErr = res.Err
		if lastErr == nil {
			lastErr = services.Wrap(services.ErrToolExecution, desc.Name(), "run", string(res.Outcome), nil)
		}
		if !services.Retryable(lastErr, desc.Retryable) || attempt >= e.policy.MaxAttempts {
			job.ConsumeAttempt()
			return e.finishFailed(stageCtx, stageLogger, job, causeOf(lastErr, desc.Name(), attempt))
		}

		if err := job.FailAttempt(e.now()); err != nil {
			return e.transitionFailure(stageLogger, job, err)
		}
		if out, saved := e.save(stageCtx, stageLogger, job); !saved {
			return out
		}
		logging.WarnWithContext(stageLogger, "stage failed; retrying", "stage_retry",
			logging.Attempt(attempt),
			logging.String(logging.FieldErrorKind, string(services.KindOf(lastErr))),
			logging.Duration("backoff", e.policy.Backoff),
			logging.Error(lastErr),
			logging.String(logging.FieldErrorHint, "inspect the tool log tail in the error"),
			logging.String(logging.FieldImpact, "stage will be retried"),
		)

		if err := sleep(ctx, e.policy.Backoff); err != nil {
			return Outcome{Decision: Nack, State: job.State, Err: err}
		}
		reloaded, err := e.store.Get(ctx, job.ID)
		if err != nil {
			return e.storeFailure(stageLogger, job.State, fmt.Errorf("reload job: %w", err))
		}
		job = reloaded
		if job.State.Terminal() {
			return Outcome{Decision: Ack, State: job.State}
		}
		if job.CancelRequested {
			return e.finishCancelled(stageCtx, stageLogger, job)
		}
		if err := job.Start(e.now()); err != nil {
			return e.transitionFailure(stageLogger, job, err)
		}
		if out, saved := e.save(stageCtx, stageLogger, job); !saved {
			return out
		}
	}

	if job.State == jobs.StateSucceeded {
		e.jobFinished(job.State)
		logger.Info("job succeeded",
			logging.String(logging.FieldEventType, "job_succeeded"),
			logging.Int("artifacts", len(job.ArtifactRefs)),
			logging.Int("warnings", len(job.Warnings)),
		)
	}
	return Outcome{Decision: Ack, State: job.State, Finished: job.State == jobs.StateSucceeded}
}

// start moves a freshly delivered job into RUNNING. Jobs already RUNNING
// were orphaned by a crashed or interrupted holder and continue from their
// cursor.
func (e *Executor) start(ctx context.Context, logger *slog.Logger, job *jobs.Job) (*jobs.Job, Outcome, bool) {
	for attempt := 0; attempt < 5; attempt++ {
		switch {
		case job.State.Terminal():
			logger.Info("job finished before it started; discarding delivery",
				logging.String(logging.FieldEventType, "job_skipped"),
				logging.String("state", string(job.State)),
			)
			return nil, Outcome{Decision: Ack, State: job.State}, false
		case job.State == jobs.StateRunning:
			logger.Info("resuming orphaned job",
				logging.String(logging.FieldEventType, "job_resumed"),
				logging.Int("stage_index", job.CurrentStageIndex),
				logging.Int("stage_attempts", job.StageAttempts),
			)
			return job, Outcome{}, true
		}

		if err := job.Start(e.now()); err != nil {
			return nil, e.transitionFailure(logger, job, err), false
		}
		err := e.store.Save(ctx, job)
		if err == nil {
			logger.Info("job started",
				logging.String(logging.FieldEventType, "job_start"),
				logging.Any("pipeline", job.Pipeline),
			)
			return job, Outcome{}, true
		}
		if !errors.Is(err, jobs.ErrConflict) && !errors.Is(err, jobs.ErrTerminal) {
			return nil, e.storeFailure(logger, job.State, fmt.Errorf("start job: %w", err)), false
		}
		reloaded, getErr := e.store.Get(ctx, job.ID)
		if getErr != nil {
			return nil, e.storeFailure(logger, job.State, fmt.Errorf("reload job: %w", getErr)), false
		}
		job = reloaded
	}
	return nil, Outcome{Decision: Nack, State: job.State, Err: fmt.Errorf("%w: start of job %s kept conflicting", jobs.ErrConflict, job.ID)}, false
}

// save persists job. When it fails the returned outcome ends execution.
func (e *Executor) save(ctx context.Context, logger *slog.Logger, job *jobs.Job) (Outcome, bool) {
	err := e.store.Save(ctx, job)
	switch {
	case err == nil:
		return Outcome{}, true
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, jobs.ErrTerminal):
		// Another holder owns the record now (our lease expired and the
		// job was redelivered). Its delivery will settle the job.
		logging.WarnWithContext(logger, "job record changed under executor; yielding", "job_ownership_lost",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "raise broker.visibility_timeout if heartbeats are missed"),
			logging.String(logging.FieldImpact, "this delivery is dropped"),
		)
		return Outcome{Decision: Ack, State: job.State, Err: err}, false
	default:
		return e.storeFailure(logger, job.State, fmt.Errorf("save job: %w", err)), false
	}
}

func (e *Executor) finishFailed(ctx context.Context, logger *slog.Logger, job *jobs.Job, cause jobs.Cause) Outcome {
	if err := job.Fail(cause, e.now()); err != nil {
		return e.transitionFailure(logger, job, err)
	}
	if out, saved := e.save(ctx, logger, job); !saved {
		return out
	}
	e.jobFinished(job.State)
	logging.ErrorWithContext(logger, "job failed", "job_failed",
		logging.Cause(cause.Kind, cause.Code),
		logging.Attempt(cause.Attempt),
		logging.String("error_message", cause.Message),
		logging.String(logging.FieldErrorHint, "check the stage tool and its configured arguments"),
	)
	return Outcome{Decision: Ack, State: job.State, Finished: true}
}

func (e *Executor) finishCancelled(ctx context.Context, logger *slog.Logger, job *jobs.Job) Outcome {
	if err := job.Cancel(e.now()); err != nil {
		return e.transitionFailure(logger, job, err)
	}
	if out, saved := e.save(ctx, logger, job); !saved {
		return out
	}
	e.jobFinished(job.State)
	logger.Info("job cancelled",
		logging.String(logging.FieldEventType, "job_cancelled"),
		logging.Int("stage_index", job.CurrentStageIndex),
		logging.Int("artifacts", len(job.ArtifactRefs)),
	)
	return Outcome{Decision: Ack, State: job.State, Finished: true}
}

func (e *Executor) storeFailure(logger *slog.Logger, state jobs.State, err error) Outcome {
	logging.ErrorWithContext(logger, "job record store failed", "job_store_error",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the job store backend"),
	)
	return Outcome{Decision: Nack, State: state, Err: err}
}

// transitionFailure handles an illegal in-memory transition. It can only
// follow a state the executor did not expect, so the delivery is dropped.
func (e *Executor) transitionFailure(logger *slog.Logger, job *jobs.Job, err error) Outcome {
	logging.ErrorWithContext(logger, "job transition rejected", "job_transition_error",
		logging.String("state", string(job.State)),
		logging.Error(err),
	)
	return Outcome{Decision: Ack, State: job.State, Err: err}
}

func (e *Executor) stageFinished(name string, res stage.Result) {
	if e.observer != nil {
		e.observer.StageFinished(name, res.Outcome, res.Duration)
	}
}

func (e *Executor) jobFinished(state jobs.State) {
	if e.observer != nil {
		e.observer.JobFinished(state)
	}
}

// inputFor returns the artifact the current stage consumes: the output of
// the latest model-producing stage, else the upload.
func inputFor(job *jobs.Job, descriptors []stage.Descriptor) artifacts.Ref {
	produces := make(map[string]stage.Produces, len(descriptors))
	for _, d := range descriptors {
		produces[d.Name()] = d.Produces
	}
	input := job.InputRef
	for _, entry := range job.ArtifactRefs {
		if produces[entry.Stage] == stage.ProducesModel {
			input = entry.Ref
		}
	}
	return input
}

func causeOf(err error, stageName string, attempt int) jobs.Cause {
	details := services.Details(err)
	message := details.Message
	if len(message) > maxCauseMessage {
		message = message[len(message)-maxCauseMessage:]
	}
	return jobs.Cause{
		Kind:    string(details.Kind),
		Code:    details.Code,
		Stage:   stageName,
		Message: message,
		Attempt: attempt,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/broker"
	"meshqueue/internal/config"
	"meshqueue/internal/deps"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/metrics"
	"meshqueue/internal/services"
	"meshqueue/internal/stage"
	"meshqueue/internal/workflow"
)

const autoConvertExtension = ".3mf"

// PoolStatus reports the local worker pool, when one runs in this process.
type PoolStatus interface {
	Status() workflow.StatusSummary
}

// ServiceOptions wires the front door to its collaborators.
type ServiceOptions struct {
	Store           jobs.Store
	Broker          broker.Broker
	Artifacts       artifacts.Store
	Catalog         *stage.Catalog
	MaxUploadBytes  int64
	Extensions      []string
	DefaultPipeline []string
	AutoConvert     bool
	BrokerBackend   string
	Metrics         *metrics.Metrics
	Pool            PoolStatus
	Logger          *slog.Logger
	Now             func() time.Time
}

// OptionsFromConfig fills the [api] settings; callers add the collaborators.
func OptionsFromConfig(cfg *config.Config) ServiceOptions {
	return ServiceOptions{
		MaxUploadBytes:  cfg.MaxUploadBytes(),
		Extensions:      append([]string(nil), cfg.API.SupportedExtensions...),
		DefaultPipeline: append([]string(nil), cfg.API.DefaultPipeline...),
		AutoConvert:     cfg.API.AutoConvert,
		BrokerBackend:   cfg.Broker.Backend,
	}
}

// SubmitRequest is one upload at the front door.
type SubmitRequest struct {
	Pipeline []string
	Filename string
	// Size is the declared size; -1 when unknown. The body is limited either way.
	Size int64
	Body io.Reader
}

// Service implements the front door operations shared by the HTTP surface
// and tests. It never runs tools itself.
type Service struct {
	opts      ServiceOptions
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time
}

// NewService validates opts and builds a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil || opts.Broker == nil || opts.Artifacts == nil || opts.Catalog == nil {
		return nil, errors.New("api service requires store, broker, artifacts and catalog")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, errors.New("api service requires a positive upload limit")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		opts:      opts,
		logger:    logging.NewComponentLogger(logger, "api"),
		now:       now,
		startedAt: now(),
	}, nil
}

// MaxUploadBytes is the largest accepted input.
func (s *Service) MaxUploadBytes() int64 { return s.opts.MaxUploadBytes }

// Submit stores the input, creates a PENDING job and enqueues it. Validation
// failures never create a job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id, err := s.submit(ctx, req)
	switch {
	case err == nil:
		s.opts.Metrics.Submitted("accepted")
	case errors.Is(err, services.ErrValidation):
		s.opts.Metrics.Submitted("rejected")
	default:
		s.opts.Metrics.Submitted("error")
	}
	return id, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (string, error) {
	name := artifacts.Base(req.Filename)
	if name == "" {
		return "", services.Wrap(services.ErrValidation, "", "submit", "missing file name", nil)
	}
	if req.Body == nil {
		return "", services.Wrap(services.ErrValidation, "", "submit", "missing file body", nil)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(s.opts.Extensions, ext) {
		return "", services.New(services.ErrValidation, "", "submit",
			fmt.Sprintf("unsupported extension %q (supported: %s)", ext, strings.Join(s.opts.Extensions, " ")), nil).
			WithCode("unsupported_extension")
	}
	if req.Size > s.opts.MaxUploadBytes {
		return "", s.tooLarge()
	}

	pipeline, err := s.pipelineFor(req.Pipeline, ext)
	if err != nil {
		return "", err
	}

	id := jobs.NewID()
	body := &limitedReader{r: req.Body, remaining: s.opts.MaxUploadBytes}
	input, err := s.opts.Artifacts.Put(ctx, id, artifacts.InputStage, name, body)
	if body.exceeded {
		return "", s.tooLarge()
	}
	if err != nil {
		return "", err
	}

	job := jobs.New(id, pipeline, input, name, s.now())
	if err := s.opts.Store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := s.opts.Broker.Enqueue(ctx, id); err != nil {
		s.abandon(ctx, job, err)
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}

	s.logger.Info("job submitted",
		logging.String(logging.FieldJobID, id),
		logging.String("input", name),
		logging.String("pipeline", strings.Join(pipeline, ",")),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	return id, nil
}

// pipelineFor applies the default pipeline and auto-convert, then checks
// every stage against the catalog.
func (s *Service) pipelineFor(requested []string, ext string) ([]string, error) {
	pipeline := stage.Normalize(requested)
	if len(pipeline) == 0 {
		pipeline = stage.Normalize(s.opts.DefaultPipeline)
	}
	convert := string(stage.KindConvert)
	if s.opts.AutoConvert && ext == autoConvertExtension && (len(pipeline) == 0 || pipeline[0] != convert) {
		pipeline = append([]string{convert}, pipeline...)
	}
	if _, err := s.opts.Catalog.Resolve(pipeline); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// abandon fails a created job that never reached the queue so it does not
// sit in PENDING forever.
func (s *Service) abandon(ctx context.Context, job *jobs.Job, cause error) {
	err := job.Fail(jobs.Cause{
		Kind:    string(services.KindInternal),
		Code:    "enqueue_failed",
		Message: cause.Error(),
	}, s.now())
	if err == nil {
		err = s.opts.Store.Save(context.WithoutCancel(ctx), job)
	}
	logging.ErrorWithContext(s.logger, "enqueue failed", "enqueue_failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.Error(cause),
		logging.Any("mark_failed_error", err),
		logging.String(logging.FieldErrorHint, "check broker connectivity"),
	)
}

func (s *Service) tooLarge() error {
	return services.New(ErrUploadTooLarge, "", "submit",
		fmt.Sprintf("limit is %d bytes", s.opts.MaxUploadBytes), nil).WithCode("too_large")
}

// Status reads a job. The validation report is attached once stored.
func (s *Service) Status(ctx context.Context, id string) (JobStatus, error) {
	job, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	status := FromJob(job)
	if ref, ok := job.Artifact(string(stage.KindValidate)); ok {
		if report, err := s.readReport(ctx, ref); err == nil {
			status.Report = report
		} else {
			s.logger.Debug("validation report unavailable", logging.String(logging.FieldJobID, id), logging.Error(err))
		}
	}
	return status, nil
}

func (s *Service) readReport(ctx context.Context, ref artifacts.Ref) ([]byte, error) {
	rc, err := s.opts.Artifacts.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, 1<<20))
}

// Artifact returns the ref a stage produced. It reports ErrArtifactNotReady
// before the stage completes and ErrArtifactGone when the store lost it.
func (s *Service) Artifact(ctx context.Context, id, stageName string) (artifacts.Ref, int64, error) {
	job, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		return "", 0, err
	}
	ref, ok := job.Artifact(strings.ToLower(strings.TrimSpace(stageName)))
	if !ok {
		return "", 0, fmt.Errorf("%w: job %s stage %q", ErrArtifactNotReady, id, stageName)
	}
	size, err := s.opts.Artifacts.Stat(ctx, ref)
	if errors.Is(err, artifacts.ErrNotFound) {
		return "", 0, fmt.Errorf("%w: %s", ErrArtifactGone, ref)
	}
	if err != nil {
		return "", 0, err
	}
	return ref, size, nil
}

// Open streams an artifact.
func (s *Service) Open(ctx context.Context, ref artifacts.Ref) (io.ReadCloser, error) {
	return s.opts.Artifacts.Get(ctx, ref)
}

// Cancel requests cancellation. A terminal job yields its status and
// jobs.ErrTerminal.
func (s *Service) Cancel(ctx context.Context, id string) (JobStatus, error) {
	job, err := jobs.Cancel(ctx, s.opts.Store, id, s.now())
	if job == nil {
		return JobStatus{}, err
	}
	if err == nil {
		s.logger.Info("job cancel requested",
			logging.String(logging.FieldJobID, id),
			logging.String("state", string(job.State)),
			logging.String(logging.FieldEventType, "job_cancel"),
		)
	}
	return FromJob(job), err
}

// List returns jobs, optionally filtered by state.
func (s *Service) List(ctx context.Context, states ...jobs.State) ([]JobStatus, error) {
	list, err := s.opts.Store.List(ctx, states...)
	if err != nil {
		return nil, err
	}
	return FromJobs(list), nil
}

// Stats counts jobs per state.
func (s *Service) Stats(ctx context.Context) (StatsResponse, error) {
	stats, err := s.opts.Store.Stats(ctx)
	if err != nil {
		return StatsResponse{}, err
	}
	return StatsResponse{Counts: MergeJobStats(stats)}, nil
}

// DaemonStatus aggregates pool, queue, job counts and tool availability.
// Backend failures are reported inline rather than failing the call.
func (s *Service) DaemonStatus(ctx context.Context) DaemonStatus {
	status := DaemonStatus{
		Running:      true,
		PID:          os.Getpid(),
		StartedAt:    formatTime(s.startedAt),
		Queue:        QueueStatus{Backend: s.opts.BrokerBackend},
		StageHealth:  StageHealthSlice(s.opts.Catalog.CheckHealth()),
		Dependencies: FromDependencies(deps.CheckBinaries(s.opts.Catalog.Requirements())),
	}
	if s.opts.Pool != nil {
		status.Workers = FromWorkerStatus(s.opts.Pool.Status())
		status.LastError = status.Workers.LastError
	}
	if qs, err := s.opts.Broker.Stats(ctx); err != nil {
		status.Queue.Error = err.Error()
	} else {
		status.Queue.Ready, status.Queue.Leased, status.Queue.Dead = qs.Ready, qs.Leased, qs.Dead
	}
	if stats, err := s.opts.Store.Stats(ctx); err != nil {
		status.LastError = err.Error()
	} else {
		status.Jobs = MergeJobStats(stats)
	}
	return status
}

// limitedReader fails once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		l.exceeded = true
		return 0, ErrUploadTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrUploadTooLarge
	}
	return n, err
}

package stagerun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/fileutil"
	"meshqueue/internal/logging"
	"meshqueue/internal/services"
	"meshqueue/internal/stage"
)

const (
	toolLogName      = "tool.log"
	defaultTailBytes = 4 << 10
	maxScanBytes     = 4 << 20
	defaultWaitDelay = 5 * time.Second
	fallbackOutput   = "output"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTailBytes bounds how much tool output is attached to failures.
func WithTailBytes(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.tailBytes = n
		}
	}
}

// WithKeepWorkDirs leaves attempt directories in place for inspection.
func WithKeepWorkDirs(keep bool) Option {
	return func(r *Runner) {
		r.keepWorkDirs = keep
	}
}

// Runner executes one stage attempt as a child process. It implements
// stage.Runner.
type Runner struct {
	store        artifacts.Store
	workDir      string
	logger       *slog.Logger
	tailBytes    int
	keepWorkDirs bool
}

var _ stage.Runner = (*Runner)(nil)

// New constructs a Runner that stages files under workDir.
func New(store artifacts.Store, workDir string, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, errors.New("artifact store required")
	}
	if strings.TrimSpace(workDir) == "" {
		return nil, errors.New("work directory required")
	}
	r := &Runner{
		store:     store,
		workDir:   workDir,
		logger:    logging.NewNop(),
		tailBytes: defaultTailBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// attempt is the private directory of one invocation.
type attempt struct {
	root      string
	inputDir  string
	outputDir string
	logPath   string
}

// Run invokes the stage tool and always returns a Result. Failures are
// classified with services markers; the runner never panics past this call.
func (r *Runner) Run(ctx context.Context, req stage.Request) (result stage.Result) {
	desc := req.Descriptor
	started := time.Now()
	result = stage.Result{Stage: desc.Name(), ExitCode: -1}

	ctx = services.WithStage(services.WithJobID(ctx, req.JobID), desc.Name())
	logger := logging.WithContext(ctx, r.logger).With(logging.Attempt(req.Attempt))

	defer func() {
		if recovered := recover(); recovered != nil {
			result.Outcome = stage.OutcomeFailed
			result.Ref = ""
			result.Err = services.Wrap(services.ErrToolExecution, desc.Name(), "run", fmt.Sprintf("runner panic: %v", recovered), nil)
			logging.ErrorWithContext(logger, "stage runner panicked", "stage_runner_panic",
				logging.Any("panic", recovered),
				logging.String(logging.FieldErrorHint, "report this failure with the tool log"),
			)
		}
		result.Duration = time.Since(started)
	}()

	dir, err := r.prepare(req)
	if err != nil {
		return fail(result, stage.OutcomeStorageError, services.Wrap(services.ErrStorage, desc.Name(), "prepare work dir", "", err))
	}
	if !r.keepWorkDirs {
		defer func() {
			if err := os.RemoveAll(dir.root); err != nil {
				logger.Warn("work dir cleanup failed", logging.String("path", dir.root), logging.Error(err))
			}
		}()
	}

	inputPath, err := r.materialize(ctx, req, dir)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(result, desc, ctx.Err())
		}
		return fail(result, stage.OutcomeStorageError, services.Wrap(services.ErrStorage, desc.Name(), "materialize input", req.Input.String(), err))
	}

	outputName := desc.OutputName
	if outputName == "" {
		outputName = fallbackOutput
	}
	args := desc.RenderArgs(stage.Vars{
		Input:     inputPath,
		Output:    filepath.Join(dir.outputDir, outputName),
		OutputDir: dir.outputDir,
		JobID:     req.JobID,
		Stage:     desc.Name(),
	})

	logger.Info("stage tool started",
		logging.String(logging.FieldEventType, "tool_start"),
		logging.String("command", desc.Command),
		logging.Any("args", args),
		logging.Duration("timeout", desc.Timeout),
	)

	exitCode, runErr := r.execute(ctx, desc, args, dir)
	result.ExitCode = exitCode
	tail := readTail(dir.logPath, r.tailBytes)
	result.Warnings = stage.ScanWarnings(desc.Warnings, readTail(dir.logPath, maxScanBytes))

	switch {
	case ctx.Err() != nil:
		return interrupted(result, desc, ctx.Err())
	case errors.Is(runErr, context.DeadlineExceeded):
		message := fmt.Sprintf("exceeded %s and was killed", desc.Timeout)
		return fail(result, stage.OutcomeTimeout, withTail(services.New(services.ErrToolTimeout, desc.Name(), "run tool", message, nil), tail))
	case runErr != nil && exitCode < 0:
		return fail(result, stage.OutcomeFailed, services.New(services.ErrToolExecution, desc.Name(), "start tool", desc.Command, runErr).WithCode("start_failed"))
	case !desc.Succeeded(exitCode):
		message := fmt.Sprintf("exited with code %d", exitCode)
		return fail(result, stage.OutcomeFailed, withTail(services.New(services.ErrToolExecution, desc.Name(), "run tool", message, nil).WithCode("exit_code"), tail))
	}

	if desc.Produces == stage.ProducesReport {
		report, err := extractReport(filepath.Join(dir.outputDir, desc.StdoutFile))
		if err != nil {
			return fail(result, stage.OutcomeFailed, withTail(services.New(services.ErrToolExecution, desc.Name(), "parse report", err.Error(), nil).WithCode("report_invalid"), tail))
		}
		if err := os.WriteFile(filepath.Join(dir.outputDir, outputName), report, 0o644); err != nil {
			return fail(result, stage.OutcomeStorageError, services.Wrap(services.ErrStorage, desc.Name(), "write report", "", err))
		}
		result.Report = report
	}

	chosen, err := selectOutput(dir.outputDir, desc.OutputPattern, desc.Prefer)
	if err != nil {
		return fail(result, stage.OutcomeFailed, withTail(services.New(services.ErrToolOutputMissing, desc.Name(), "collect output", err.Error(), nil), tail))
	}

	ref, err := r.persist(ctx, req, chosen)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(result, desc, ctx.Err())
		}
		return fail(result, stage.OutcomeStorageError, services.Wrap(services.ErrStorage, desc.Name(), "store output", filepath.Base(chosen), err))
	}

	result.Outcome = stage.OutcomeSucceeded
	result.Ref = ref
	logger.Info("stage tool finished",
		logging.String(logging.FieldEventType, "tool_complete"),
		logging.String("artifact", ref.String()),
		logging.Int("exit_code", exitCode),
		logging.Int("warnings", len(result.Warnings)),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result
}

func (r *Runner) prepare(req stage.Request) (attempt, error) {
	name := fmt.Sprintf("%s-%d-%s", req.Descriptor.Name(), req.Attempt, uuid.NewString()[:8])
	root := filepath.Join(r.workDir, req.JobID, name)
	dir := attempt{
		root:      root,
		inputDir:  filepath.Join(root, "input"),
		outputDir: filepath.Join(root, "output"),
		logPath:   filepath.Join(root, toolLogName),
	}
	for _, d := range []string{dir.inputDir, dir.outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return attempt{}, err
		}
	}
	return dir, nil
}

// materialize copies the input artifact into the attempt directory under its
// own file name so tools that sniff extensions keep working.
func (r *Runner) materialize(ctx context.Context, req stage.Request, dir attempt) (string, error) {
	name := artifacts.Base(req.Input.Name())
	if name == "" {
		return "", fmt.Errorf("%w: %q", artifacts.ErrInvalidRef, req.Input)
	}
	src, err := r.store.Get(ctx, req.Input)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst := filepath.Join(dir.inputDir, name)
	if _, err := fileutil.WriteStream(dst, src); err != nil {
		return "", err
	}
	return dst, nil
}

func (r *Runner) execute(ctx context.Context, desc stage.Descriptor, args []string, dir attempt) (int, error) {
	logFile, err := os.Create(dir.logPath)
	if err != nil {
		return -1, err
	}
	defer logFile.Close()

	var stdout io.Writer = logFile
	if desc.StdoutFile != "" {
		capture, err := os.Create(filepath.Join(dir.outputDir, desc.StdoutFile))
		if err != nil {
			return -1, err
		}
		defer capture.Close()
		stdout = io.MultiWriter(logFile, capture)
	}

	runCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, desc.Command, args...) //nolint:gosec
	cmd.Dir = dir.root
	cmd.Stdout = stdout
	cmd.Stderr = logFile
	cmd.WaitDelay = defaultWaitDelay
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return -1, err
	}
	waitErr := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if runCtx.Err() != nil {
		return code, runCtx.Err()
	}
	if code < 0 && waitErr != nil {
		// Killed by a signal nobody here sent.
		return 128, waitErr
	}
	return code, nil
}

func (r *Runner) persist(ctx context.Context, req stage.Request, path string) (artifacts.Ref, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return r.store.Put(ctx, req.JobID, req.Descriptor.Name(), filepath.Base(path), file)
}

func fail(result stage.Result, outcome stage.Outcome, err error) stage.Result {
	result.Outcome = outcome
	result.Err = err
	return result
}

func interrupted(result stage.Result, desc stage.Descriptor, cause error) stage.Result {
	return fail(result, stage.OutcomeInterrupted, services.Wrap(services.ErrInterrupted, desc.Name(), "run tool", "worker shutting down", cause))
}

func withTail(err *services.Error, tail string) error {
	if tail != "" {
		err.Message = err.Message + "; log tail: " + tail
	}
	return err
}

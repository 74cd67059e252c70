// Package workflow drives a batch geocoding job from authentication to the
// downloaded result archive. Stages run strictly in order and the first
// error ends the run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"batchgeocode/internal/api"
	"batchgeocode/internal/jobs"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 10 * time.Second

const maxNameAttempts = 100

// Service is the subset of the geocoding API used by a run.
type Service interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
	Upload(ctx context.Context, token, path string) (string, error)
	SubmitJob(ctx context.Context, token string, request api.SubmitRequest) (string, error)
	JobStatus(ctx context.Context, token, jobID, itemID string) (jobs.Job, error)
	ResolveResult(ctx context.Context, token, jobID, itemID, paramURL string) (string, error)
	Download(ctx context.Context, token, downloadURL string, w io.Writer) (int64, error)
}

// Observer is told about run progress. Implementations must not block.
type Observer interface {
	Uploaded(ctx context.Context, itemID string)
	Submitted(ctx context.Context, jobID string)
	StatusChanged(ctx context.Context, status jobs.Status)
}

type nopObserver struct{}

func (nopObserver) Uploaded(context.Context, string)           {}
func (nopObserver) Submitted(context.Context, string)          {}
func (nopObserver) StatusChanged(context.Context, jobs.Status) {}

// Options configures a single run.
type Options struct {
	Username string
	Password string
	// UploadPath is the zip archive to upload.
	UploadPath string
	// Submit carries the field mapping and geocoding parameters; ItemID is
	// filled in from the upload.
	Submit    api.SubmitRequest
	OutputDir string

	PollInterval time.Duration
	// MaxWait bounds the polling time; zero polls until a terminal status.
	MaxWait time.Duration

	// ResumeJobID and ResumeItemID skip upload and submission and poll an
	// existing job.
	ResumeJobID  string
	ResumeItemID string
}

// Resuming reports whether the run continues an existing job.
func (o Options) Resuming() bool {
	return o.ResumeJobID != ""
}

// Result describes a finished run. On error the fields reached so far are set.
type Result struct {
	ItemID     string
	JobID      string
	Status     jobs.Status
	Polls      int
	OutputPath string
	Bytes      int64
}

// Runner executes runs against a Service.
type Runner struct {
	service  Service
	clock    Clock
	observer Observer
	logger   *slog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithObserver registers a progress observer.
func WithObserver(observer Observer) Option {
	return func(r *Runner) { r.observer = observer }
}

// NewRunner builds a Runner.
func NewRunner(service Service, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		service:  service,
		clock:    SystemClock{},
		observer: nopObserver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes authenticate, upload, submit, poll and download in order.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	var result Result

	token, err := r.service.Authenticate(ctx, opts.Username, opts.Password)
	if err != nil {
		return result, stageError(StageAuthenticate, err)
	}
	r.logger.Info("token generated", "token", api.Redact(token))

	if opts.Resuming() {
		result.ItemID = opts.ResumeItemID
		result.JobID = opts.ResumeJobID
		r.logger.Info("resuming job", "job_id", result.JobID, "item_id", result.ItemID)
	} else {
		result.ItemID, err = r.service.Upload(ctx, token, opts.UploadPath)
		if err != nil {
			return result, stageError(StageUpload, err)
		}
		r.observer.Uploaded(ctx, result.ItemID)
		r.logger.Info("file uploaded", "file", filepath.Base(opts.UploadPath), "item_id", result.ItemID)

		request := opts.Submit
		request.ItemID = result.ItemID
		result.JobID, err = r.service.SubmitJob(ctx, token, request)
		if err != nil {
			return result, stageError(StageSubmit, err)
		}
		r.observer.Submitted(ctx, result.JobID)
		r.logger.Info("job submitted for geocoding", "job_id", result.JobID)
	}

	job, err := r.poll(ctx, token, result.ItemID, result.JobID, opts, &result)
	if err != nil {
		return result, stageError(StagePoll, err)
	}

	if err := r.download(ctx, token, job, opts.OutputDir, &result); err != nil {
		return result, stageError(StageDownload, err)
	}
	r.logger.Info("downloaded output", "path", result.OutputPath, "bytes", result.Bytes)
	return result, nil
}

// poll queries the job status until it is terminal. The clock sleeps only
// between polls, never after the terminal one.
func (r *Runner) poll(ctx context.Context, token, itemID, jobID string, opts Options, result *Result) (jobs.Job, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := r.clock.Now()

	for {
		job, err := r.service.JobStatus(ctx, token, jobID, itemID)
		if err != nil {
			return jobs.Job{}, err
		}
		result.Polls++

		if result.Status != "" && job.Status.Before(result.Status) {
			r.logger.Warn("job status moved backwards", "job_id", jobID, "from", result.Status, "to", job.Status)
		}
		if job.Status != result.Status {
			r.observer.StatusChanged(ctx, job.Status)
		}
		result.Status = job.Status
		r.logProgress(job)

		switch {
		case job.Status == jobs.StatusSucceeded:
			return job, nil
		case job.Status.Failed():
			return job, fmt.Errorf("%w: %s", ErrJobFailed, job.Status)
		}

		if opts.MaxWait > 0 && r.clock.Now().Sub(start) >= opts.MaxWait {
			return job, fmt.Errorf("%w: %s after %d polls, last status %s", ErrWaitExceeded, opts.MaxWait, result.Polls, job.Status)
		}
		if err := r.clock.Sleep(ctx, interval); err != nil {
			return job, err
		}
	}
}

func (r *Runner) logProgress(job jobs.Job) {
	if len(job.Messages) == 0 {
		r.logger.Info("job status", "status", job.Status)
		return
	}
	for _, message := range job.Messages {
		r.logger.Info("job status", "status", job.Status, "message", message.Description)
	}
}

// download resolves the result descriptor and streams the archive to a new
// timestamped file. A partially written file is left in place on failure.
func (r *Runner) download(ctx context.Context, token string, job jobs.Job, outputDir string, result *Result) error {
	paramURL := job.ResultParamURL()
	if paramURL == "" {
		return ErrMissingResultParam
	}

	downloadURL, err := r.service.ResolveResult(ctx, token, result.JobID, result.ItemID, paramURL)
	if err != nil {
		return fmt.Errorf("resolve result: %w", err)
	}
	r.logger.Debug("result resolved", "url", downloadURL)

	file, err := createOutput(outputDir, r.clock.Now())
	if err != nil {
		return err
	}
	result.OutputPath = file.Name()

	n, err := r.service.Download(ctx, token, downloadURL, file)
	result.Bytes = n
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close output: %w", closeErr)
	}
	return err
}

// OutputName is the result archive name for a run finished at t.
func OutputName(t time.Time) string {
	return "results_" + strconv.FormatInt(t.Unix(), 10) + ".zip"
}

// createOutput creates results_<unix>.zip in dir without replacing an
// existing file; same-second collisions get a numeric suffix.
func createOutput(dir string, now time.Time) (*os.File, error) {
	if dir == "" {
		dir = "."
	}
	base := OutputName(now)
	stem := base[:len(base)-len(".zip")]

	name := base
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create output: %w", err)
		}
		name = fmt.Sprintf("%s-%d.zip", stem, attempt)
	}
	return nil, fmt.Errorf("create output: no free name for %s in %s", base, dir)
}

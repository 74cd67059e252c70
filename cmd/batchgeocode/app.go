package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"batchgeocode/internal/api"
	"batchgeocode/internal/archive"
	"batchgeocode/internal/config"
	"batchgeocode/internal/export"
	"batchgeocode/internal/history"
	"batchgeocode/internal/mapping"
	"batchgeocode/internal/publish"
	"batchgeocode/internal/system"
	"batchgeocode/internal/workflow"
)

// usageError marks problems with the invocation or configuration rather
// than with the run itself.
type usageError struct {
	Err error
}

func (e *usageError) Error() string { return e.Err.Error() }
func (e *usageError) Unwrap() error { return e.Err }

func usagef(format string, args ...any) error {
	return &usageError{Err: fmt.Errorf(format, args...)}
}

type resumeFlags struct {
	jobID  string
	itemID string
	last   bool
}

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	runID   uuid.UUID
	version string

	// diskUsage overrides the free space probe in tests.
	diskUsage system.DiskUsage
	// clock overrides the runner clock in tests.
	clock workflow.Clock
	// openHistory replaces history.Open in tests.
	openHistory func(ctx context.Context, driver, dsn string, logger *slog.Logger) (*history.Store, error)
}

func (a *app) execute(ctx context.Context, resume resumeFlags) error {
	cfg := a.cfg

	if resume.last && (resume.jobID != "" || resume.itemID != "") {
		return usagef("-resume-last cannot be combined with -job or -item")
	}

	var store *history.Store
	if cfg.History.Enabled() {
		open := a.openHistory
		if open == nil {
			open = history.Open
		}
		var err error
		store, err = open(ctx, cfg.History.Driver, cfg.History.DSN, a.logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	opts := workflow.Options{
		Username:     cfg.Username,
		Password:     cfg.Password,
		OutputDir:    cfg.OutputDir,
		PollInterval: cfg.PollInterval,
		MaxWait:      cfg.MaxWait,
	}
	newRun := true

	switch {
	case resume.jobID != "":
		if resume.itemID == "" {
			return usagef("-job requires -item")
		}
		opts.ResumeJobID = resume.jobID
		opts.ResumeItemID = resume.itemID
	case resume.itemID != "":
		return usagef("-item requires -job")
	case resume.last:
		if store == nil {
			return usagef("-resume-last requires history_driver and history_dsn")
		}
		run, err := store.LatestUnfinished(ctx)
		if errors.Is(err, history.ErrNotFound) {
			return usagef("no unfinished run to resume")
		}
		if err != nil {
			return err
		}
		a.runID = run.ID
		opts.ResumeJobID = run.JobID
		opts.ResumeItemID = run.ItemID
		newRun = false
	}

	logger := a.logger.With("run_id", a.runID.String())

	if !opts.Resuming() {
		workDir, err := os.MkdirTemp("", "batchgeocode-")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		defer os.RemoveAll(workDir)

		if err := a.preflight(logger, workDir, &opts); err != nil {
			return err
		}
	}

	free, err := system.CheckOutputDir(cfg.OutputDir, cfg.Results.MinFreeBytes, a.diskUsage)
	if err != nil {
		return err
	}
	logger.Debug("output dir ready", "dir", cfg.OutputDir, "free_bytes", free)

	client, err := api.NewClient(cfg.BatchURL, cfg.DiscoveryURL, cfg.RequestMethod, cfg.HTTPTimeout, a.version)
	if err != nil {
		return &usageError{Err: err}
	}

	runnerOpts := []workflow.Option{}
	if a.clock != nil {
		runnerOpts = append(runnerOpts, workflow.WithClock(a.clock))
	}
	if store != nil {
		if newRun {
			record := history.Run{ID: a.runID, InputPath: cfg.InputPath, Status: "started"}
			if opts.Resuming() {
				record.ItemID = opts.ResumeItemID
				record.JobID = opts.ResumeJobID
			}
			if err := store.Start(ctx, record); err != nil {
				logger.Warn("history start failed", "error", err)
			}
		}
		runnerOpts = append(runnerOpts, workflow.WithObserver(store.Recorder(a.runID)))
	}

	logger.Info("run started", "input", cfg.InputPath, "job_id", opts.ResumeJobID, "method", cfg.RequestMethod)
	result, runErr := workflow.NewRunner(client, logger, runnerOpts...).Run(ctx, opts)

	var checksum string
	if runErr == nil {
		checksum, runErr = a.postProcess(ctx, logger, result.OutputPath)
	}

	if store != nil {
		status, errText := "succeeded", ""
		if runErr != nil {
			status, errText = "failed", runErr.Error()
		}
		// The run context may already be cancelled; the ledger row should still close.
		finishCtx := context.WithoutCancel(ctx)
		if err := store.Finish(finishCtx, a.runID, status, result.OutputPath, checksum, errText); err != nil {
			logger.Warn("history finish failed", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("run finished",
		"job_id", result.JobID,
		"polls", result.Polls,
		"output", result.OutputPath,
		"bytes", result.Bytes,
		"sha256", checksum,
	)
	return nil
}

// preflight validates the field mapping against the input and prepares the
// archive to upload.
func (a *app) preflight(logger *slog.Logger, workDir string, opts *workflow.Options) error {
	cfg := a.cfg
	if err := cfg.RequireSubmission(); err != nil {
		return &usageError{Err: err}
	}

	fields, err := mapping.Parse(cfg.FieldMapping)
	if err != nil {
		return &usageError{Err: err}
	}

	uploadPath, err := archive.PrepareUpload(cfg.InputPath, workDir)
	if err != nil {
		return &usageError{Err: err}
	}

	header, err := archive.CSVHeader(uploadPath)
	if err != nil {
		return &usageError{Err: fmt.Errorf("read input header: %w", err)}
	}
	if missing := fields.MissingColumns(header); len(missing) > 0 {
		return usagef("input is missing mapped columns: %s", strings.Join(missing, ", "))
	}

	size, err := system.CheckUploadSize(uploadPath)
	if err != nil {
		return &usageError{Err: err}
	}
	logger.Info("input ready", "path", uploadPath, "bytes", size, "columns", len(header))

	g := cfg.Geocode
	opts.UploadPath = uploadPath
	opts.Submit = api.SubmitRequest{
		FieldMapping:         fields.String(),
		Category:             g.Category,
		SourceCountry:        g.SourceCountry,
		MatchOutOfRange:      g.MatchOutOfRange,
		LangCode:             g.LangCode,
		LocationType:         g.LocationType,
		SearchExtent:         g.SearchExtent,
		OutSR:                g.OutSR,
		OutFields:            g.OutFields,
		PreferredLabelValues: g.PreferredLabelValues,
	}
	return nil
}

// postProcess fingerprints the downloaded archive and runs the optional
// extract, export and delivery steps.
func (a *app) postProcess(ctx context.Context, logger *slog.Logger, resultPath string) (string, error) {
	cfg := a.cfg

	checksum, err := archive.SHA256(resultPath)
	if err != nil {
		return "", err
	}
	checksumPath, err := archive.WriteChecksumFile(resultPath, checksum)
	if err != nil {
		return checksum, err
	}

	base := strings.TrimSuffix(resultPath, ".zip")
	if cfg.Results.Extract {
		files, err := archive.Extract(resultPath, base)
		if err != nil {
			return checksum, fmt.Errorf("extract results: %w", err)
		}
		logger.Info("results extracted", "dir", base, "files", len(files))
	}

	if cfg.Results.XLSXExport {
		if _, err := export.XLSX(resultPath, base+".xlsx", logger); err != nil {
			return checksum, fmt.Errorf("export results: %w", err)
		}
	}

	if cfg.SFTP.Enabled() {
		s := cfg.SFTP
		publisher, err := publish.NewSFTP(publish.SFTPOptions{
			Addr:           s.Addr,
			User:           s.User,
			Password:       s.Password,
			KeyPath:        s.KeyPath,
			KnownHostsPath: s.KnownHostsPath,
			RemoteDir:      s.RemoteDir,
			Insecure:       s.Insecure,
		}, logger)
		if err != nil {
			return checksum, err
		}
		if err := archive.VerifyChecksumFile(resultPath); err != nil {
			return checksum, fmt.Errorf("refusing to publish: %w", err)
		}
		if _, err := publisher.Publish(ctx, resultPath, checksumPath); err != nil {
			return checksum, err
		}
	}
	return checksum, nil
}

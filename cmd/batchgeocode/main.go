package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"batchgeocode/internal/api"
	"batchgeocode/internal/archive"
	"batchgeocode/internal/config"
	"batchgeocode/internal/logging"
	"batchgeocode/internal/workflow"
)

var version = "dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to batchgeocode.conf")
	input := flag.String("input", "", "input .zip or .csv (overrides input_path)")
	outputDir := flag.String("output-dir", "", "directory for result archives (overrides output_dir)")
	jobID := flag.String("job", "", "poll an already submitted job instead of uploading")
	itemID := flag.String("item", "", "item id belonging to -job")
	resumeLast := flag.Bool("resume-last", false, "resume the latest unfinished run from the history store")
	verifyPath := flag.String("verify", "", "check a result archive against its .sha256 file and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}
	if *verifyPath != "" {
		return verify(logging.Setup(os.Stdout, "info", "text"), *verifyPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		return exitUsage
	}
	if *input != "" {
		cfg.InputPath = *input
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}

	logger := logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		runID:   uuid.New(),
		version: version,
	}
	err = a.execute(ctx, resumeFlags{jobID: *jobID, itemID: *itemID, last: *resumeLast})
	return report(logger, err)
}

// verify checks a previously downloaded archive against its checksum file.
func verify(logger *slog.Logger, archivePath string) int {
	if err := archive.VerifyChecksumFile(archivePath); err != nil {
		logger.Error("checksum verification failed", "path", archivePath, "error", err)
		return exitFailure
	}
	logger.Info("checksum verified", "path", archivePath)
	return exitOK
}

// report logs the outcome of a run and maps it to a process exit status.
func report(logger *slog.Logger, err error) int {
	if err == nil {
		return exitOK
	}

	var usage *usageError
	if errors.As(err, &usage) {
		logger.Error("invalid invocation", "error", usage.Err)
		return exitUsage
	}

	attrs := []any{"error", err}
	var stageErr *workflow.StageError
	if errors.As(err, &stageErr) {
		attrs = append(attrs, "stage", stageErr.Stage)
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		attrs = append(attrs, "service_error", apiErr.Raw)
	}
	logger.Error("run failed", attrs...)
	return exitFailure
}

func init() {
	flag.CommandLine.SetOutput(os.Stdout)
	flag.CommandLine.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "Usage: batchgeocode [-config batchgeocode.conf] [-input addresses.zip] [-job ID -item ID | -resume-last]\n       batchgeocode -verify results_<unix>.zip\n")
		flag.PrintDefaults()
	}
}

package workflow

import (
	"errors"
	"fmt"
)

// Stage names a step of the geocoding run.
type Stage string

const (
	StageAuthenticate Stage = "authenticate"
	StageUpload       Stage = "upload"
	StageSubmit       Stage = "submit"
	StagePoll         Stage = "poll"
	StageDownload     Stage = "download"
)

var (
	ErrJobFailed          = errors.New("job failed")
	ErrWaitExceeded       = errors.New("maximum wait exceeded")
	ErrMissingResultParam = errors.New("succeeded job has no result descriptor")
)

// StageError records the stage a run aborted in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

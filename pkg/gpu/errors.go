package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAdapter is returned by Open when no GPU adapter is available.
	ErrNoAdapter = errors.New("gpu: no compatible adapter found")
	// ErrNoDevice is returned by Open when the adapter refuses a device.
	ErrNoDevice = errors.New("gpu: failed to acquire device")
	// ErrZeroSize rejects images that would dispatch zero workgroups.
	ErrZeroSize = errors.New("gpu: zero-sized image")
	// ErrNotCompiled is returned by Execute on a closed pipeline.
	ErrNotCompiled = errors.New("gpu: pipeline not compiled")
)

// Stage names the step of Execute that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageAllocate Stage = "allocate"
	StageUpload   Stage = "upload"
	StageDispatch Stage = "dispatch"
	StageReadback Stage = "readback"
	StageCompile  Stage = "compile"
)

// StageError wraps a failure of one pipeline step.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("gpu %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
